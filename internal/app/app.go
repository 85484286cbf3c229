package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"postwatch/internal/bot"
	"postwatch/internal/config"
	"postwatch/internal/dispatch"
	"postwatch/internal/notifier"
	"postwatch/internal/ops"
	"postwatch/internal/poller"
	rtsup "postwatch/internal/runtime/supervisor"
	"postwatch/internal/social"
	"postwatch/internal/social/bluesky"
	"postwatch/internal/social/fediverse"
	"postwatch/internal/storage"
	"postwatch/internal/transport"
	"postwatch/internal/transport/telegram"
	logx "postwatch/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	store storage.Store

	adapter *telegram.Adapter
	scheds  []*poller.Scheduler
	notif   *notifier.Service
	disp    *dispatch.Dispatcher
	bot     *bot.Bot
	maint   *maintenance
	ops     *ops.Service

	// fetchCancel aborts in-flight fetches on Stop.
	fetchCtx    context.Context
	fetchCancel context.CancelFunc

	started time.Time
	updates chan transport.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(context.Background(), cfg); err != nil {
		return nil, err
	}

	logs, root := logx.NewService(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, root)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	pollTimeout, _ := mapTelegram(cfg)
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, root.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		store:   store,
		adapter: ad,
		updates: make(chan transport.Update, 256),
	}
	a.fetchCtx, a.fetchCancel = context.WithCancel(context.Background())

	pcfg, _ := mapPollerConfig(cfg)
	popts := []poller.Option{poller.WithLogger(root), poller.WithContext(a.fetchCtx)}
	if cfg.FediverseEnabled() {
		fc, _ := mapFediverseConfig(cfg)
		a.scheds = append(a.scheds, poller.New(pcfg, fediverse.New(fc), popts...))
	}
	if cfg.BlueskyEnabled() {
		bc, _ := mapBlueskyConfig(cfg)
		a.scheds = append(a.scheds, poller.New(pcfg, bluesky.New(bc), popts...))
	}

	ncfg, _ := mapNotifierConfig(cfg)
	a.notif = notifier.New(ncfg, ad, root, store)
	a.disp = dispatch.New(store, a.notif, root)

	bs := make([]bot.Scheduler, 0, len(a.scheds))
	for _, s := range a.scheds {
		bs = append(bs, s)
	}
	a.bot = bot.New(bot.Deps{
		Adapter:    ad,
		Store:      store,
		Schedulers: bs,
		Notifier:   a.notif,
		Owners:     cfg.Telegram.OwnerUserIDs,
		Workers:    cfg.Telegram.CommandWorkers,
	}, root)

	a.maint = newMaintenance(a.scheds, a.logStats, root)
	ocfg, _ := mapOpsConfig(cfg)
	a.ops = ops.New(ocfg, a.health, root.With(logx.String("comp", "ops")))
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validate)
	run := a.sup.Context()

	restored, err := a.restoreSubscriptions(run)
	if err != nil {
		return err
	}

	if a.notif.Enabled() {
		a.notif.Start(run)
	}
	for _, s := range a.scheds {
		a.disp.Attach(s)
		s.Start()
	}

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	a.sup.Go("bot.run", func(c context.Context) error { return a.bot.Run(c, a.updates) })
	a.sup.Go0("telegram.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 15*time.Second)
		defer cancel()
		if err := a.bot.SyncMenu(mctx); err != nil {
			a.log.Warn("set bot commands failed", logx.Err(err))
		}
	})

	decay, stats, _ := cronSpecs(a.cfgm.Get())
	if err := a.maint.Apply(decay, stats); err != nil {
		return err
	}
	a.ops.Start(run)

	a.startReloadLoop()
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })
	a.startWatchdog()

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.Int("platforms", len(a.scheds)),
		logx.Int("accounts", restored),
	)
	return nil
}

// restoreSubscriptions tracks every stored account again. Accounts on a
// platform that is no longer enabled are skipped, not deleted.
func (a *App) restoreSubscriptions(ctx context.Context) (int, error) {
	rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	subs, err := a.store.AllSubscriptions(rctx)
	if err != nil {
		return 0, fmt.Errorf("load subscriptions: %w", err)
	}

	handles := map[social.Platform][]string{}
	for _, sub := range subs {
		handles[sub.Platform] = append(handles[sub.Platform], sub.Handle)
	}
	total := 0
	for _, s := range a.scheds {
		p := s.Platform()
		n := s.AddAccounts(handles[p])
		total += n
		delete(handles, p)
		a.log.Info("subscriptions restored", logx.String("platform", string(p)), logx.Int("accounts", n))
	}
	for p, hs := range handles {
		a.log.Warn("platform disabled; stored subscriptions ignored", logx.String("platform", string(p)), logx.Int("subscriptions", len(hs)))
	}
	return total, nil
}

func (a *App) startReloadLoop() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							cfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, cfg)
				last = cfg
			}
		}
	})
}

// applyConfig applies the parts of cfg that can change at runtime. The
// config was validated before it was published.
func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	var restart []string
	for _, s := range sections {
		switch s {
		case "telegram":
			if prev.Telegram.Token != cfg.Telegram.Token || prev.Telegram.PollTimeout != cfg.Telegram.PollTimeout {
				restart = append(restart, s)
			}
		case "poller":
			// Only the maintenance schedules are live.
			pp, cp := prev.Poller, cfg.Poller
			pp.DecaySchedule, pp.StatsSchedule = "", ""
			cp.DecaySchedule, cp.StatsSchedule = "", ""
			if pp != cp {
				restart = append(restart, s)
			}
		case "platforms", "storage":
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(cfg))
	a.bot.SetOwners(cfg.Telegram.OwnerUserIDs)

	if ncfg, err := mapNotifierConfig(cfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(sctx)
			cancel()
		case !wasEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if decay, stats, err := cronSpecs(cfg); err != nil {
		a.log.Warn("invalid maintenance schedule; keeping previous", logx.Err(err))
	} else if err := a.maint.Apply(decay, stats); err != nil {
		a.log.Warn("maintenance reschedule failed", logx.Err(err))
	}

	if ocfg, err := mapOpsConfig(cfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, ocfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

// startWatchdog pings systemd at half the WatchdogSec interval when the
// unit enables it.
func (a *App) startWatchdog() {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(every / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				sdNotify(a.log, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func (a *App) logStats() {
	for _, s := range a.scheds {
		st := s.Stats()
		a.log.Info("poll stats",
			logx.String("platform", string(s.Platform())),
			logx.Bool("running", st.Running),
			logx.Int("accounts", st.AccountCount),
			logx.Duration("avg_interval", st.AverageInterval),
			logx.Int("failing", st.FailedAccounts),
		)
	}
	ns := a.notif.Stats()
	a.log.Info("delivery stats",
		logx.Int64("sent", int64(ns.Sent)),
		logx.Int64("failed", int64(ns.Failed)),
		logx.Int64("deduped", int64(ns.Deduped)),
		logx.Int64("dropped", int64(ns.Dropped)),
		logx.Int("pending", ns.Pending),
	)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)
	a.sup.Cancel()

	// step runs one shutdown stage with its own bound, never past ctx's deadline.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("schedulers", time.Second, func(context.Context) error {
		for _, s := range a.scheds {
			s.Stop()
		}
		a.fetchCancel()
		a.disp.Close()
		return nil
	})
	step("maintenance", time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
