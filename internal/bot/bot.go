// Package bot serves the chat commands that manage subscriptions and
// inspect the poll schedulers.
package bot

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"postwatch/internal/notifier"
	"postwatch/internal/poller"
	rtsup "postwatch/internal/runtime/supervisor"
	"postwatch/internal/social"
	"postwatch/internal/storage"
	"postwatch/internal/transport"
	logx "postwatch/pkg/logx"
)

// Scheduler is what commands need from a poll scheduler.
type Scheduler interface {
	Platform() social.Platform
	AddAccount(handle string) bool
	RemoveAccount(handle string) bool
	PollNow(ctx context.Context, handle string) (*social.Post, error)
	AccountActivity(handle string) (poller.ActivitySnapshot, bool)
	Stats() poller.Stats
}

// NotifierStats exposes delivery counters for /pollstats.
type NotifierStats interface {
	Stats() notifier.Stats
}

type Deps struct {
	Adapter    transport.Adapter
	Store      storage.Store
	Schedulers []Scheduler
	Notifier   NotifierStats // optional
	Owners     []int64
	Workers    int
	Timeout    time.Duration
}

type Bot struct {
	log     logx.Logger
	adapter transport.Adapter
	store   storage.Store
	notif   NotifierStats

	scheds map[social.Platform]Scheduler

	mu       sync.RWMutex
	owners   []int64
	commands map[string]*Command
	ordered  []*Command

	workers int
	timeout time.Duration
	jobs    chan func() // owned by Run
	reqSeq  atomic.Uint64

	runMu sync.Mutex
	sup   *rtsup.Supervisor
}

func New(d Deps, log logx.Logger) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Workers <= 0 {
		d.Workers = 2
	}
	if d.Timeout <= 0 {
		d.Timeout = 45 * time.Second
	}
	b := &Bot{
		log:     log.With(logx.String("comp", "bot")),
		adapter: d.Adapter,
		store:   d.Store,
		notif:   d.Notifier,
		scheds:  map[social.Platform]Scheduler{},
		owners:  append([]int64(nil), d.Owners...),
		workers: d.Workers,
		timeout: d.Timeout,
	}
	for _, s := range d.Schedulers {
		b.scheds[s.Platform()] = s
	}
	b.register(b.builtinCommands())
	return b
}

func (b *Bot) register(cmds []Command) {
	byName := map[string]*Command{}
	ordered := make([]*Command, 0, len(cmds))
	for i := range cmds {
		c := &cmds[i]
		if c.Name == "" || c.Handle == nil {
			continue
		}
		byName[c.Name] = c
		for _, a := range c.Aliases {
			if _, taken := byName[a]; !taken {
				byName[a] = c
			}
		}
		ordered = append(ordered, c)
	}
	b.mu.Lock()
	b.commands = byName
	b.ordered = ordered
	b.mu.Unlock()
}

// SetOwners replaces the owner list (config reload).
func (b *Bot) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	b.mu.Lock()
	b.owners = cp
	b.mu.Unlock()
}

func (b *Bot) ownersSnapshot() []int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]int64(nil), b.owners...)
}

// MenuCommands lists the public commands for the chat's command menu.
func (b *Bot) MenuCommands() []transport.BotCommand {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]transport.BotCommand, 0, len(b.ordered))
	for _, c := range b.ordered {
		if c.Access == AccessOwnerOnly {
			continue
		}
		out = append(out, transport.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// SyncMenu pushes MenuCommands to the adapter when it supports command menus.
func (b *Bot) SyncMenu(ctx context.Context) error {
	mu, ok := b.adapter.(transport.CommandMenuUpdater)
	if !ok {
		return nil
	}
	return mu.UpdateMenuCommands(ctx, b.MenuCommands())
}

// Supervisor returns the command worker supervisor (nil when not running).
func (b *Bot) Supervisor() *rtsup.Supervisor {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	return b.sup
}

// Run consumes updates until ctx is done or updates is closed. Commands run
// on a small worker pool so a slow /pollnow does not block the others.
func (b *Bot) Run(ctx context.Context, updates <-chan transport.Update) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(b.log),
		rtsup.WithCancelOnError(false),
	)
	b.runMu.Lock()
	b.sup = sup
	b.runMu.Unlock()

	jobs := make(chan func(), 256)
	b.jobs = jobs
	for i := 0; i < b.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					b.runJob(idx, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}
	b.log.Info("command dispatcher started", logx.Int("workers", b.workers))

	defer func() {
		close(jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		b.runMu.Lock()
		b.sup = nil
		b.runMu.Unlock()
		b.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			b.route(ctx, up)
		}
	}
}

func (b *Bot) runJob(worker int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (b *Bot) route(ctx context.Context, up transport.Update) {
	if up.Kind != transport.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	name, args, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	chat := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	b.mu.RLock()
	cmd := b.commands[name]
	b.mu.RUnlock()
	if cmd == nil {
		// Groups share commands with other bots; stay quiet there.
		if !msg.IsGroup {
			b.reply(ctx, chat, "Unknown command. Try /help")
		}
		return
	}
	if cmd.Access == AccessOwnerOnly && !isOwner(msg.FromID, b.ownersSnapshot()) {
		b.reply(ctx, chat, "Not allowed.")
		return
	}

	rid := fmt.Sprintf("%x", b.reqSeq.Add(1))
	req := &Request{
		Chat:         chat,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Command:      cmd.Name,
		Args:         args,
		ReqID:        rid,
		Logger: b.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int("thread_id", msg.ThreadID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = b.timeout
	}
	mws := []Middleware{MWPanicRecover(b.log), MWRequestLog(), MWTimeout(timeout)}
	if cmd.Audit {
		mws = append(mws, MWAudit(b.store))
	}
	h := Chain(cmd.Handle, mws...)

	job := func() { _ = h(ctx, req) }
	select {
	case b.jobs <- job:
	default:
		req.Logger.Warn("command queue full")
		b.reply(ctx, chat, "Busy, try again in a moment.")
	}
}

func (b *Bot) reply(ctx context.Context, to transport.ChatTarget, text string) {
	b.replyOpt(ctx, to, text, &transport.SendOptions{DisablePreview: true})
}

func (b *Bot) replyOpt(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := b.adapter.SendText(sctx, to, text, opt); err != nil {
		b.log.Warn("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}

func (b *Bot) platforms() []social.Platform {
	out := make([]social.Platform, 0, len(b.scheds))
	for p := range b.scheds {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
