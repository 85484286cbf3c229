package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"postwatch/internal/config"
	"postwatch/internal/notifier"
	"postwatch/internal/ops"
	"postwatch/internal/poller"
	"postwatch/internal/social/bluesky"
	"postwatch/internal/social/fediverse"
	"postwatch/internal/storage"
	logx "postwatch/pkg/logx"
)

const (
	defaultDecaySchedule = "@hourly"
	defaultStatsSchedule = "@every 15m"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapPollerConfig(cfg *config.Config) (poller.Config, error) {
	pc := cfg.Poller
	var out poller.Config
	var err error
	fields := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"poller.base_interval", pc.BaseInterval, &out.BaseInterval},
		{"poller.min_interval", pc.MinInterval, &out.MinInterval},
		{"poller.max_interval", pc.MaxInterval, &out.MaxInterval},
		{"poller.inactive_interval", pc.InactiveInterval, &out.InactiveInterval},
		{"poller.fetch_timeout", pc.FetchTimeout, &out.FetchTimeout},
	}
	for _, f := range fields {
		if *f.dst, err = config.ParseDurationField(f.key, f.raw); err != nil {
			return poller.Config{}, err
		}
	}
	if pc.FailureThreshold < 0 {
		return poller.Config{}, fmt.Errorf("poller.failure_threshold must be >= 0")
	}
	if pc.MaxFailureBackoff < 0 {
		return poller.Config{}, fmt.Errorf("poller.max_failure_backoff must be >= 0")
	}
	out.FailureThreshold = pc.FailureThreshold
	out.MaxFailureBackoff = pc.MaxFailureBackoff

	// Zero fields fall back to poller defaults; check the effective bounds.
	eff := poller.DefaultConfig()
	if out.MinInterval > 0 {
		eff.MinInterval = out.MinInterval
	}
	if out.MaxInterval > 0 {
		eff.MaxInterval = out.MaxInterval
	}
	if eff.MaxInterval < eff.MinInterval {
		return poller.Config{}, fmt.Errorf("poller.max_interval (%s) must be >= min_interval (%s)", eff.MaxInterval, eff.MinInterval)
	}
	return out, nil
}

// cronSpecs returns the effective decay and stats schedules.
func cronSpecs(cfg *config.Config) (decay, stats string, err error) {
	decay = strings.TrimSpace(cfg.Poller.DecaySchedule)
	if decay == "" {
		decay = defaultDecaySchedule
	}
	stats = strings.TrimSpace(cfg.Poller.StatsSchedule)
	if stats == "" {
		stats = defaultStatsSchedule
	}
	if _, err := cronParser.Parse(decay); err != nil {
		return "", "", fmt.Errorf("poller.decay_schedule: invalid %q: %w", decay, err)
	}
	if _, err := cronParser.Parse(stats); err != nil {
		return "", "", fmt.Errorf("poller.stats_schedule: invalid %q: %w", stats, err)
	}
	return decay, stats, nil
}

func mapFediverseConfig(cfg *config.Config) (fediverse.Config, error) {
	fc := cfg.Platforms.Fediverse
	if fc == nil {
		return fediverse.Config{}, nil
	}
	if fc.RatePerSec < 0 {
		return fediverse.Config{}, fmt.Errorf("platforms.fediverse.rate_per_sec must be >= 0")
	}
	return fediverse.Config{
		UserAgent:  strings.TrimSpace(fc.UserAgent),
		RatePerSec: fc.RatePerSec,
	}, nil
}

func mapBlueskyConfig(cfg *config.Config) (bluesky.Config, error) {
	bc := cfg.Platforms.Bluesky
	if bc == nil {
		return bluesky.Config{}, nil
	}
	if bc.RatePerSec < 0 {
		return bluesky.Config{}, fmt.Errorf("platforms.bluesky.rate_per_sec must be >= 0")
	}
	base := strings.TrimSpace(bc.BaseURL)
	if base != "" && !strings.HasPrefix(base, "https://") && !strings.HasPrefix(base, "http://") {
		return bluesky.Config{}, fmt.Errorf("platforms.bluesky.base_url: %q is not an http(s) URL", base)
	}
	return bluesky.Config{
		BaseURL:    base,
		UserAgent:  strings.TrimSpace(bc.UserAgent),
		RatePerSec: bc.RatePerSec,
	}, nil
}

// mapNotifierConfig parses notifier durations. An omitted section means
// enabled with defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupWindow:     24 * time.Hour,
		DedupMaxEntries: 5000,
		SendTimeout:     10 * time.Second,
	}
	n := cfg.Notifier
	if n == nil {
		return out, nil
	}
	out.Enabled = n.Enabled
	out.PersistDedup = n.PersistDedup
	if n.Workers != 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize != 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax != 0 {
		out.RetryMax = n.RetryMax
	}
	if n.DedupMaxEntries != 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}

	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, out.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationOrDefault("notifier.send_timeout", n.SendTimeout, out.SendTimeout); err != nil {
		return notifier.Config{}, err
	}

	switch {
	case out.Workers < 0:
		return notifier.Config{}, fmt.Errorf("notifier.workers must be >= 0")
	case out.QueueSize < 0:
		return notifier.Config{}, fmt.Errorf("notifier.queue_size must be >= 0")
	case out.RatePerSec < 0:
		return notifier.Config{}, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	case out.RetryMax < 0:
		return notifier.Config{}, fmt.Errorf("notifier.retry_max must be >= 0")
	case out.DedupMaxEntries < 0:
		return notifier.Config{}, fmt.Errorf("notifier.dedup_max_entries must be >= 0")
	}
	return out, nil
}

// mapStorageConfig defaults to the in-memory driver when the section is
// omitted.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "none", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	out := ops.Config{
		Enabled: oc.Enabled,
		Addr:    strings.TrimSpace(oc.Addr),
		Pprof:   oc.Pprof,
		Token:   strings.TrimSpace(oc.Token),
	}
	if out.Addr == "" {
		out.Addr = "127.0.0.1:9090"
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 5*time.Second); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 2*time.Minute); err != nil {
		return ops.Config{}, err
	}
	if err := ops.Validate(out); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}

func mapTelegram(cfg *config.Config) (pollTimeout time.Duration, err error) {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return 0, fmt.Errorf("telegram.token is required")
	}
	if cfg.Telegram.CommandWorkers < 0 {
		return 0, fmt.Errorf("telegram.command_workers must be >= 0")
	}
	return config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
}

// validate runs every mapper so a bad file is rejected as a whole, both at
// startup and on hot reload.
func validate(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := mapTelegram(cfg); err != nil {
		return err
	}
	if _, err := mapPollerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := cronSpecs(cfg); err != nil {
		return err
	}
	if _, err := mapFediverseConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBlueskyConfig(cfg); err != nil {
		return err
	}
	if !cfg.FediverseEnabled() && !cfg.BlueskyEnabled() {
		return fmt.Errorf("platforms: at least one platform must be enabled")
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	return nil
}
