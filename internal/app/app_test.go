package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"postwatch/internal/config"
	"postwatch/internal/notifier"
	"postwatch/internal/ops"
	"postwatch/internal/poller"
	"postwatch/internal/social"
	"postwatch/internal/storage"
	logx "postwatch/pkg/logx"
)

type staticFetcher struct{ platform social.Platform }

func (f staticFetcher) Platform() social.Platform { return f.platform }
func (f staticFetcher) IsValidAccount(h string) bool {
	return h != "" && !strings.Contains(h, " ")
}
func (f staticFetcher) FetchLatestPost(context.Context, string) (*social.Post, error) {
	return nil, nil
}

func baseConfig() *config.Config {
	return &config.Config{Telegram: config.TelegramConfig{Token: "123:abc"}}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{"defaults", func(*config.Config) {}, ""},
		{"missing token", func(c *config.Config) { c.Telegram.Token = " " }, "telegram.token"},
		{"bad poll timeout", func(c *config.Config) { c.Telegram.PollTimeout = "soon" }, "telegram.poll_timeout"},
		{"bad interval", func(c *config.Config) { c.Poller.BaseInterval = "1 minute" }, "poller.base_interval"},
		{"negative threshold", func(c *config.Config) { c.Poller.FailureThreshold = -1 }, "failure_threshold"},
		{"max below min", func(c *config.Config) {
			c.Poller.MinInterval = "2m"
			c.Poller.MaxInterval = "1m"
		}, "max_interval"},
		{"max below default min", func(c *config.Config) { c.Poller.MaxInterval = "10s" }, "max_interval"},
		{"bad cron", func(c *config.Config) { c.Poller.DecaySchedule = "every hour" }, "decay_schedule"},
		{"no platforms", func(c *config.Config) {
			c.Platforms.Fediverse = &config.FediverseConfig{Enabled: false}
			c.Platforms.Bluesky = &config.BlueskyConfig{Enabled: false}
		}, "at least one platform"},
		{"bad bluesky url", func(c *config.Config) {
			c.Platforms.Bluesky = &config.BlueskyConfig{Enabled: true, BaseURL: "public.api.bsky.app"}
		}, "base_url"},
		{"bad notifier duration", func(c *config.Config) {
			c.Notifier = &config.NotifierConfig{Enabled: true, RetryBase: "x"}
		}, "notifier.retry_base"},
		{"unknown storage", func(c *config.Config) { c.Storage = &config.StorageConfig{Driver: "redis"} }, "storage.driver"},
		{"sqlite without path", func(c *config.Config) { c.Storage = &config.StorageConfig{Driver: "sqlite"} }, "storage.path"},
		{"public ops", func(c *config.Config) { c.Ops = config.OpsConfig{Enabled: true, Addr: "0.0.0.0:9090"} }, "non-loopback"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig()
			tc.mutate(cfg)
			err := validate(context.Background(), cfg)
			switch {
			case tc.wantErr == "" && err != nil:
				t.Fatalf("unexpected error: %v", err)
			case tc.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tc.wantErr)):
				t.Fatalf("err = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestMapPollerConfig(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Poller = config.PollerConfig{
		BaseInterval:      "90s",
		MinInterval:       "45s",
		FailureThreshold:  5,
		MaxFailureBackoff: 8,
		FetchTimeout:      "10s",
	}
	got, err := mapPollerConfig(cfg)
	if err != nil {
		t.Fatalf("mapPollerConfig: %v", err)
	}
	want := poller.Config{
		BaseInterval:      90 * time.Second,
		MinInterval:       45 * time.Second,
		FailureThreshold:  5,
		MaxFailureBackoff: 8,
		FetchTimeout:      10 * time.Second,
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestMapNotifierConfig(t *testing.T) {
	t.Parallel()
	got, err := mapNotifierConfig(baseConfig())
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if !got.Enabled || got.Workers != 2 || got.DedupWindow != 24*time.Hour {
		t.Fatalf("defaults = %+v", got)
	}

	cfg := baseConfig()
	cfg.Notifier = &config.NotifierConfig{Enabled: false, Workers: 4, DedupWindow: "1h", PersistDedup: true}
	got, err = mapNotifierConfig(cfg)
	if err != nil {
		t.Fatalf("custom: %v", err)
	}
	want := notifier.Config{
		Enabled:         false,
		Workers:         4,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupWindow:     time.Hour,
		DedupMaxEntries: 5000,
		PersistDedup:    true,
		SendTimeout:     10 * time.Second,
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   *config.StorageConfig
		want storage.Config
	}{
		{nil, storage.Config{Driver: "memory"}},
		{&config.StorageConfig{Driver: "none"}, storage.Config{Driver: "memory"}},
		{&config.StorageConfig{Driver: "File", Path: " ./data/state.json "}, storage.Config{Driver: "file", Path: "./data/state.json"}},
		{&config.StorageConfig{Driver: "sqlite3", Path: "db"}, storage.Config{Driver: "sqlite", Path: "db", BusyTimeout: time.Second}},
		{&config.StorageConfig{Driver: "sqlite", Path: "db", BusyTimeout: "3s"}, storage.Config{Driver: "sqlite", Path: "db", BusyTimeout: 3 * time.Second}},
	}
	for _, tc := range cases {
		cfg := baseConfig()
		cfg.Storage = tc.in
		got, err := mapStorageConfig(cfg)
		if err != nil {
			t.Fatalf("%+v: %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("%+v: got %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestMapOpsConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Ops = config.OpsConfig{Enabled: true, Pprof: true}
	got, err := mapOpsConfig(cfg)
	if err != nil {
		t.Fatalf("mapOpsConfig: %v", err)
	}
	want := ops.Config{Enabled: true, Addr: "127.0.0.1:9090", Pprof: true, ReadTimeout: 5 * time.Second, IdleTimeout: 2 * time.Minute}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestCronSpecsDefaults(t *testing.T) {
	t.Parallel()
	decay, stats, err := cronSpecs(baseConfig())
	if err != nil {
		t.Fatalf("cronSpecs: %v", err)
	}
	if decay != "@hourly" || stats != "@every 15m" {
		t.Fatalf("specs = %q, %q", decay, stats)
	}
}

func TestMaintenanceRunsDecay(t *testing.T) {
	t.Parallel()
	s := poller.New(poller.Config{}, staticFetcher{platform: social.PlatformBluesky})
	m := newMaintenance([]*poller.Scheduler{s}, func() {}, logx.Nop())
	if err := m.Apply("@every 1s", "@yearly"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	defer m.Stop(context.Background())

	// Same specs keep the running cron.
	if err := m.Apply("@every 1s", "@yearly"); err != nil {
		t.Fatalf("re-Apply: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, n := m.LastDecay(); n > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("decay job never ran")
}

func TestMaintenanceRejectsBadSpec(t *testing.T) {
	t.Parallel()
	m := newMaintenance(nil, func() {}, logx.Nop())
	if err := m.Apply("nope", "@hourly"); err == nil {
		t.Fatal("expected error for bad decay spec")
	}
	m.Stop(context.Background())
}

func TestRestoreSubscriptions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	for _, sub := range []storage.Subscription{
		{Platform: social.PlatformBluesky, Handle: "a.bsky.social", ChatID: 1},
		{Platform: social.PlatformBluesky, Handle: "a.bsky.social", ChatID: 2},
		{Platform: social.PlatformBluesky, Handle: "b.bsky.social", ChatID: 1},
		{Platform: social.PlatformFediverse, Handle: "c@example.social", ChatID: 1},
	} {
		if _, err := store.AddSubscription(ctx, sub); err != nil {
			t.Fatalf("AddSubscription: %v", err)
		}
	}

	bsky := poller.New(poller.Config{}, staticFetcher{platform: social.PlatformBluesky})
	a := &App{log: logx.Nop(), store: store, scheds: []*poller.Scheduler{bsky}}
	n, err := a.restoreSubscriptions(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != 2 {
		t.Fatalf("restored = %d, want 2 (duplicates collapse, disabled platform skipped)", n)
	}
	if got := bsky.Accounts(); len(got) != 2 || got[0] != "a.bsky.social" {
		t.Fatalf("accounts = %v", got)
	}
	if bsky.Running() {
		t.Fatal("restore must not start the scheduler")
	}
}
