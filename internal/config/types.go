// Package config loads the bot configuration from JSON or YAML and watches
// the file for changes.
package config

// Config is the on-disk configuration. Unknown keys are rejected.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "5m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Poller    PollerConfig    `json:"poller"`
	Platforms PlatformsConfig `json:"platforms"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Ops      OpsConfig       `json:"ops"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is the getUpdates long-poll timeout.
	PollTimeout    string `json:"poll_timeout"`
	CommandWorkers int    `json:"command_workers,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// PollerConfig tunes the adaptive per-account poll intervals.
//
// Defaults (when fields are omitted/zero):
//   - base_interval: 60s, min_interval: 30s, max_interval: 5m
//   - inactive_interval: 5m
//   - failure_threshold: 3, max_failure_backoff: 4
//   - fetch_timeout: 30s
//   - decay_schedule: "@hourly", stats_schedule: "@every 15m"
type PollerConfig struct {
	BaseInterval      string `json:"base_interval"`
	MinInterval       string `json:"min_interval"`
	MaxInterval       string `json:"max_interval"`
	InactiveInterval  string `json:"inactive_interval"`
	FailureThreshold  int    `json:"failure_threshold"`
	MaxFailureBackoff int    `json:"max_failure_backoff"`
	FetchTimeout      string `json:"fetch_timeout"`

	// Cron specs (robfig/cron syntax, descriptors allowed).
	DecaySchedule string `json:"decay_schedule,omitempty"`
	StatsSchedule string `json:"stats_schedule,omitempty"`
}

// PlatformsConfig enables fetchers. An omitted section means enabled with
// defaults.
type PlatformsConfig struct {
	Fediverse *FediverseConfig `json:"fediverse,omitempty"`
	Bluesky   *BlueskyConfig   `json:"bluesky,omitempty"`
}

type FediverseConfig struct {
	Enabled    bool    `json:"enabled"`
	UserAgent  string  `json:"user_agent,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"` // per instance host
}

type BlueskyConfig struct {
	Enabled    bool    `json:"enabled"`
	BaseURL    string  `json:"base_url,omitempty"`
	UserAgent  string  `json:"user_agent,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

// NotifierConfig controls the async delivery pipeline.
// If the whole section is omitted, the notifier is enabled with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
}

// StorageConfig selects where subscriptions live.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/postwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// OpsConfig controls the operational HTTP listener (/metrics, /healthz,
// optional /debug/pprof/).
//
// Prefer binding to localhost; pprof exposes process internals.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9090"
	Pprof   bool   `json:"pprof,omitempty"`
	Token   string `json:"token,omitempty"` // optional bearer token for pprof (do not log)

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

// FediverseEnabled reports whether the Fediverse fetcher should run.
func (c *Config) FediverseEnabled() bool {
	return c.Platforms.Fediverse == nil || c.Platforms.Fediverse.Enabled
}

// BlueskyEnabled reports whether the Bluesky fetcher should run.
func (c *Config) BlueskyEnabled() bool {
	return c.Platforms.Bluesky == nil || c.Platforms.Bluesky.Enabled
}
