package poller

import "time"

const (
	DefaultBaseInterval      = 60 * time.Second
	DefaultMinInterval       = 30 * time.Second
	DefaultMaxInterval       = 300 * time.Second
	DefaultInactiveInterval  = 300 * time.Second
	DefaultFailureThreshold  = 3
	DefaultMaxFailureBackoff = 4
	DefaultFetchTimeout      = 30 * time.Second
)

// Config controls interval adaptation. Zero fields take the defaults above.
type Config struct {
	BaseInterval     time.Duration
	MinInterval      time.Duration
	MaxInterval      time.Duration
	InactiveInterval time.Duration

	// FailureThreshold is the number of consecutive failures after which
	// exponential backoff kicks in.
	FailureThreshold int
	// MaxFailureBackoff caps backoff at MaxFailureBackoff x BaseInterval.
	MaxFailureBackoff int

	// FetchTimeout bounds a single fetch.
	FetchTimeout time.Duration
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.BaseInterval <= 0 {
		c.BaseInterval = DefaultBaseInterval
	}
	if c.MinInterval <= 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	if c.InactiveInterval <= 0 {
		c.InactiveInterval = DefaultInactiveInterval
	}
	if c.MaxInterval < c.MinInterval {
		c.MaxInterval = c.MinInterval
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.MaxFailureBackoff <= 0 {
		c.MaxFailureBackoff = DefaultMaxFailureBackoff
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	return c
}
