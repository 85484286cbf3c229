package poller

import (
	"math/rand"
	"time"
)

const (
	veryActivePostsPerDay = 10
	activePostsPerDay     = 3

	quietAfter    = 6 * time.Hour
	dormantAfter  = 12 * time.Hour
	inactiveAfter = 24 * time.Hour

	jitterFraction = 0.10
)

// intervalForActivity maps a posting rate (and, for rates below one post a
// day, the time since the last post) to a poll interval.
func intervalForActivity(cfg Config, postsPerDay int, lastPost, now time.Time) time.Duration {
	switch {
	case postsPerDay > veryActivePostsPerDay:
		return cfg.MinInterval
	case postsPerDay >= activePostsPerDay:
		return clampInterval(cfg, cfg.BaseInterval)
	case postsPerDay >= 1:
		return clampInterval(cfg, 2*cfg.BaseInterval)
	}

	var since time.Duration
	if !lastPost.IsZero() {
		since = now.Sub(lastPost)
	}
	switch {
	case since >= inactiveAfter:
		return cfg.InactiveInterval
	case since >= dormantAfter:
		return clampInterval(cfg, 3*cfg.BaseInterval)
	case since >= quietAfter:
		return clampInterval(cfg, 2*cfg.BaseInterval)
	default:
		return clampInterval(cfg, cfg.BaseInterval)
	}
}

// failureBackoff returns min(Base * 2^(failures-threshold), MaxFailureBackoff*Base, Max).
// It always starts from BaseInterval, not from the interval in effect before
// the failures began.
func failureBackoff(cfg Config, failures int) time.Duration {
	ceiling := time.Duration(cfg.MaxFailureBackoff) * cfg.BaseInterval
	if cfg.MaxInterval < ceiling {
		ceiling = cfg.MaxInterval
	}
	d := cfg.BaseInterval
	for i := 0; i < failures-cfg.FailureThreshold; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}

// jitteredDelay spreads timers by a uniform +/-10% of interval and never goes
// below MinInterval.
func jitteredDelay(cfg Config, interval time.Duration, rng *rand.Rand) time.Duration {
	span := float64(interval) * jitterFraction
	jitter := time.Duration((rng.Float64()*2 - 1) * span)
	d := interval + jitter
	if d < cfg.MinInterval {
		d = cfg.MinInterval
	}
	return d
}

func clampInterval(cfg Config, d time.Duration) time.Duration {
	if d < cfg.MinInterval {
		return cfg.MinInterval
	}
	if d > cfg.MaxInterval {
		return cfg.MaxInterval
	}
	return d
}
