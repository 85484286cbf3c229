package poller

import "time"

// Activity is the mutable scheduling state of one tracked account.
// It is owned by the Scheduler and only mutated under its lock.
type Activity struct {
	Handle              string
	PostsPerDay         int
	LastPostTime        time.Time
	PollInterval        time.Duration
	FailureCount        int
	LastSuccessfulFetch time.Time
	LastPollTime        time.Time
}

// ActivitySnapshot is a read-only copy handed out by AccountActivity.
type ActivitySnapshot = Activity

func newActivity(cfg Config, handle string) Activity {
	return Activity{Handle: handle, PollInterval: cfg.BaseInterval}
}

// recordPost applies the new-post update rule: posts at most a day apart
// count towards the same burst, anything older restarts the count.
func (a *Activity) recordPost(cfg Config, postedAt, now time.Time) {
	if postedAt.IsZero() {
		postedAt = now
	}
	if !a.LastPostTime.IsZero() && postedAt.Sub(a.LastPostTime) <= inactiveAfter {
		a.PostsPerDay++
	} else {
		a.PostsPerDay = 1
	}
	a.LastPostTime = postedAt
	a.PollInterval = intervalForActivity(cfg, a.PostsPerDay, a.LastPostTime, now)
}

func (a *Activity) recordSuccess(now time.Time) {
	a.FailureCount = 0
	a.LastSuccessfulFetch = now
}

// recordFailure counts a failed fetch and, past the threshold, moves the
// interval onto the backoff curve. It reports whether backoff is active.
func (a *Activity) recordFailure(cfg Config) bool {
	a.FailureCount++
	if a.FailureCount < cfg.FailureThreshold {
		return false
	}
	a.PollInterval = failureBackoff(cfg, a.FailureCount)
	return true
}

// decay lowers the posting rate of accounts that went quiet and recomputes
// the interval. It reports whether anything changed.
func (a *Activity) decay(cfg Config, now time.Time) bool {
	if a.LastPostTime.IsZero() {
		return false
	}
	since := now.Sub(a.LastPostTime)
	switch {
	case since >= inactiveAfter:
		a.PostsPerDay /= 2
	case since >= dormantAfter:
		a.PostsPerDay = a.PostsPerDay * 3 / 4
	default:
		return false
	}
	a.PollInterval = intervalForActivity(cfg, a.PostsPerDay, a.LastPostTime, now)
	return true
}
