// Package metrics provides Prometheus metrics for postwatch.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "postwatch"

var (
	// PollsTotal counts poll attempts by platform and result (ok, error, discarded).
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Total number of account poll attempts",
		},
		[]string{"platform", "result"},
	)

	// FetchDuration measures fetcher latency.
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of latest-post fetches in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"platform"},
	)

	// PostsEmitted counts new posts published to subscribers.
	PostsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_emitted_total",
			Help:      "Total number of new posts discovered",
		},
		[]string{"platform"},
	)

	// TrackedAccounts is the number of accounts per scheduler.
	TrackedAccounts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_accounts",
			Help:      "Number of accounts currently tracked",
		},
		[]string{"platform"},
	)

	// NotificationsTotal counts chat deliveries by status (sent, failed, deduped, dropped).
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total number of chat notifications by outcome",
		},
		[]string{"status"},
	)
)

// RecordPoll records a finished poll attempt.
func RecordPoll(platform, result string, seconds float64) {
	PollsTotal.WithLabelValues(platform, result).Inc()
	FetchDuration.WithLabelValues(platform).Observe(seconds)
}

// RecordPost records a newly discovered post.
func RecordPost(platform string) {
	PostsEmitted.WithLabelValues(platform).Inc()
}

// SetTracked sets the tracked account gauge.
func SetTracked(platform string, n int) {
	TrackedAccounts.WithLabelValues(platform).Set(float64(n))
}

// RecordNotification records a notifier outcome.
func RecordNotification(status string) {
	NotificationsTotal.WithLabelValues(status).Inc()
}

// SupervisorRestarts counts restarts of supervised goroutines by task name.
var SupervisorRestarts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "supervisor_restarts_total",
		Help:      "Total number of supervised goroutine restarts",
	},
	[]string{"task"},
)

// RecordRestart records a supervised goroutine restart.
func RecordRestart(task string) {
	SupervisorRestarts.WithLabelValues(task).Inc()
}

// PollErrors counts poll failures by platform.
var PollErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_errors_total",
		Help:      "Total number of poll failures seen by the dispatcher",
	},
	[]string{"platform"},
)

// RecordPollError records a poll failure event.
func RecordPollError(platform string) {
	PollErrors.WithLabelValues(platform).Inc()
}
