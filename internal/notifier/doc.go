// Package notifier delivers chat messages asynchronously.
//
// Notifications go through a bounded queue served by a small worker pool.
// Each send waits on a token-bucket limiter and is retried with jittered
// exponential backoff. A dedup window keyed by (channel, chat, thread, key)
// suppresses repeats of the same post to the same chat; with PersistDedup the
// window is also written to storage so it survives restarts.
//
// Lifecycle events (queued, sent, failed, deduped, dropped) are published on a
// typed topic and counted in Prometheus.
package notifier
