// Package poller schedules per-account polls with an adaptive cadence.
//
// Each tracked account has its own one-shot timer. When it fires, the
// scheduler fetches the account's newest post, updates the account's
// activity (posting rate, failures), derives the next interval and re-arms
// the timer. New posts (by URI) and fetch errors are published to
// subscribers registered with OnPost and OnError.
//
// Polls of one account never overlap. Polls of different accounts run
// concurrently; each only touches its own activity entry.
package poller
