// Package storage persists follow subscriptions, the operator audit log and
// the notifier dedup window.
//
// Drivers:
//   - memory: process-local maps (default when no driver is configured)
//   - file:   JSON snapshot plus append-only journal per dataset
//   - sqlite: modernc.org/sqlite database with embedded migrations
package storage
