package notifier

import "time"

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
	// SendTimeout bounds one adapter call.
	SendTimeout time.Duration
}

type EventKind string

const (
	EventQueued  EventKind = "queued"
	EventSent    EventKind = "sent"
	EventFailed  EventKind = "failed"
	EventDeduped EventKind = "deduped"
	EventDropped EventKind = "dropped"
)

// Event is published for notifier lifecycle transitions.
type Event struct {
	Kind     EventKind `json:"kind"`
	ID       string    `json:"id,omitempty"`
	Channel  string    `json:"channel"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

// Stats are cumulative counters since construction.
type Stats struct {
	Queued  uint64
	Sent    uint64
	Failed  uint64
	Deduped uint64
	Dropped uint64
	Pending int
}
