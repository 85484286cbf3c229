package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"postwatch/internal/social"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (or empty / "none"): nothing survives a restart
//   - "file": jsonl journal + snapshot
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Subscription is one chat (or forum topic) following one account.
type Subscription struct {
	Platform  social.Platform `json:"platform"`
	Handle    string          `json:"handle"`
	ChatID    int64           `json:"chat_id"`
	ThreadID  int             `json:"thread_id,omitempty"`
	CreatedBy int64           `json:"created_by,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Key identifies a subscription; handles are compared normalized.
func (s Subscription) Key() string {
	return subKey(s.Platform, s.Handle, s.ChatID, s.ThreadID)
}

func subKey(p social.Platform, handle string, chatID int64, threadID int) string {
	return fmt.Sprintf("%s|%s|%d|%d", p, social.NormalizeHandle(handle), chatID, threadID)
}

func normalizeSub(s Subscription) Subscription {
	s.Handle = social.NormalizeHandle(s.Handle)
	s.Platform = social.Platform(strings.ToLower(string(s.Platform)))
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	return s
}

// AuditEntry records an operator action (follow, unfollow, pollnow).
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	ThreadID      int       `json:"thread_id,omitempty"`
	Action        string    `json:"action"`
	Target        string    `json:"target"`
	OK            bool      `json:"ok"`
	Error         string    `json:"err,omitempty"`
	TookMS        int64     `json:"took_ms,omitempty"`
}
