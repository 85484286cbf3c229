package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"postwatch/internal/social"
	logx "postwatch/pkg/logx"
)

// Store is the persistence API used by the bot, dispatch and notifier.
type Store interface {
	// AddSubscription reports false when the subscription already exists.
	AddSubscription(ctx context.Context, sub Subscription) (bool, error)
	RemoveSubscription(ctx context.Context, platform social.Platform, handle string, chatID int64, threadID int) (bool, error)
	// Subscriptions lists the chats following one account.
	Subscriptions(ctx context.Context, platform social.Platform, handle string) ([]Subscription, error)
	AllSubscriptions(ctx context.Context) ([]Subscription, error)
	ChatSubscriptions(ctx context.Context, chatID int64, threadID int) ([]Subscription, error)

	AppendAudit(ctx context.Context, e AuditEntry) error

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Open initializes the configured store. An empty driver, "none" and
// "memory" all give an in-memory store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "none", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
