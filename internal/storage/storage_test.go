package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"postwatch/internal/social"
	logx "postwatch/pkg/logx"
)

func openDrivers(t *testing.T) map[string]func() Store {
	t.Helper()
	return map[string]func() Store{
		"memory": func() Store { return NewMemory() },
		"file": func() Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
			if err != nil {
				t.Fatalf("open file: %v", err)
			}
			return st
		},
		"sqlite": func() Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "state.db"), BusyTimeout: time.Second}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return st
		},
	}
}

func TestSubscriptionsAcrossDrivers(t *testing.T) {
	t.Parallel()
	for name, open := range openDrivers(t) {
		name, open := name, open
		t.Run(name, func(t *testing.T) {
			st := open()
			defer st.Close()
			ctx := context.Background()

			add := func(p social.Platform, h string, chat int64, thread int) bool {
				ok, err := st.AddSubscription(ctx, Subscription{Platform: p, Handle: h, ChatID: chat, ThreadID: thread, CreatedBy: 7})
				if err != nil {
					t.Fatalf("AddSubscription: %v", err)
				}
				return ok
			}
			if !add(social.PlatformFediverse, "@Alice@Example.social", 100, 0) {
				t.Fatal("first add should succeed")
			}
			if add(social.PlatformFediverse, "alice@example.social", 100, 0) {
				t.Fatal("duplicate add should report false")
			}
			add(social.PlatformFediverse, "alice@example.social", 200, 5)
			add(social.PlatformBluesky, "bob.bsky.social", 100, 0)

			subs, err := st.Subscriptions(ctx, social.PlatformFediverse, "ALICE@example.social")
			if err != nil {
				t.Fatalf("Subscriptions: %v", err)
			}
			if len(subs) != 2 || subs[0].ChatID != 100 || subs[1].ThreadID != 5 {
				t.Fatalf("Subscriptions = %+v", subs)
			}
			if subs[0].Handle != "alice@example.social" || subs[0].CreatedBy != 7 || subs[0].CreatedAt.IsZero() {
				t.Fatalf("stored subscription = %+v", subs[0])
			}

			chat, _ := st.ChatSubscriptions(ctx, 100, 0)
			if len(chat) != 2 {
				t.Fatalf("ChatSubscriptions = %+v", chat)
			}
			all, _ := st.AllSubscriptions(ctx)
			if len(all) != 3 {
				t.Fatalf("AllSubscriptions = %d, want 3", len(all))
			}

			removed, err := st.RemoveSubscription(ctx, social.PlatformFediverse, "Alice@example.social", 100, 0)
			if err != nil || !removed {
				t.Fatalf("RemoveSubscription = %v, %v", removed, err)
			}
			removed, _ = st.RemoveSubscription(ctx, social.PlatformFediverse, "alice@example.social", 100, 0)
			if removed {
				t.Fatal("second remove should report false")
			}
			subs, _ = st.Subscriptions(ctx, social.PlatformFediverse, "alice@example.social")
			if len(subs) != 1 || subs[0].ChatID != 200 {
				t.Fatalf("after remove = %+v", subs)
			}
		})
	}
}

func TestDedupAcrossDrivers(t *testing.T) {
	t.Parallel()
	for name, open := range openDrivers(t) {
		name, open := name, open
		t.Run(name, func(t *testing.T) {
			st := open()
			defer st.Close()
			ctx := context.Background()
			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)

			if err := st.PutDedup(ctx, "k1", until); err != nil {
				t.Fatalf("PutDedup: %v", err)
			}
			got, ok, err := st.GetDedup(ctx, "k1")
			if err != nil || !ok || !got.Equal(until) {
				t.Fatalf("GetDedup = %v, %v, %v", got, ok, err)
			}
			if _, ok, _ := st.GetDedup(ctx, "missing"); ok {
				t.Fatal("missing key reported present")
			}
			if err := st.AppendAudit(ctx, AuditEntry{ActorID: 1, ChatID: 2, Action: "follow", Target: "x", OK: true}); err != nil {
				t.Fatalf("AppendAudit: %v", err)
			}
		})
	}
}

func TestFileStoreReplaysJournal(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bot.json")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fs := st.(*fileStore)
	_, _ = st.AddSubscription(ctx, Subscription{Platform: social.PlatformBluesky, Handle: "a.bsky.social", ChatID: 1})
	_, _ = st.AddSubscription(ctx, Subscription{Platform: social.PlatformBluesky, Handle: "b.bsky.social", ChatID: 1})
	_, _ = st.RemoveSubscription(ctx, social.PlatformBluesky, "a.bsky.social", 1, 0)
	_ = st.PutDedup(ctx, "fresh", time.Now().Add(time.Hour))
	_ = st.PutDedup(ctx, "stale", time.Now().Add(-time.Hour))

	// Simulate a crash: drop the handles without compacting.
	_ = fs.subsJournalFile.Close()
	_ = fs.dedupJournalFile.Close()
	_ = fs.auditFile.Close()

	re, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer re.Close()

	all, _ := re.AllSubscriptions(ctx)
	if len(all) != 1 || all[0].Handle != "b.bsky.social" {
		t.Fatalf("replayed subscriptions = %+v", all)
	}
	if _, ok, _ := re.GetDedup(ctx, "fresh"); !ok {
		t.Fatal("fresh dedup key lost")
	}
	if _, ok, _ := re.GetDedup(ctx, "stale"); ok {
		t.Fatal("expired dedup key survived reopen")
	}
}

func TestFileStoreCompactsOnClose(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bot.json")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = st.AddSubscription(ctx, Subscription{Platform: social.PlatformFediverse, Handle: "x@y.social", ChatID: 9, ThreadID: 3})
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := st.AddSubscription(ctx, Subscription{Platform: social.PlatformFediverse, Handle: "z@y.social", ChatID: 9}); err == nil {
		t.Fatal("add after close should fail")
	}

	re, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer re.Close()
	subs, _ := re.ChatSubscriptions(ctx, 9, 3)
	if len(subs) != 1 || subs[0].Handle != "x@y.social" {
		t.Fatalf("compacted subscriptions = %+v", subs)
	}
}

func TestSQLitePersists(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bot.db")
	ctx := context.Background()

	st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = st.AddSubscription(ctx, Subscription{Platform: social.PlatformBluesky, Handle: "c.bsky.social", ChatID: -100, ThreadID: 12})
	_ = st.Close()

	re, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer re.Close()
	subs, _ := re.Subscriptions(ctx, social.PlatformBluesky, "c.bsky.social")
	if len(subs) != 1 || subs[0].ChatID != -100 || subs[0].ThreadID != 12 {
		t.Fatalf("persisted = %+v", subs)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for file driver without path")
	}
}
