package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"postwatch/internal/social"
)

// subIndex is the in-memory state shared by the memory and file drivers.
// It is not safe for concurrent use on its own.
type subIndex struct {
	subs  map[string]Subscription
	dedup map[string]int64 // unix milli
}

func newSubIndex() subIndex {
	return subIndex{subs: map[string]Subscription{}, dedup: map[string]int64{}}
}

func (x *subIndex) add(sub Subscription) bool {
	k := sub.Key()
	if _, ok := x.subs[k]; ok {
		return false
	}
	x.subs[k] = sub
	return true
}

func (x *subIndex) remove(key string) bool {
	if _, ok := x.subs[key]; !ok {
		return false
	}
	delete(x.subs, key)
	return true
}

func (x *subIndex) filter(keep func(Subscription) bool) []Subscription {
	var out []Subscription
	for _, s := range x.subs {
		if keep == nil || keep(s) {
			out = append(out, s)
		}
	}
	sortSubs(out)
	return out
}

func sortSubs(subs []Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		a, b := subs[i], subs[j]
		if a.Platform != b.Platform {
			return a.Platform < b.Platform
		}
		if a.Handle != b.Handle {
			return a.Handle < b.Handle
		}
		if a.ChatID != b.ChatID {
			return a.ChatID < b.ChatID
		}
		return a.ThreadID < b.ThreadID
	})
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}

type memStore struct {
	mu     sync.Mutex
	idx    subIndex
	audit  []AuditEntry
	closed bool
}

// NewMemory returns a Store that keeps everything in process memory.
func NewMemory() Store {
	return &memStore{idx: newSubIndex()}
}

const maxMemoryAudit = 1000

func (s *memStore) AddSubscription(ctx context.Context, sub Subscription) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	return s.idx.add(normalizeSub(sub)), nil
}

func (s *memStore) RemoveSubscription(ctx context.Context, platform social.Platform, handle string, chatID int64, threadID int) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	return s.idx.remove(subKey(platform, handle, chatID, threadID)), nil
}

func (s *memStore) Subscriptions(ctx context.Context, platform social.Platform, handle string) ([]Subscription, error) {
	_ = ctx
	h := social.NormalizeHandle(handle)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.filter(func(x Subscription) bool { return x.Platform == platform && x.Handle == h }), nil
}

func (s *memStore) AllSubscriptions(ctx context.Context) ([]Subscription, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.filter(nil), nil
}

func (s *memStore) ChatSubscriptions(ctx context.Context, chatID int64, threadID int) ([]Subscription, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.filter(func(x Subscription) bool { return x.ChatID == chatID && x.ThreadID == threadID }), nil
}

func (s *memStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.audit = append(s.audit, e)
	if len(s.audit) > maxMemoryAudit {
		s.audit = s.audit[len(s.audit)-maxMemoryAudit:]
	}
	return nil
}

func (s *memStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.idx.dedup[key] = until.UnixMilli()
	return nil
}

func (s *memStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.idx.dedup[strings.TrimSpace(key)]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
