package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"postwatch/internal/social"
	logx "postwatch/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl         (append-only JSON Lines)
//   - <prefix>.subs.snapshot.json  (compacted subscriptions)
//   - <prefix>.subs.journal.jsonl  (add/del journal)
//   - <prefix>.dedup.snapshot.json (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl (append-only journal)
//
// Journals are periodically compacted into their snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	subsSnapshotPath string
	subsJournalFile  *os.File
	subsWrites       int

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedupWrites       int

	idx subIndex
}

const (
	subsCompactEvery  = 200
	dedupCompactEvery = 1000
)

type subRecord struct {
	Op  string       `json:"op"` // add | del
	Sub Subscription `json:"sub"`
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:               log,
		subsSnapshotPath:  prefix + ".subs.snapshot.json",
		dedupSnapshotPath: prefix + ".dedup.snapshot.json",
		idx:               newSubIndex(),
	}
	subsJournal := prefix + ".subs.journal.jsonl"
	dedupJournal := prefix + ".dedup.journal.jsonl"

	if err := loadSubsSnapshot(s.subsSnapshotPath, &s.idx); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("subscriptions snapshot unreadable", logx.Err(err))
	}
	if err := replaySubsJournal(subsJournal, &s.idx); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("subscriptions journal unreadable", logx.Err(err))
	}
	_ = loadDedupSnapshot(s.dedupSnapshotPath, s.idx.dedup)
	_ = replayDedupJournal(dedupJournal, s.idx.dedup)
	pruneExpiredDedup(s.idx.dedup)

	var err error
	if s.auditFile, err = os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		return nil, err
	}
	if s.subsJournalFile, err = os.OpenFile(subsJournal, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		_ = s.auditFile.Close()
		return nil, err
	}
	if s.dedupJournalFile, err = os.OpenFile(dedupJournal, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		_ = s.auditFile.Close()
		_ = s.subsJournalFile.Close()
		return nil, err
	}
	log.Info("file storage opened", logx.String("prefix", prefix), logx.Int("subscriptions", len(s.idx.subs)))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subsJournalFile != nil {
		if err := s.compactSubsLocked(); err != nil {
			s.log.Warn("subscriptions compact on close failed", logx.Err(err))
		}
	}
	var errs []error
	for _, f := range []**os.File{&s.auditFile, &s.subsJournalFile, &s.dedupJournalFile} {
		if *f != nil {
			errs = append(errs, (*f).Close())
			*f = nil
		}
	}
	return errors.Join(errs...)
}

func (s *fileStore) AddSubscription(ctx context.Context, sub Subscription) (bool, error) {
	_ = ctx
	sub = normalizeSub(sub)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subsJournalFile == nil {
		return false, ErrClosed
	}
	if !s.idx.add(sub) {
		return false, nil
	}
	if err := s.journalSubLocked(subRecord{Op: "add", Sub: sub}); err != nil {
		s.idx.remove(sub.Key())
		return false, err
	}
	return true, nil
}

func (s *fileStore) RemoveSubscription(ctx context.Context, platform social.Platform, handle string, chatID int64, threadID int) (bool, error) {
	_ = ctx
	key := subKey(platform, handle, chatID, threadID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subsJournalFile == nil {
		return false, ErrClosed
	}
	old, ok := s.idx.subs[key]
	if !ok {
		return false, nil
	}
	s.idx.remove(key)
	if err := s.journalSubLocked(subRecord{Op: "del", Sub: old}); err != nil {
		s.idx.add(old)
		return false, err
	}
	return true, nil
}

func (s *fileStore) journalSubLocked(r subRecord) error {
	if err := json.NewEncoder(s.subsJournalFile).Encode(r); err != nil {
		return err
	}
	s.subsWrites++
	if s.subsWrites%subsCompactEvery == 0 {
		if err := s.compactSubsLocked(); err != nil {
			s.log.Debug("subscriptions compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Subscriptions(ctx context.Context, platform social.Platform, handle string) ([]Subscription, error) {
	_ = ctx
	h := social.NormalizeHandle(handle)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.filter(func(x Subscription) bool { return x.Platform == platform && x.Handle == h }), nil
}

func (s *fileStore) AllSubscriptions(ctx context.Context) ([]Subscription, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.filter(nil), nil
}

func (s *fileStore) ChatSubscriptions(ctx context.Context, chatID int64, threadID int) ([]Subscription, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.filter(func(x Subscription) bool { return x.ChatID == chatID && x.ThreadID == threadID }), nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return errors.New("dedup journal closed")
	}
	s.idx.dedup[key] = ms

	if err := json.NewEncoder(s.dedupJournalFile).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%dedupCompactEvery == 0 {
		// Best-effort compact.
		if err := s.compactDedupLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.idx.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactSubsLocked() error {
	if err := writeSnapshot(s.subsSnapshotPath, s.idx.filter(nil)); err != nil {
		return err
	}
	return truncateJournal(s.subsJournalFile)
}

func (s *fileStore) compactDedupLocked() error {
	pruneExpiredDedup(s.idx.dedup)
	if err := writeSnapshot(s.dedupSnapshotPath, s.idx.dedup); err != nil {
		return err
	}
	return truncateJournal(s.dedupJournalFile)
}

// writeSnapshot replaces path atomically with v encoded as JSON.
func writeSnapshot(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func truncateJournal(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err := f.Seek(0, io.SeekEnd)
	return err
}

func loadSubsSnapshot(path string, idx *subIndex) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var subs []Subscription
	if err := json.NewDecoder(f).Decode(&subs); err != nil {
		return err
	}
	for _, sub := range subs {
		idx.add(normalizeSub(sub))
	}
	return nil
}

func replaySubsJournal(path string, idx *subIndex) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r subRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		sub := normalizeSub(r.Sub)
		switch r.Op {
		case "add":
			idx.add(sub)
		case "del":
			idx.remove(sub.Key())
		}
	}
	return sc.Err()
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}
