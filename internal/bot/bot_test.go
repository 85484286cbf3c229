package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"postwatch/internal/poller"
	"postwatch/internal/social"
	"postwatch/internal/storage"
	"postwatch/internal/transport"
	logx "postwatch/pkg/logx"
)

type fakeAdapter struct {
	mu      sync.Mutex
	replies []string
}

func (a *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                          { return nil }
func (a *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.replies = append(a.replies, text)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(a.replies)}, nil
}

func (a *fakeAdapter) last() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.replies) == 0 {
		return ""
	}
	return a.replies[len(a.replies)-1]
}

func (a *fakeAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.replies)
}

type fakeScheduler struct {
	platform social.Platform
	mu       sync.Mutex
	tracked  map[string]bool
	post     *social.Post
	pollErr  error
	polled   []string
}

func newFakeScheduler(p social.Platform) *fakeScheduler {
	return &fakeScheduler{platform: p, tracked: map[string]bool{}}
}

func (s *fakeScheduler) Platform() social.Platform { return s.platform }

func (s *fakeScheduler) AddAccount(h string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.Contains(h, "!") || s.tracked[h] {
		return false
	}
	s.tracked[h] = true
	return true
}

func (s *fakeScheduler) RemoveAccount(h string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.tracked[h]
	delete(s.tracked, h)
	return ok
}

func (s *fakeScheduler) PollNow(_ context.Context, h string) (*social.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polled = append(s.polled, h)
	return s.post, s.pollErr
}

func (s *fakeScheduler) AccountActivity(h string) (poller.ActivitySnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.tracked[h] {
		return poller.ActivitySnapshot{}, false
	}
	return poller.ActivitySnapshot{Handle: h, PollInterval: 90 * time.Second}, true
}

func (s *fakeScheduler) Stats() poller.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return poller.Stats{Running: true, AccountCount: len(s.tracked), AverageInterval: time.Minute}
}

func (s *fakeScheduler) isTracked(h string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracked[h]
}

type auditStore struct {
	storage.Store
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (s *auditStore) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *auditStore) audits() []storage.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.AuditEntry(nil), s.entries...)
}

type harness struct {
	t       *testing.T
	ad      *fakeAdapter
	store   *auditStore
	bsky    *fakeScheduler
	updates chan transport.Update
}

const ownerID = 1

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		ad:      &fakeAdapter{},
		store:   &auditStore{Store: storage.NewMemory()},
		bsky:    newFakeScheduler(social.PlatformBluesky),
		updates: make(chan transport.Update, 8),
	}
	b := New(Deps{
		Adapter:    h.ad,
		Store:      h.store,
		Schedulers: []Scheduler{h.bsky},
		Owners:     []int64{ownerID},
		Workers:    1,
	}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = b.Run(ctx, h.updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

// send delivers text from user and waits for the next reply.
func (h *harness) send(from int64, text string) string {
	h.t.Helper()
	before := h.ad.count()
	h.updates <- transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{
		ChatID: 100, ThreadID: 2, FromID: from, FromUsername: "u", Text: text,
	}}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.ad.count() > before {
			return h.ad.last()
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.t.Fatalf("no reply to %q", text)
	return ""
}

func TestFollowUnfollowFlow(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	if got := h.send(5, "/follow bsky @Alice.bsky.social"); !strings.Contains(got, "Following alice.bsky.social") {
		t.Fatalf("follow reply = %q", got)
	}
	if !h.bsky.isTracked("alice.bsky.social") {
		t.Fatal("account not added to scheduler")
	}
	subs, _ := h.store.Subscriptions(ctx, social.PlatformBluesky, "alice.bsky.social")
	if len(subs) != 1 || subs[0].ChatID != 100 || subs[0].ThreadID != 2 || subs[0].CreatedBy != 5 {
		t.Fatalf("stored = %+v", subs)
	}

	if got := h.send(5, "/follow bluesky alice.bsky.social"); !strings.Contains(got, "Already following") {
		t.Fatalf("duplicate follow reply = %q", got)
	}

	if got := h.send(5, "/following"); !strings.Contains(got, "alice.bsky.social") || !strings.Contains(got, "every 1m30s") {
		t.Fatalf("following reply = %q", got)
	}

	// Another chat keeps the account alive after this chat unfollows.
	_, _ = h.store.AddSubscription(ctx, storage.Subscription{Platform: social.PlatformBluesky, Handle: "alice.bsky.social", ChatID: 999})
	if got := h.send(5, "/unfollow bsky alice.bsky.social"); !strings.Contains(got, "Unfollowed") {
		t.Fatalf("unfollow reply = %q", got)
	}
	if !h.bsky.isTracked("alice.bsky.social") {
		t.Fatal("account removed while another chat still follows it")
	}
	_, _ = h.store.RemoveSubscription(ctx, social.PlatformBluesky, "alice.bsky.social", 999, 0)

	_ = h.send(5, "/follow bsky alice.bsky.social")
	_ = h.send(5, "/unfollow bsky alice.bsky.social")
	if h.bsky.isTracked("alice.bsky.social") {
		t.Fatal("account still tracked after last unfollow")
	}

	if got := h.send(5, "/unfollow bsky alice.bsky.social"); !strings.Contains(got, "Not following") {
		t.Fatalf("second unfollow reply = %q", got)
	}

	// Audit entries are written after the reply.
	deadline := time.Now().Add(2 * time.Second)
	for len(h.store.audits()) < 6 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	var follows, failed int
	for _, e := range h.store.audits() {
		if e.Action == "follow" {
			follows++
		}
		if !e.OK {
			failed++
		}
		if e.ChatID != 100 || e.ActorID != 5 {
			t.Fatalf("audit entry = %+v", e)
		}
	}
	if follows != 3 || failed != 2 {
		t.Fatalf("audit follows=%d failed=%d, want 3 and 2", follows, failed)
	}
}

func TestFollowRejectsBadInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	cases := []struct {
		text string
		want string
	}{
		{"/follow", "Usage:"},
		{"/follow bsky", "Usage:"},
		{"/follow myspace tom", "Unknown platform"},
		{"/follow fediverse a@b.social", "not enabled"},
		{"/follow bsky bad!handle", "not a valid"},
	}
	for _, c := range cases {
		if got := h.send(5, c.text); !strings.Contains(got, c.want) {
			t.Errorf("%q -> %q, want %q", c.text, got, c.want)
		}
	}
	all, _ := h.store.AllSubscriptions(context.Background())
	if len(all) != 0 {
		t.Fatalf("subscriptions stored for rejected input: %+v", all)
	}
}

func TestOwnerOnlyCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if got := h.send(5, "/pollstats"); got != "Not allowed." {
		t.Fatalf("non-owner pollstats = %q", got)
	}
	got := h.send(ownerID, "/pollstats@postwatch_bot")
	if !strings.Contains(got, "bluesky") || !strings.Contains(got, "running") {
		t.Fatalf("pollstats = %q", got)
	}
}

func TestPollNow(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if got := h.send(ownerID, "/pollnow bsky ghost.bsky.social"); !strings.Contains(got, "not tracked") {
		t.Fatalf("untracked pollnow = %q", got)
	}

	h.bsky.AddAccount("a.bsky.social")
	if got := h.send(ownerID, "/pollnow bsky a.bsky.social"); !strings.Contains(got, "no posts yet") {
		t.Fatalf("empty pollnow = %q", got)
	}

	h.bsky.mu.Lock()
	h.bsky.post = &social.Post{URI: "at://a/1", Author: "A", Text: "fresh", URL: "https://bsky.app/p", Platform: social.PlatformBluesky}
	h.bsky.mu.Unlock()
	if got := h.send(ownerID, "/pollnow bsky a.bsky.social"); !strings.Contains(got, "fresh") {
		t.Fatalf("pollnow post = %q", got)
	}

	h.bsky.mu.Lock()
	h.bsky.pollErr = errors.New("HTTP 502")
	h.bsky.mu.Unlock()
	if got := h.send(ownerID, "/pollnow bsky a.bsky.social"); !strings.Contains(got, "Poll failed: HTTP 502") {
		t.Fatalf("failing pollnow = %q", got)
	}
}

func TestHelpHidesOwnerCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	got := h.send(5, "/help")
	if !strings.Contains(got, "/follow") || strings.Contains(got, "/pollnow") {
		t.Fatalf("help for user = %q", got)
	}
	got = h.send(ownerID, "/start")
	if !strings.Contains(got, "/pollnow") {
		t.Fatalf("help for owner = %q", got)
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		name string
		args int
		ok   bool
	}{
		{"/follow bsky a", "follow", 2, true},
		{"  /Follow@my_bot  bsky   a  ", "follow", 2, true},
		{"/following", "following", 0, true},
		{"hello", "", 0, false},
		{"/", "", 0, false},
		{"/@bot", "", 0, false},
	}
	for _, c := range cases {
		name, args, ok := parseCommand(c.in)
		if name != c.name || len(args) != c.args || ok != c.ok {
			t.Errorf("parseCommand(%q) = %q, %v, %v", c.in, name, args, ok)
		}
	}
}

func TestShortDuration(t *testing.T) {
	t.Parallel()
	cases := map[time.Duration]string{
		0:                "-",
		90 * time.Second: "1m30s",
		5 * time.Minute:  "5m",
		2 * time.Hour:    "2h",
		45 * time.Second: "45s",
	}
	for in, want := range cases {
		if got := shortDuration(in); got != want {
			t.Errorf("shortDuration(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestMenuCommandsSkipOwnerOnly(t *testing.T) {
	t.Parallel()
	b := New(Deps{Adapter: &fakeAdapter{}, Store: storage.NewMemory()}, logx.Nop())
	for _, c := range b.MenuCommands() {
		if c.Command == "pollnow" || c.Command == "pollstats" {
			t.Fatalf("owner command %q in public menu", c.Command)
		}
	}
	if len(b.MenuCommands()) != 4 {
		t.Fatalf("menu = %+v", b.MenuCommands())
	}
}

type menuAdapter struct {
	fakeAdapter
	got []transport.BotCommand
}

func (a *menuAdapter) UpdateMenuCommands(_ context.Context, cmds []transport.BotCommand) error {
	a.got = cmds
	return nil
}

func TestSyncMenu(t *testing.T) {
	t.Parallel()
	ma := &menuAdapter{}
	b := New(Deps{Adapter: ma, Store: storage.NewMemory()}, logx.Nop())
	if err := b.SyncMenu(context.Background()); err != nil {
		t.Fatalf("SyncMenu: %v", err)
	}
	if len(ma.got) != 4 || ma.got[0].Command != "follow" {
		t.Fatalf("menu = %+v", ma.got)
	}

	// Adapters without menu support are skipped.
	plain := New(Deps{Adapter: &fakeAdapter{}, Store: storage.NewMemory()}, logx.Nop())
	if err := plain.SyncMenu(context.Background()); err != nil {
		t.Fatalf("SyncMenu plain: %v", err)
	}
}
