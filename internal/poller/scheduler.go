package poller

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"postwatch/internal/eventbus"
	"postwatch/internal/metrics"
	"postwatch/internal/social"
	logx "postwatch/pkg/logx"
)

// PostEvent is published once per newly discovered post.
type PostEvent struct {
	Handle   string
	Platform social.Platform
	Post     social.Post
}

// ErrorEvent is published for every failed fetch.
type ErrorEvent struct {
	Handle   string
	Platform social.Platform
	Err      error
	// Failures is the consecutive failure count including this one.
	Failures int
}

// Stats is a point-in-time summary of a scheduler.
type Stats struct {
	Running         bool
	AccountCount    int
	AverageInterval time.Duration
	FailedAccounts  int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// WithRand overrides the jitter source.
func WithRand(rng *rand.Rand) Option { return func(s *Scheduler) { s.rng = rng } }

// WithContext sets the parent context for fetches. Cancelling it aborts
// in-flight fetches; Stop on its own does not.
func WithContext(ctx context.Context) Option { return func(s *Scheduler) { s.baseCtx = ctx } }

// account is the per-handle runtime entry.
type account struct {
	act Activity

	// gen identifies this registration; a removed and re-added handle gets a
	// new entry, so stale continuations holding the old pointer are ignored.
	gen uint64

	timer    *time.Timer
	timerVer uint64

	// pollMu serializes attempts for this account (timer vs PollNow).
	pollMu sync.Mutex
}

// Scheduler drives adaptive polling for the accounts of one platform.
//
// It is safe for concurrent use. Event handlers run on the polling
// goroutine; they must not call PollNow for the same handle.
type Scheduler struct {
	cfg      Config
	fetcher  social.Fetcher
	platform social.Platform
	log      logx.Logger
	now      func() time.Time
	baseCtx  context.Context

	rngMu sync.Mutex
	rng   *rand.Rand

	mu       sync.Mutex
	running  bool
	accounts map[string]*account
	cursors  map[string]string
	gen      uint64

	posts eventbus.Topic[PostEvent]
	errs  eventbus.Topic[ErrorEvent]
}

// New creates a stopped scheduler for fetcher's platform.
func New(cfg Config, fetcher social.Fetcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg.withDefaults(),
		fetcher:  fetcher,
		platform: fetcher.Platform(),
		now:      time.Now,
		baseCtx:  context.Background(),
		accounts: map[string]*account{},
		cursors:  map[string]string{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "poller"), logx.String("platform", string(s.platform)))
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// Platform returns the platform this scheduler polls.
func (s *Scheduler) Platform() social.Platform { return s.platform }

// OnPost subscribes to newly discovered posts.
func (s *Scheduler) OnPost(fn func(PostEvent)) (unsubscribe func()) { return s.posts.Subscribe(fn) }

// OnError subscribes to fetch failures.
func (s *Scheduler) OnError(fn func(ErrorEvent)) (unsubscribe func()) {
	return s.errs.Subscribe(fn)
}

// Start arms a poll for every tracked account. It is a no-op when running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	for handle, acc := range s.accounts {
		s.armLocked(handle, acc)
	}
	s.log.Info("scheduler started", logx.Int("accounts", len(s.accounts)))
}

// Stop cancels every pending timer. Tracked accounts and their activity are
// kept, so a later Start resumes with the adapted intervals.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	for _, acc := range s.accounts {
		s.disarmLocked(acc)
	}
	s.log.Info("scheduler stopped", logx.Int("accounts", len(s.accounts)))
}

// Running reports whether timers are armed.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// AddAccount starts tracking handle. Invalid handles are logged and
// rejected; already tracked handles (any casing) are left untouched.
// It reports whether a new account was added.
func (s *Scheduler) AddAccount(handle string) bool {
	key := social.NormalizeHandle(handle)
	if key == "" || !s.fetcher.IsValidAccount(key) {
		s.log.Warn("invalid account rejected", logx.String("handle", handle))
		return false
	}

	s.mu.Lock()
	if _, ok := s.accounts[key]; ok {
		s.mu.Unlock()
		return false
	}
	s.gen++
	acc := &account{act: newActivity(s.cfg, key), gen: s.gen}
	s.accounts[key] = acc
	if s.running {
		s.armLocked(key, acc)
	}
	n := len(s.accounts)
	s.mu.Unlock()

	metrics.SetTracked(string(s.platform), n)
	s.log.Debug("account added", logx.String("handle", key))
	return true
}

// AddAccounts adds every handle and returns how many were newly tracked.
func (s *Scheduler) AddAccounts(handles []string) int {
	added := 0
	for _, h := range handles {
		if s.AddAccount(h) {
			added++
		}
	}
	return added
}

// RemoveAccount stops tracking handle and forgets its activity and cursor.
func (s *Scheduler) RemoveAccount(handle string) bool {
	key := social.NormalizeHandle(handle)

	s.mu.Lock()
	acc, ok := s.accounts[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.disarmLocked(acc)
	delete(s.accounts, key)
	delete(s.cursors, key)
	n := len(s.accounts)
	s.mu.Unlock()

	metrics.SetTracked(string(s.platform), n)
	s.log.Debug("account removed", logx.String("handle", key))
	return true
}

// PollNow cancels the pending timer of handle and polls it immediately,
// waiting for the attempt to finish. The attempt re-arms the timer itself
// when the scheduler is running. Unknown handles return (nil, nil); fetch
// errors are returned to the caller in addition to the error event.
func (s *Scheduler) PollNow(ctx context.Context, handle string) (*social.Post, error) {
	key := social.NormalizeHandle(handle)

	s.mu.Lock()
	acc, ok := s.accounts[key]
	if ok {
		s.disarmLocked(acc)
	}
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return s.attempt(ctx, key, acc, true)
}

// AccountActivity returns a copy of the activity of handle.
func (s *Scheduler) AccountActivity(handle string) (ActivitySnapshot, bool) {
	key := social.NormalizeHandle(handle)
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[key]
	if !ok {
		return ActivitySnapshot{}, false
	}
	return acc.act, true
}

// Accounts returns the tracked handles, sorted.
func (s *Scheduler) Accounts() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.accounts))
	for h := range s.accounts {
		out = append(out, h)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Stats summarizes the scheduler.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Running: s.running, AccountCount: len(s.accounts)}
	if len(s.accounts) == 0 {
		return st
	}
	var total time.Duration
	for _, acc := range s.accounts {
		total += acc.act.PollInterval
		if acc.act.FailureCount >= s.cfg.FailureThreshold {
			st.FailedAccounts++
		}
	}
	st.AverageInterval = total / time.Duration(len(s.accounts))
	return st
}

// DecayActivityCounts lowers the posting rate of accounts that have gone
// quiet. It is meant to be called periodically (hourly) from outside.
func (s *Scheduler) DecayActivityCounts() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	decayed := 0
	for _, acc := range s.accounts {
		if acc.act.decay(s.cfg, now) {
			decayed++
		}
	}
	if decayed > 0 {
		s.log.Debug("activity decayed", logx.Int("accounts", decayed))
	}
	return decayed
}

// attempt runs one fetch-and-update cycle. forced marks PollNow attempts,
// which are applied while the scheduler is stopped, unless it was running
// when the attempt began and has stopped since.
func (s *Scheduler) attempt(ctx context.Context, key string, acc *account, forced bool) (*social.Post, error) {
	acc.pollMu.Lock()
	defer acc.pollMu.Unlock()

	s.mu.Lock()
	wasRunning := s.running
	if !s.liveLocked(key, acc, forced, wasRunning) {
		s.mu.Unlock()
		return nil, nil
	}
	started := s.now()
	acc.act.LastPollTime = started
	s.mu.Unlock()

	fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	post, err := s.fetcher.FetchLatestPost(fctx, key)
	cancel()
	took := time.Since(started).Seconds()

	now := s.now()
	var (
		postEv  *PostEvent
		errEv   *ErrorEvent
		backoff bool
	)

	s.mu.Lock()
	if !s.liveLocked(key, acc, forced, wasRunning) {
		s.mu.Unlock()
		metrics.RecordPoll(string(s.platform), "discarded", took)
		s.log.Debug("poll result discarded", logx.String("handle", key))
		return nil, nil
	}
	if err != nil {
		backoff = acc.act.recordFailure(s.cfg)
		errEv = &ErrorEvent{Handle: key, Platform: s.platform, Err: err, Failures: acc.act.FailureCount}
	} else {
		acc.act.recordSuccess(now)
		if post != nil && post.URI != "" && s.cursors[key] != post.URI {
			s.cursors[key] = post.URI
			acc.act.recordPost(s.cfg, post.CreatedAt, now)
			postEv = &PostEvent{Handle: key, Platform: s.platform, Post: *post}
		}
	}
	if s.running {
		s.armLocked(key, acc)
	}
	interval := acc.act.PollInterval
	s.mu.Unlock()

	// Publish while still holding pollMu so one account's events keep attempt order.
	if errEv != nil {
		metrics.RecordPoll(string(s.platform), "error", took)
		if backoff {
			s.log.Warn("account fetch failing; backing off", logx.String("handle", key), logx.Int("failures", errEv.Failures), logx.Duration("interval", interval), logx.Err(err))
		} else {
			s.log.Debug("account fetch failed", logx.String("handle", key), logx.Int("failures", errEv.Failures), logx.Err(err))
		}
		s.errs.Publish(*errEv)
		return nil, err
	}
	metrics.RecordPoll(string(s.platform), "ok", took)
	if postEv != nil {
		metrics.RecordPost(string(s.platform))
		s.log.Debug("new post", logx.String("handle", key), logx.String("uri", postEv.Post.URI), logx.Duration("interval", interval))
		s.posts.Publish(*postEv)
	}
	return post, nil
}

// liveLocked reports whether a continuation for acc may still touch state.
// wasRunning is the running flag seen when the attempt began.
// Call with s.mu held.
func (s *Scheduler) liveLocked(key string, acc *account, forced, wasRunning bool) bool {
	cur, ok := s.accounts[key]
	if !ok || cur != acc || cur.gen != acc.gen {
		return false
	}
	if s.running {
		return true
	}
	return forced && !wasRunning
}

// armLocked (re)arms the single timer of acc. Call with s.mu held.
func (s *Scheduler) armLocked(key string, acc *account) {
	s.disarmLocked(acc)
	ver := acc.timerVer
	gen := acc.gen
	delay := s.delayFor(acc.act.PollInterval)
	acc.timer = time.AfterFunc(delay, func() { s.fire(key, acc, gen, ver) })
}

// disarmLocked stops the timer and invalidates any callback already queued.
// Call with s.mu held.
func (s *Scheduler) disarmLocked(acc *account) {
	if acc.timer != nil {
		acc.timer.Stop()
		acc.timer = nil
	}
	acc.timerVer++
}

func (s *Scheduler) fire(key string, acc *account, gen, ver uint64) {
	s.mu.Lock()
	if !s.running || s.accounts[key] != acc || acc.gen != gen || acc.timerVer != ver {
		s.mu.Unlock()
		return
	}
	acc.timer = nil
	ctx := s.baseCtx
	s.mu.Unlock()

	// Errors are delivered through OnError; nothing propagates out of a timer.
	_, _ = s.attempt(ctx, key, acc, false)
}

func (s *Scheduler) delayFor(interval time.Duration) time.Duration {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return jitteredDelay(s.cfg, interval, s.rng)
}
