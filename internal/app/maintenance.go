package app

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postwatch/internal/poller"
	logx "postwatch/pkg/logx"
)

// maintenance runs the periodic scheduler chores: activity decay and the
// stats log line.
type maintenance struct {
	log    logx.Logger
	scheds []*poller.Scheduler
	stats  func()

	mu         sync.Mutex
	c          *cron.Cron
	decaySpec  string
	statsSpec  string
	lastDecay  time.Time
	decayCount int
}

func newMaintenance(scheds []*poller.Scheduler, stats func(), log logx.Logger) *maintenance {
	return &maintenance{log: log.With(logx.String("comp", "maintenance")), scheds: scheds, stats: stats}
}

// Apply (re)builds the cron with the given specs. Unchanged specs keep the
// running cron untouched.
func (m *maintenance) Apply(decaySpec, statsSpec string) error {
	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(time.Local))
	if _, err := c.AddFunc(decaySpec, m.decay); err != nil {
		return err
	}
	if _, err := c.AddFunc(statsSpec, m.stats); err != nil {
		return err
	}

	m.mu.Lock()
	if m.c != nil && decaySpec == m.decaySpec && statsSpec == m.statsSpec {
		m.mu.Unlock()
		return nil
	}
	prev := m.c
	m.c = c
	m.decaySpec, m.statsSpec = decaySpec, statsSpec
	m.mu.Unlock()

	// Jobs take m.mu, so wait for the old cron outside it.
	if prev != nil {
		<-prev.Stop().Done()
	}
	c.Start()
	m.log.Info("maintenance scheduled", logx.String("decay", decaySpec), logx.String("stats", statsSpec))
	return nil
}

// LastDecay reports when decay last ran and how many times it has run.
func (m *maintenance) LastDecay() (time.Time, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastDecay, m.decayCount
}

func (m *maintenance) decay() {
	total := 0
	for _, s := range m.scheds {
		total += s.DecayActivityCounts()
	}
	m.mu.Lock()
	m.lastDecay = time.Now()
	m.decayCount++
	m.mu.Unlock()
	m.log.Debug("activity decay ran", logx.Int("decayed", total))
}

// Stop waits for running jobs or ctx, whichever comes first.
func (m *maintenance) Stop(ctx context.Context) {
	m.mu.Lock()
	c := m.c
	m.c = nil
	m.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}
