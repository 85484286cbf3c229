package app

import (
	"time"

	"postwatch/internal/notifier"
	rtsup "postwatch/internal/runtime/supervisor"
)

type platformHealth struct {
	Running         bool   `json:"running"`
	Accounts        int    `json:"accounts"`
	AverageInterval string `json:"average_interval"`
	FailingAccounts int    `json:"failing_accounts"`
}

type healthReport struct {
	Status      string                    `json:"status"`
	Uptime      string                    `json:"uptime"`
	Platforms   map[string]platformHealth `json:"platforms"`
	Notifier    notifier.Stats            `json:"notifier"`
	LastDecay   *time.Time                `json:"last_decay,omitempty"`
	DecayRuns   int                       `json:"decay_runs"`
	Supervisors map[string]rtsup.Snapshot `json:"supervisors"`
}

// health backs /healthz. Status is "degraded" once any supervisor recorded
// an error.
func (a *App) health() any {
	r := healthReport{
		Status:      "ok",
		Platforms:   map[string]platformHealth{},
		Notifier:    a.notif.Stats(),
		Supervisors: map[string]rtsup.Snapshot{},
	}
	if !a.started.IsZero() {
		r.Uptime = time.Since(a.started).Truncate(time.Second).String()
	}
	for _, s := range a.scheds {
		st := s.Stats()
		r.Platforms[string(s.Platform())] = platformHealth{
			Running:         st.Running,
			Accounts:        st.AccountCount,
			AverageInterval: st.AverageInterval.Truncate(time.Second).String(),
			FailingAccounts: st.FailedAccounts,
		}
	}
	if at, n := a.maint.LastDecay(); n > 0 {
		r.LastDecay, r.DecayRuns = &at, n
	}

	sups := map[string]*rtsup.Supervisor{
		"app":      a.sup,
		"telegram": a.adapter.Supervisor(),
		"notifier": a.notif.Supervisor(),
		"bot":      a.bot.Supervisor(),
		"ops":      a.ops.Supervisor(),
	}
	for name, sup := range sups {
		if sup == nil {
			continue
		}
		snap := sup.Snapshot()
		if snap.FirstError != "" {
			r.Status = "degraded"
		}
		r.Supervisors[name] = snap
	}
	return r
}
