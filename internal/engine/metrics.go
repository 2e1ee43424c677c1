package engine

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// LastRun summarizes the most recent reconciliation cycle.
type LastRun struct {
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"-"`
	Added     int           `json:"added"`
	Removed   int           `json:"removed"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

// MarshalJSON emits the duration as durationMs in whole milliseconds,
// not the raw nanosecond count a time.Duration would serialize to.
func (r LastRun) MarshalJSON() ([]byte, error) {
	type plain LastRun
	return json.Marshal(struct {
		plain
		DurationMS int64 `json:"durationMs"`
	}{plain(r), r.Duration.Milliseconds()})
}

// Snapshot is the engine's observable state. Each cycle replaces the
// whole snapshot; counters carry forward from the previous one.
type Snapshot struct {
	LastRun             LastRun `json:"lastRun"`
	TotalRuns           int     `json:"totalRuns"`
	TotalFailures       int     `json:"totalFailures"`
	TargetAuthenticated bool    `json:"targetAuthenticated"`
}

// metrics holds the current snapshot behind an atomic pointer so the
// dashboard can read while a cycle writes. Readers always see a
// complete snapshot, never a half-written one.
type metrics struct {
	current atomic.Pointer[Snapshot]
}

func newMetrics() *metrics {
	m := &metrics{}
	m.current.Store(&Snapshot{})
	return m
}

// snapshot returns a copy of the current state.
func (m *metrics) snapshot() Snapshot {
	return *m.current.Load()
}

// record replaces the snapshot with the outcome of one cycle.
func (m *metrics) record(run LastRun, authenticated bool) {
	prev := m.current.Load()
	next := &Snapshot{
		LastRun:             run,
		TotalRuns:           prev.TotalRuns + 1,
		TotalFailures:       prev.TotalFailures,
		TargetAuthenticated: authenticated,
	}
	if !run.Success {
		next.TotalFailures++
	}
	m.current.Store(next)
}
