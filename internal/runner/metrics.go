package runner

import (
	"math"
	"sync/atomic"
	"time"
)

// Metrics is a point-in-time view safe to read from any goroutine.
type Metrics struct {
	Tick     uint64  `json:"tick"`
	Episodes uint64  `json:"episodes"`
	Agents   int64   `json:"agents"`
	Editors  int64   `json:"editors"`
	InboxLen int     `json:"inbox_len"`
	StepMS   float64 `json:"step_ms"`

	EditsApplied  uint64 `json:"edits_applied"`
	EditsRejected uint64 `json:"edits_rejected"`
	EditsDropped  uint64 `json:"edits_dropped"`
}

type counters struct {
	episodes      atomic.Uint64
	agents        atomic.Int64
	editors       atomic.Int64
	editsApplied  atomic.Uint64
	editsRejected atomic.Uint64
	stepNanos     atomic.Int64
}

func (r *Runner) Metrics() Metrics {
	return Metrics{
		Tick:          r.tick.Load(),
		Episodes:      r.stats.episodes.Load(),
		Agents:        r.stats.agents.Load(),
		Editors:       r.stats.editors.Load(),
		InboxLen:      len(r.inbox),
		StepMS:        math.Round(float64(r.stats.stepNanos.Load())/1e3) / 1e3,
		EditsApplied:  r.stats.editsApplied.Load(),
		EditsRejected: r.stats.editsRejected.Load(),
		EditsDropped:  r.edits.Dropped(),
	}
}

func (r *Runner) observeStep(start time.Time) {
	r.stats.stepNanos.Store(int64(time.Since(start)))
}
