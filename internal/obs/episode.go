package obs

import (
	"gonum.org/v1/gonum/mat"

	"carball.ai/internal/sim/state"
)

// EpisodeState is the encoder-owned state for one episode. It is created
// uninitialized, initialized by Builder.Reset (or implicitly by the first
// Encode), and mutated once per engine step.
type EpisodeState struct {
	initialized bool

	boostTimers []float64
	demoTimers  []float64
	padWasAvail []bool
	carWasAlive []bool

	// PreviousActions is appended to each agent's self descriptor. The step
	// loop overwrites it after every engine step.
	PreviousActions map[string]state.Action

	step stepCache
}

// stepCache memoizes the canonical tensor for one engine step. pre holds the
// timer bookkeeping as it was before this step's update so that an edited
// snapshot for the same tick is re-derived without decaying twice.
type stepCache struct {
	valid  bool
	tick   uint64
	digest string

	pre timerCheckpoint

	world *mat.Dense
	mask  []bool
	slots map[string]int
}

type timerCheckpoint struct {
	boost    []float64
	demo     []float64
	padAvail []bool
	carAlive []bool
}

func NewEpisodeState() *EpisodeState {
	return &EpisodeState{PreviousActions: map[string]state.Action{}}
}

func (s *EpisodeState) Initialized() bool { return s != nil && s.initialized }

// BoostTimers returns a copy of the timers that the next new step will emit.
func (s *EpisodeState) BoostTimers() []float64 { return append([]float64(nil), s.boostTimers...) }

// DemoTimers returns a copy of the per-slot demolition timers.
func (s *EpisodeState) DemoTimers() []float64 { return append([]float64(nil), s.demoTimers...) }

// SetPreviousActions records the actions applied during the last engine step.
func (s *EpisodeState) SetPreviousActions(actions map[string]state.Action) {
	if s.PreviousActions == nil {
		s.PreviousActions = map[string]state.Action{}
	}
	for id, a := range actions {
		s.PreviousActions[id] = a
	}
}

// canonical returns a copy of the current step's blue-relative tensor and
// mask, or nil if nothing has been encoded since reset.
func (s *EpisodeState) canonical() (*mat.Dense, []bool) {
	if s == nil || !s.step.valid {
		return nil, nil
	}
	return mat.DenseCopyOf(s.step.world), append([]bool(nil), s.step.mask...)
}

func (s *EpisodeState) checkpoint() timerCheckpoint {
	return timerCheckpoint{
		boost:    append([]float64(nil), s.boostTimers...),
		demo:     append([]float64(nil), s.demoTimers...),
		padAvail: append([]bool(nil), s.padWasAvail...),
		carAlive: append([]bool(nil), s.carWasAlive...),
	}
}

func (s *EpisodeState) restore(c timerCheckpoint) {
	copy(s.boostTimers, c.boost)
	copy(s.demoTimers, c.demo)
	copy(s.padWasAvail, c.padAvail)
	copy(s.carWasAlive, c.carAlive)
}
