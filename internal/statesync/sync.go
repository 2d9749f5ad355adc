package statesync

import (
	"errors"
	"fmt"
	"sort"

	"carball.ai/internal/editorproto"
	"carball.ai/internal/obs"
	"carball.ai/internal/sim/arena"
	"carball.ai/internal/sim/state"
)

// ErrEditShape means an edit does not match the live episode (pad count, car
// count or car ids). Nothing is written when it is returned.
var ErrEditShape = errors.New("statesync: edit does not match engine")

// ErrNotReset means the episode's encoder state was never reset. The pending
// edit stays queued.
var ErrNotReset = errors.New("statesync: episode not reset")

// EditSource yields the pending edit, if any. Mailbox implements it.
type EditSource interface {
	Poll() (editorproto.StateSetMsg, bool)
}

// Engine is the mutable engine surface edits are written through.
type Engine interface {
	Pads() []*arena.Pad
	Ball() *arena.Ball
	Cars() []*arena.Car
	Materialize() *state.GameState
}

// Encoder is the observation side of the synchronizer.
type Encoder interface {
	Encode(st *obs.EpisodeState, gs *state.GameState, agents []string) (map[string]obs.Observation, error)
}

// Applied is the outcome of a successful edit.
type Applied struct {
	Edit  editorproto.StateSetMsg
	State *state.GameState
	Obs   map[string]obs.Observation
}

type Synchronizer struct {
	engine  Engine
	encoder Encoder
	edits   EditSource
}

func New(engine Engine, encoder Encoder, edits EditSource) *Synchronizer {
	return &Synchronizer{engine: engine, encoder: encoder, edits: edits}
}

// Sync applies the pending edit, if any, and re-encodes every live agent
// against the episode's existing timers. ok is false when there was nothing
// to apply.
func (s *Synchronizer) Sync(ep *obs.EpisodeState) (Applied, bool, error) {
	if s.edits == nil {
		return Applied{}, false, nil
	}
	if !ep.Initialized() {
		return Applied{}, false, ErrNotReset
	}
	edit, ok := s.edits.Poll()
	if !ok {
		return Applied{}, false, nil
	}
	gs, err := s.Apply(edit)
	if err != nil {
		return Applied{}, false, err
	}
	out, err := s.encoder.Encode(ep, gs, gs.AgentIDs())
	if err != nil {
		return Applied{}, false, fmt.Errorf("statesync: encode: %w", err)
	}
	return Applied{Edit: edit, State: gs, Obs: out}, true, nil
}

// Apply writes edit onto the engine handles and returns the re-materialized
// state. Cars are paired by stable car id.
func (s *Synchronizer) Apply(edit editorproto.StateSetMsg) (*state.GameState, error) {
	pads := s.engine.Pads()
	if len(edit.PadCooldowns) != len(pads) {
		return nil, fmt.Errorf("%w: %d pad cooldowns for %d pads", ErrEditShape, len(edit.PadCooldowns), len(pads))
	}
	cars := append([]*arena.Car(nil), s.engine.Cars()...)
	if len(edit.Cars) != len(cars) {
		return nil, fmt.Errorf("%w: %d car edits for %d cars", ErrEditShape, len(edit.Cars), len(cars))
	}
	edits := append([]editorproto.CarEdit(nil), edit.Cars...)
	sort.SliceStable(edits, func(i, j int) bool { return edits[i].ID < edits[j].ID })
	sort.SliceStable(cars, func(i, j int) bool { return cars[i].ID() < cars[j].ID() })
	for i := range cars {
		if edits[i].ID != cars[i].ID() {
			return nil, fmt.Errorf("%w: car id %d not in engine", ErrEditShape, edits[i].ID)
		}
	}

	for i, p := range pads {
		p.SetState(arena.PadState{Cooldown: edit.PadCooldowns[i]})
	}

	s.engine.Ball().SetState(arena.BallState{
		Pos:    edit.Ball.Pos.R3(),
		Rot:    edit.Ball.RotMat.Basis(),
		Vel:    edit.Ball.Vel.R3(),
		AngVel: edit.Ball.AngVel.R3(),
	})

	for i, c := range cars {
		e := &edits[i]
		st := c.State()
		st.Pos = e.Pos.R3()
		st.Rot = e.RotMat.Basis()
		st.Vel = e.Vel.R3()
		st.AngVel = e.AngVel.R3()
		st.Boost = e.Boost
		st.HasJumped = e.HasJumped
		st.HasDoubleJumped = e.HasDoubleJumped
		st.HasFlipped = e.HasFlipped
		st.DemoRespawnTimer = e.DemoRespawnTimer
		c.SetState(st)
	}

	return s.engine.Materialize(), nil
}
