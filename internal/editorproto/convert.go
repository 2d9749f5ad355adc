package editorproto

import (
	"gonum.org/v1/gonum/spatial/r3"

	"carball.ai/internal/sim/state"
)

func ToVec(v r3.Vec) Vec { return Vec{v.X, v.Y, v.Z} }

func (v Vec) R3() r3.Vec { return r3.Vec{X: v[0], Y: v[1], Z: v[2]} }

func ToRotMat(b state.Basis) RotMat {
	return RotMat{ToVec(b.Forward), ToVec(b.Right), ToVec(b.Up)}
}

func (m RotMat) Basis() state.Basis {
	return state.Basis{Forward: m[0].R3(), Right: m[1].R3(), Up: m[2].R3()}
}

func carEdit(c *state.Car) CarEdit {
	return CarEdit{
		ID:               c.CarID,
		Pos:              ToVec(c.Pos),
		RotMat:           ToRotMat(c.Rot),
		Vel:              ToVec(c.Vel),
		AngVel:           ToVec(c.AngVel),
		Boost:            c.Boost,
		HasJumped:        c.HasJumped,
		HasDoubleJumped:  c.HasDoubleJumped,
		HasFlipped:       c.HasFlipped,
		DemoRespawnTimer: c.DemoRespawnTimer,
	}
}

// StateSetFrom builds a STATE_SET that reproduces gs exactly. The ball
// orientation is not part of GameState and is sent as identity.
func StateSetFrom(gs *state.GameState) StateSetMsg {
	m := StateSetMsg{
		Type:            TypeStateSet,
		ProtocolVersion: Version,
		PadCooldowns:    make([]float64, len(gs.Pads)),
		Ball: BallEdit{
			Pos:    ToVec(gs.Ball.Pos),
			RotMat: ToRotMat(state.IdentityBasis()),
			Vel:    ToVec(gs.Ball.Vel),
			AngVel: ToVec(gs.Ball.AngVel),
		},
		Cars: make([]CarEdit, 0, len(gs.Cars)),
	}
	for i, p := range gs.Pads {
		m.PadCooldowns[i] = p.Cooldown
	}
	for i := range gs.Cars {
		m.Cars = append(m.Cars, carEdit(&gs.Cars[i]))
	}
	return m
}

// NewTick renders gs for editors.
func NewTick(episodeID string, gs *state.GameState, edited bool) TickMsg {
	set := StateSetFrom(gs)
	t := TickMsg{
		Type:            TypeTick,
		ProtocolVersion: Version,
		EpisodeID:       episodeID,
		Tick:            gs.Tick,
		Ball:            set.Ball,
		PadCooldowns:    set.PadCooldowns,
		Edited:          edited,
		Cars:            make([]CarView, 0, len(gs.Cars)),
	}
	for i := range gs.Cars {
		c := &gs.Cars[i]
		t.Cars = append(t.Cars, CarView{
			CarEdit:  set.Cars[i],
			AgentID:  c.AgentID,
			Team:     c.Team.String(),
			OnGround: c.OnGround,
		})
	}
	return t
}
