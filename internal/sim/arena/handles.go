package arena

import (
	"gonum.org/v1/gonum/spatial/r3"

	"carball.ai/internal/sim/state"
)

// Handles are live views onto engine entities. Writing through a handle
// mutates the entity in place; identity (and enumeration order) never changes.

type PadState struct {
	Cooldown float64
}

type Pad struct {
	pos   r3.Vec
	large bool
	st    PadState
}

func (p *Pad) Pos() r3.Vec          { return p.pos }
func (p *Pad) State() PadState      { return p.st }
func (p *Pad) SetState(st PadState) { p.st = st }

type BallState struct {
	Pos    r3.Vec
	Rot    state.Basis
	Vel    r3.Vec
	AngVel r3.Vec
}

type Ball struct {
	st BallState
}

func (b *Ball) State() BallState      { return b.st }
func (b *Ball) SetState(st BallState) { b.st = st }

type CarState struct {
	Pos    r3.Vec
	Rot    state.Basis
	Vel    r3.Vec
	AngVel r3.Vec

	Boost           float64
	OnGround        bool
	HasJumped       bool
	HasDoubleJumped bool
	HasFlipped      bool

	DemoRespawnTimer float64
}

type Car struct {
	id      uint32
	agentID string
	team    state.Team
	slot    int

	st CarState
}

func (c *Car) ID() uint32           { return c.id }
func (c *Car) AgentID() string      { return c.agentID }
func (c *Car) Team() state.Team     { return c.team }
func (c *Car) State() CarState      { return c.st }
func (c *Car) SetState(st CarState) { c.st = st }
