package state

import "gonum.org/v1/gonum/spatial/r3"

// Team affiliation. Blue is the canonical frame of the observation tensors.
type Team uint8

const (
	Blue   Team = 0
	Orange Team = 1
)

func (t Team) String() string {
	if t == Orange {
		return "ORANGE"
	}
	return "BLUE"
}

// Basis is an orthonormal orientation frame.
type Basis struct {
	Forward r3.Vec `json:"forward"`
	Right   r3.Vec `json:"right"`
	Up      r3.Vec `json:"up"`
}

// IdentityBasis faces +Y with +Z up.
func IdentityBasis() Basis {
	return Basis{
		Forward: r3.Vec{Y: 1},
		Right:   r3.Vec{X: -1},
		Up:      r3.Vec{Z: 1},
	}
}

type BallState struct {
	Pos    r3.Vec `json:"pos"`
	Vel    r3.Vec `json:"vel"`
	AngVel r3.Vec `json:"ang_vel"`
}

type Car struct {
	AgentID string `json:"agent_id"`
	CarID   uint32 `json:"car_id"`
	Team    Team   `json:"team"`

	Pos    r3.Vec `json:"pos"`
	Rot    Basis  `json:"rot"`
	Vel    r3.Vec `json:"vel"`
	AngVel r3.Vec `json:"ang_vel"`

	Boost           float64 `json:"boost"` // 0..100
	OnGround        bool    `json:"on_ground"`
	HasJumped       bool    `json:"has_jumped"`
	HasDoubleJumped bool    `json:"has_double_jumped"`
	HasFlipped      bool    `json:"has_flipped"`

	// DemoRespawnTimer is 0 while alive and counts down in seconds while demolished.
	DemoRespawnTimer float64 `json:"demo_respawn_timer"`
}

// Demolished reports whether the car is currently waiting to respawn.
func (c *Car) Demolished() bool { return c.DemoRespawnTimer > 0 }

type BoostPad struct {
	Pos r3.Vec `json:"pos"`

	// Cooldown is 0 when the pad is full and counts down in seconds after pickup.
	Cooldown float64 `json:"cooldown"`
}

// Available reports whether the pad can be picked up.
func (p BoostPad) Available() bool { return p.Cooldown <= 0 }

// GameState is the entity catalog for one simulation step. Cars are kept in
// the engine's enumeration order, which is stable for the episode.
type GameState struct {
	Tick uint64     `json:"tick"`
	Ball BallState  `json:"ball"`
	Cars []Car      `json:"cars"`
	Pads []BoostPad `json:"pads"`
}

// Car looks up a car by agent id.
func (s *GameState) Car(agentID string) (*Car, int, bool) {
	for i := range s.Cars {
		if s.Cars[i].AgentID == agentID {
			return &s.Cars[i], i, true
		}
	}
	return nil, -1, false
}

// AgentIDs returns live agent ids in enumeration order.
func (s *GameState) AgentIDs() []string {
	out := make([]string, 0, len(s.Cars))
	for _, c := range s.Cars {
		out = append(out, c.AgentID)
	}
	return out
}

func (s *GameState) Clone() *GameState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Cars = append([]Car(nil), s.Cars...)
	cp.Pads = append([]BoostPad(nil), s.Pads...)
	return &cp
}
