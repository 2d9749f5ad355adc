package editorproto

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Version is the editor protocol version (separate from the agent WS protocol).
const Version = "0.1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeTick      = "TICK"
	TypeStateSet  = "STATE_SET"
	TypeError     = "ERROR"
)

// Vec is a wire 3-vector in engine units.
type Vec [3]float64

// RotMat is an orientation matrix with rows forward, right, up.
type RotMat [3]Vec

// Client -> Server. First message on the editor WS connection.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Every sends one TICK per Every engine steps. 0 means every step.
	Every int `json:"every,omitempty"`
}

// Server -> Client. Sent after each engine step.
type TickMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	EpisodeID       string `json:"episode_id"`
	Tick            uint64 `json:"tick"`

	Ball         BallEdit  `json:"ball"`
	Cars         []CarView `json:"cars"`
	PadCooldowns []float64 `json:"pad_cooldowns"`
	Edited       bool      `json:"edited,omitempty"`
}

type CarView struct {
	CarEdit
	AgentID  string `json:"agent_id"`
	Team     string `json:"team"`
	OnGround bool   `json:"on_ground"`
}

// Client -> Server. Replaces the live game state. The counts must match the
// running episode: one cooldown per pad and one car edit per live car.
type StateSetMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	PadCooldowns []float64 `json:"pad_cooldowns"`
	Ball         BallEdit  `json:"ball"`
	Cars         []CarEdit `json:"cars"`
}

type BallEdit struct {
	Pos    Vec    `json:"pos"`
	RotMat RotMat `json:"rot_mat"`
	Vel    Vec    `json:"vel"`
	AngVel Vec    `json:"ang_vel"`
}

type CarEdit struct {
	ID     uint32 `json:"id"`
	Pos    Vec    `json:"pos"`
	RotMat RotMat `json:"rot_mat"`
	Vel    Vec    `json:"vel"`
	AngVel Vec    `json:"ang_vel"`

	Boost            float64 `json:"boost"`
	HasJumped        bool    `json:"has_jumped"`
	HasDoubleJumped  bool    `json:"has_double_jumped"`
	HasFlipped       bool    `json:"has_flipped"`
	DemoRespawnTimer float64 `json:"demo_respawn_timer"`
}

// Server -> Client. Rejection of a client message.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

//go:embed state_set.schema.json
var stateSetSchemaJSON string

var stateSetSchema = jsonschema.MustCompileString("state_set.schema.json", stateSetSchemaJSON)

// DecodeStateSet validates raw against the STATE_SET schema and decodes it.
func DecodeStateSet(raw []byte) (StateSetMsg, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return StateSetMsg{}, fmt.Errorf("state_set: %w", err)
	}
	if err := stateSetSchema.Validate(doc); err != nil {
		return StateSetMsg{}, fmt.Errorf("state_set: %w", err)
	}
	var m StateSetMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return StateSetMsg{}, fmt.Errorf("state_set: %w", err)
	}
	return m, nil
}
