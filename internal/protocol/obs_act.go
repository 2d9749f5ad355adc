package protocol

import (
	"gonum.org/v1/gonum/mat"

	"carball.ai/internal/obs"
	"carball.ai/internal/sim/state"
)

// OBS (server -> client). Self is a single row; Context has one row per slot
// and Mask marks the valid rows.
type ObsMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	AgentID         string `json:"agent_id"`
	EpisodeID       string `json:"episode_id"`

	Self    [][]float64 `json:"self"`
	Context [][]float64 `json:"context"`
	Mask    []bool      `json:"mask"`

	// Edited is set when the observation was re-derived from an editor change.
	Edited bool `json:"edited,omitempty"`
}

// ACT (client -> server)
type ActMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	Tick            uint64       `json:"tick"`
	AgentID         string       `json:"agent_id"`
	Action          state.Action `json:"action"`
}

// EPISODE_END (server -> client)
type EpisodeEndMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	EpisodeID       string `json:"episode_id"`
	Tick            uint64 `json:"tick"`
	Reason          string `json:"reason"`

	// Scorer is set when Reason is "GOAL".
	Scorer string `json:"scorer,omitempty"`
}

// Episode end reasons.
const (
	EndGoal    = "GOAL"
	EndTimeout = "TIMEOUT"
	EndNoTouch = "NO_TOUCH"
)

func NewObsMsg(tick uint64, episodeID, agentID string, o obs.Observation, edited bool) ObsMsg {
	return ObsMsg{
		Type:            TypeObs,
		ProtocolVersion: Version,
		Tick:            tick,
		AgentID:         agentID,
		EpisodeID:       episodeID,
		Self:            [][]float64{append([]float64(nil), o.Self.RawVector().Data...)},
		Context:         rows(o.Context),
		Mask:            append([]bool(nil), o.Mask...),
		Edited:          edited,
	}
}

func rows(m *mat.Dense) [][]float64 {
	r, _ := m.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = append([]float64(nil), m.RawRowView(i)...)
	}
	return out
}
