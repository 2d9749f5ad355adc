package runner

import (
	"carball.ai/internal/editorproto"
	"carball.ai/internal/protocol"
	"carball.ai/internal/sim/state"
)

// StepRecord is one encoded step. It carries everything needed to re-encode
// the step offline: the materialized state and the previous actions the
// encoder appended.
type StepRecord struct {
	EpisodeID string `json:"episode_id"`
	Step      uint64 `json:"step"`
	Tick      uint64 `json:"tick"`

	// Reset marks the first record of an episode.
	Reset bool `json:"reset,omitempty"`
	// Edited marks a record re-derived from an editor change at the same tick
	// as the record before it.
	Edited bool `json:"edited,omitempty"`

	State       *state.GameState        `json:"state"`
	PrevActions map[string]state.Action `json:"prev_actions,omitempty"`

	StateDigest string `json:"state_digest"`
	ObsDigest   string `json:"obs_digest"`

	End *EpisodeEnd `json:"end,omitempty"`
}

type EditRecord struct {
	EpisodeID string                  `json:"episode_id"`
	Tick      uint64                  `json:"tick"`
	Applied   bool                    `json:"applied"`
	Error     string                  `json:"error,omitempty"`
	Edit      editorproto.StateSetMsg `json:"edit"`
}

type EpisodeEnd struct {
	Reason string `json:"reason"` // protocol.End*
	Scorer string `json:"scorer,omitempty"`
}

type EpisodeRecord struct {
	EpisodeID string `json:"episode_id"`
	Blue      int    `json:"blue"`
	Orange    int    `json:"orange"`
	StartTick uint64 `json:"start_tick"`
	EndTick   uint64 `json:"end_tick"`
	Steps     uint64 `json:"steps"`
	Edits     int    `json:"edits"`
	Reason    string `json:"reason"`
	Scorer    string `json:"scorer,omitempty"`
}

type StepLogger interface {
	WriteStep(rec StepRecord) error
}

type EditLogger interface {
	WriteEdit(rec EditRecord) error
}

// Indexer receives summaries for the secondary index. Implementations must
// not block the step loop.
type Indexer interface {
	WriteStep(rec StepRecord) error
	WriteEdit(rec EditRecord) error
	RecordEpisode(rec EpisodeRecord)
}

// JoinRequest attaches a policy client to a car.
type JoinRequest struct {
	AgentID string
	Name    string
	Out     chan []byte
	Resp    chan JoinResponse
}

type JoinResponse struct {
	Welcome protocol.WelcomeMsg
	// Code is a protocol error code when the join was refused.
	Code    string
	Message string
}

type ActionEnvelope struct {
	AgentID string
	Act     protocol.ActMsg
}

type EditorJoinRequest struct {
	SessionID string
	Every     int
	Out       chan []byte
}
