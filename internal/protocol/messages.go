package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// AgentID claims a car ("blue-0", "orange-2", ...). Empty takes the first
	// unclaimed car.
	AgentID      string            `json:"agent_id,omitempty"`
	AgentName    string            `json:"agent_name"`
	Capabilities HelloCapabilities `json:"capabilities"`
}

type HelloCapabilities struct {
	MaxQueue int `json:"max_queue,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	AgentID         string      `json:"agent_id"`
	Team            string      `json:"team"`
	EpisodeID       string      `json:"episode_id"`
	Params          MatchParams `json:"params"`
}

// MatchParams fixes the observation and action shapes for the session.
type MatchParams struct {
	TickRateHz   int    `json:"tick_rate_hz"`
	TickSkip     int    `json:"tick_skip"`
	MaxPlayers   int    `json:"max_players"`
	NumPads      int    `json:"num_pads"`
	NumFeatures  int    `json:"num_features"`
	SelfWidth    int    `json:"self_width"`
	ActionSize   int    `json:"action_size"`
	TuningDigest string `json:"tuning_digest,omitempty"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}
