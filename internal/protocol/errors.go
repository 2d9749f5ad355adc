package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Session/roster.
	ErrUnknownAgent = "E_UNKNOWN_AGENT"
	ErrAgentTaken   = "E_AGENT_TAKEN"
	ErrMatchFull    = "E_MATCH_FULL"

	// Editor.
	ErrEditShape = "E_EDIT_SHAPE"

	ErrStale    = "E_STALE"
	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrUnknownAgent:    {},
	ErrAgentTaken:      {},
	ErrMatchFull:       {},
	ErrEditShape:       {},
	ErrStale:           {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
