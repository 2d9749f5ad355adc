package obs

import "carball.ai/internal/sim/state"

// Per-slot feature offsets of the context tensor.
const (
	FeatIsSelf   = 0
	FeatTeammate = 1
	FeatOpponent = 2
	FeatIsBall   = 3
	FeatIsBoost  = 4
	FeatPos      = 5 // x, y, z
	FeatVel      = 8
	FeatForward  = 11
	FeatUp       = 14
	FeatAngVel   = 17
	FeatBoost    = 20
	FeatTimer    = 21
	FeatOnGround = 22
	FeatHasFlip  = 23

	NumFeatures = 24

	// SelfWidth is the self descriptor: the agent's own slot plus its previous action.
	SelfWidth = NumFeatures + state.ActionSize
)

// mirrored lists the columns negated when re-expressing the canonical (blue)
// frame for an orange agent: x and y of every spatial vector.
var mirrored = []int{
	FeatPos, FeatPos + 1,
	FeatVel, FeatVel + 1,
	FeatForward, FeatForward + 1,
	FeatUp, FeatUp + 1,
	FeatAngVel, FeatAngVel + 1,
}

// NumSlots is the fixed context length for maxPlayers agents and numPads pads.
func NumSlots(maxPlayers, numPads int) int { return 1 + maxPlayers + numPads }
