package state

// ActionSize is the width of a controller action.
const ActionSize = 8

// Action is a car-local controller input:
// throttle, steer, pitch, yaw, roll, jump, boost, handbrake.
// Components are in the car's own frame, so the vector is already
// team-relative and is never mirrored.
type Action [ActionSize]float64

const (
	ActThrottle = iota
	ActSteer
	ActPitch
	ActYaw
	ActRoll
	ActJump
	ActBoost
	ActHandbrake
)
