package arena

import "gonum.org/v1/gonum/spatial/r3"

// Field dimensions in unreal units.
const (
	SideWallX  = 4096.0
	BackWallY  = 5120.0
	GoalLineY  = BackWallY + BallRadius
	CeilingZ   = 2044.0
	GoalHalfW  = 893.0
	GoalHeight = 642.0
	BallRadius = 92.75
	CarRestZ   = 17.0
)

// StandardPads is the fixed 34-pad layout. Large pads sit at z=73.
var StandardPads = []r3.Vec{
	{X: 0, Y: -4240, Z: 70}, {X: -1792, Y: -4184, Z: 70}, {X: 1792, Y: -4184, Z: 70},
	{X: -3072, Y: -4096, Z: 73}, {X: 3072, Y: -4096, Z: 73}, {X: -940, Y: -3308, Z: 70},
	{X: 940, Y: -3308, Z: 70}, {X: 0, Y: -2816, Z: 70}, {X: -3584, Y: -2484, Z: 70},
	{X: 3584, Y: -2484, Z: 70}, {X: -1788, Y: -2300, Z: 70}, {X: 1788, Y: -2300, Z: 70},
	{X: -2048, Y: -1036, Z: 70}, {X: 0, Y: -1024, Z: 70}, {X: 2048, Y: -1036, Z: 70},
	{X: -3584, Y: 0, Z: 73}, {X: -1024, Y: 0, Z: 70}, {X: 1024, Y: 0, Z: 70},
	{X: 3584, Y: 0, Z: 73}, {X: -2048, Y: 1036, Z: 70}, {X: 0, Y: 1024, Z: 70},
	{X: 2048, Y: 1036, Z: 70}, {X: -1788, Y: 2300, Z: 70}, {X: 1788, Y: 2300, Z: 70},
	{X: -3584, Y: 2484, Z: 70}, {X: 3584, Y: 2484, Z: 70}, {X: 0, Y: 2816, Z: 70},
	{X: -940, Y: 3310, Z: 70}, {X: 940, Y: 3308, Z: 70}, {X: -3072, Y: 4096, Z: 73},
	{X: 3072, Y: 4096, Z: 73}, {X: -1792, Y: 4184, Z: 70}, {X: 1792, Y: 4184, Z: 70},
	{X: 0, Y: 4240, Z: 70},
}

// PadLayout converts a config override into pad positions, falling back to
// StandardPads when the override is empty.
func PadLayout(override [][3]float64) []r3.Vec {
	if len(override) == 0 {
		return append([]r3.Vec(nil), StandardPads...)
	}
	out := make([]r3.Vec, 0, len(override))
	for _, p := range override {
		out = append(out, r3.Vec{X: p[0], Y: p[1], Z: p[2]})
	}
	return out
}

// Blue kickoff spots; orange spots are mirrored through the origin.
var kickoffSpots = []r3.Vec{
	{X: -2048, Y: -2560, Z: CarRestZ},
	{X: 2048, Y: -2560, Z: CarRestZ},
	{X: -256, Y: -3840, Z: CarRestZ},
	{X: 256, Y: -3840, Z: CarRestZ},
	{X: 0, Y: -4608, Z: CarRestZ},
}

var respawnSpots = []r3.Vec{
	{X: -2304, Y: -4608, Z: CarRestZ},
	{X: -2688, Y: -4608, Z: CarRestZ},
	{X: 2304, Y: -4608, Z: CarRestZ},
	{X: 2688, Y: -4608, Z: CarRestZ},
}
