package obs

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"carball.ai/internal/sim/state"
	"carball.ai/internal/sim/tuning"
)

func testTuning(maxPlayers int) tuning.Tuning {
	t := tuning.Defaults()
	t.MaxPlayers = maxPlayers
	return t
}

func blueCar(id string, carID uint32, pos r3.Vec) state.Car {
	return state.Car{
		AgentID:  id,
		CarID:    carID,
		Team:     state.Blue,
		Pos:      pos,
		Rot:      state.IdentityBasis(),
		Boost:    33,
		OnGround: true,
	}
}

func orangeCar(id string, carID uint32, pos r3.Vec) state.Car {
	c := blueCar(id, carID, pos)
	c.Team = state.Orange
	c.Rot.Forward = r3.Vec{Y: -1}
	c.Rot.Right = r3.Vec{X: 1}
	return c
}

func snapshot(tick uint64, pads []r3.Vec, cars ...state.Car) *state.GameState {
	gs := &state.GameState{
		Tick: tick,
		Ball: state.BallState{Pos: r3.Vec{Z: 92.75}},
		Cars: cars,
	}
	for _, p := range pads {
		gs.Pads = append(gs.Pads, state.BoostPad{Pos: p})
	}
	return gs
}

func countValid(mask []bool) int {
	n := 0
	for _, v := range mask {
		if v {
			n++
		}
	}
	return n
}

func standardPads() []r3.Vec {
	// Two small and one large pad are enough to exercise the layout.
	return []r3.Vec{{X: 0, Y: -4240, Z: 70}, {X: -3072, Y: -4096, Z: 73}, {X: 0, Y: 4240, Z: 70}}
}

func TestEncode_FixedShapeAndMask(t *testing.T) {
	pads := standardPads()
	b := NewBuilder(testTuning(6), pads)
	st := NewEpisodeState()

	gs := snapshot(1, pads,
		blueCar("b0", 1, r3.Vec{X: -2048, Y: -2560, Z: 17}),
		orangeCar("o0", 2, r3.Vec{X: 2048, Y: 2560, Z: 17}),
	)
	require.NoError(t, b.Reset(st, gs))

	for _, req := range [][]string{{"b0"}, {"o0"}, {"b0", "o0"}} {
		out, err := b.Encode(st, gs, req)
		require.NoError(t, err)
		require.Len(t, out, len(req))
		for _, o := range out {
			rows, cols := o.Context.Dims()
			require.Equal(t, 1+6+3, rows)
			require.Equal(t, NumFeatures, cols)
			require.Equal(t, SelfWidth, o.Self.Len())
			require.Len(t, o.Mask, rows)
			require.Equal(t, 1+2+3, countValid(o.Mask))
			require.True(t, o.Mask[0])
			require.True(t, o.Mask[1])
			require.True(t, o.Mask[2])
			require.False(t, o.Mask[3])
			require.True(t, o.Mask[rows-1])
		}
	}
}

func TestEncode_ExactlyOneSelfSlot(t *testing.T) {
	pads := standardPads()
	b := NewBuilder(testTuning(4), pads)
	st := NewEpisodeState()

	gs := snapshot(7, pads,
		blueCar("b0", 1, r3.Vec{X: -100, Y: -900, Z: 17}),
		blueCar("b1", 2, r3.Vec{X: 100, Y: -900, Z: 17}),
		orangeCar("o0", 3, r3.Vec{X: 0, Y: 900, Z: 17}),
	)
	out, err := b.Encode(st, gs, gs.AgentIDs())
	require.NoError(t, err)

	for i, id := range gs.AgentIDs() {
		ctx := out[id].Context
		rows, _ := ctx.Dims()
		var selfRows []int
		for r := 0; r < rows; r++ {
			if ctx.At(r, FeatIsSelf) == 1 {
				selfRows = append(selfRows, r)
			}
		}
		require.Equal(t, []int{1 + i}, selfRows, "agent %s", id)
		require.Equal(t, 1.0, out[id].Self.AtVec(FeatIsSelf))
	}
}

func TestEncode_EntityRelativeCoordinates(t *testing.T) {
	pads := standardPads()
	b := NewBuilder(testTuning(2), pads)
	st := NewEpisodeState()

	car := blueCar("b0", 1, r3.Vec{X: 460, Y: -230, Z: 17})
	car.Vel = r3.Vec{X: 230, Y: 0, Z: 0}
	gs := snapshot(1, pads, car)
	gs.Ball.Vel = r3.Vec{Y: 460}

	out, err := b.Encode(st, gs, []string{"b0"})
	require.NoError(t, err)
	o := out["b0"]

	// Own slot collapses to the origin.
	for k := 0; k < 6; k++ {
		require.InDelta(t, 0, o.Context.At(1, FeatPos+k), 1e-12)
	}
	require.InDelta(t, (0-460)/2300.0, o.Context.At(0, FeatPos), 1e-12)
	require.InDelta(t, (0+230)/2300.0, o.Context.At(0, FeatPos+1), 1e-12)
	require.InDelta(t, (0-230)/2300.0, o.Context.At(0, FeatVel), 1e-12)
	require.InDelta(t, (460-0)/2300.0, o.Context.At(0, FeatVel+1), 1e-12)

	// Self descriptor keeps world coordinates.
	require.InDelta(t, 460/2300.0, o.Self.AtVec(FeatPos), 1e-12)
	require.InDelta(t, 230/2300.0, o.Self.AtVec(FeatVel), 1e-12)
	require.InDelta(t, 33/100.0, o.Self.AtVec(FeatBoost), 1e-12)
	require.Equal(t, 1.0, o.Self.AtVec(FeatHasFlip))
}

func TestEncode_MirroredSnapshotsAreTeamInvariant(t *testing.T) {
	pads := []r3.Vec{{X: 500, Y: -1000, Z: 70}, {X: -500, Y: 1000, Z: 70}}
	b := NewBuilder(testTuning(2), pads)
	st := NewEpisodeState()

	blue := blueCar("b", 1, r3.Vec{X: 300, Y: -2000, Z: 17})
	blue.Vel = r3.Vec{X: 100, Y: 200}
	blue.AngVel = r3.Vec{Z: 1.5}
	blue.Boost = 50

	orange := orangeCar("o", 2, r3.Vec{X: -300, Y: 2000, Z: 17})
	orange.Vel = r3.Vec{X: -100, Y: -200}
	orange.AngVel = r3.Vec{Z: 1.5}
	orange.Boost = 50

	gs := snapshot(3, pads, blue, orange)
	gs.Ball.Vel = r3.Vec{Z: 10}

	before, _ := func() (*mat.Dense, []bool) {
		_, err := b.Encode(st, gs, nil)
		require.NoError(t, err)
		return st.canonical()
	}()

	out, err := b.Encode(st, gs, []string{"b", "o"})
	require.NoError(t, err)
	vb, vo := out["b"], out["o"]

	// Swapping the two agents and the two mirrored pads maps one view onto the other.
	perm := []int{0, 2, 1, 4, 3}
	for r, pr := range perm {
		require.InDeltaSlice(t, vb.Context.RawRowView(r), vo.Context.RawRowView(pr), 1e-12, "row %d", r)
	}
	require.InDeltaSlice(t, vb.Self.RawVector().Data, vo.Self.RawVector().Data, 1e-12)
	require.Equal(t, vb.Mask, vo.Mask)

	require.Equal(t, 1.0, vo.Context.At(2, FeatTeammate))
	require.Equal(t, 1.0, vo.Context.At(1, FeatOpponent))

	// The canonical tensor is never modified by the per-agent transform.
	after, _ := st.canonical()
	require.True(t, mat.Equal(before, after))
	require.Equal(t, 1.0, after.At(2, FeatOpponent))
}

func padTimer(t *testing.T, b *Builder, st *EpisodeState, gs *state.GameState, pad int) float64 {
	t.Helper()
	out, err := b.Encode(st, gs, []string{gs.Cars[0].AgentID})
	require.NoError(t, err)
	return out[gs.Cars[0].AgentID].Context.At(1+b.MaxPlayers()+pad, FeatTimer)
}

func TestTimers_PickupSeedsThenDecaysMonotonically(t *testing.T) {
	pads := []r3.Vec{{X: 0, Y: 0, Z: 70}}
	tn := testTuning(1)
	b := NewBuilder(tn, pads)
	st := NewEpisodeState()
	car := blueCar("b0", 1, r3.Vec{X: 1000, Y: 1000, Z: 17})

	gs := snapshot(1, pads, car)
	require.NoError(t, b.Reset(st, gs))
	require.Equal(t, 0.0, padTimer(t, b, st, gs, 0))

	tick := uint64(2)
	gs = snapshot(tick, pads, car)
	gs.Pads[0].Cooldown = 4
	require.Equal(t, 0.0, padTimer(t, b, st, gs, 0), "pickup step emits the pre-update value")
	require.Equal(t, []float64{tn.Timers.SmallPadSeed}, st.BoostTimers())

	decay := tn.StepDecay()
	want := tn.Timers.SmallPadSeed
	prev := want + 1
	for i := 0; i < 80; i++ {
		tick++
		gs = snapshot(tick, pads, car)
		gs.Pads[0].Cooldown = 3.9 // still unavailable: never re-seeded
		got := padTimer(t, b, st, gs, 0)
		require.InDelta(t, want, got, 1e-9, "step %d", i)
		require.LessOrEqual(t, got, prev)
		require.GreaterOrEqual(t, got, 0.0)
		prev = got
		want -= decay
		if want < 0 {
			want = 0
		}
	}
	require.Equal(t, 0.0, prev)

	tick++
	gs = snapshot(tick, pads, car)
	require.Equal(t, 0.0, padTimer(t, b, st, gs, 0))
}

func TestTimers_ExampleScenarioLargePad(t *testing.T) {
	pads := []r3.Vec{{X: 0, Y: 1000, Z: 73}}
	tn := testTuning(2)
	b := NewBuilder(tn, pads)
	st := NewEpisodeState()
	cars := []state.Car{
		blueCar("b0", 1, r3.Vec{X: -500, Y: -500, Z: 17}),
		orangeCar("o0", 2, r3.Vec{X: 500, Y: 500, Z: 17}),
	}

	gs := snapshot(0, pads, cars...)
	require.NoError(t, b.Reset(st, gs))

	gs = snapshot(1, pads, cars...)
	out, err := b.Encode(st, gs, []string{"b0"})
	require.NoError(t, err)
	padRow := 1 + 2
	require.Equal(t, 0.0, out["b0"].Context.At(padRow, FeatTimer))
	require.Equal(t, tn.Pads.LargeAmount/tn.Norm.Boost, out["b0"].Context.At(padRow, FeatBoost))

	gs = snapshot(2, pads, cars...)
	gs.Pads[0].Cooldown = 1.0
	out, err = b.Encode(st, gs, []string{"b0"})
	require.NoError(t, err)
	require.Equal(t, 0.0, out["b0"].Context.At(padRow, FeatTimer))
	require.Equal(t, []float64{tn.Timers.LargePadSeed}, st.BoostTimers())

	gs = snapshot(3, pads, cars...)
	gs.Pads[0].Cooldown = 0.9
	out, err = b.Encode(st, gs, []string{"b0"})
	require.NoError(t, err)
	require.Equal(t, tn.Timers.LargePadSeed, out["b0"].Context.At(padRow, FeatTimer))
}

func TestTimers_DemolitionSeedsSlotTimer(t *testing.T) {
	pads := standardPads()
	tn := testTuning(2)
	b := NewBuilder(tn, pads)
	st := NewEpisodeState()

	b0 := blueCar("b0", 1, r3.Vec{Z: 17})
	o0 := orangeCar("o0", 2, r3.Vec{Y: 500, Z: 17})
	gs := snapshot(1, pads, b0, o0)
	_, err := b.Encode(st, gs, []string{"b0"})
	require.NoError(t, err)
	require.True(t, st.Initialized())

	o0.DemoRespawnTimer = 3
	gs = snapshot(2, pads, b0, o0)
	out, err := b.Encode(st, gs, []string{"b0"})
	require.NoError(t, err)
	require.Equal(t, 0.0, out["b0"].Context.At(2, FeatTimer))
	require.Equal(t, []float64{0, tn.Timers.DemoSeed}, st.DemoTimers())

	o0.DemoRespawnTimer = 2.9
	gs = snapshot(3, pads, b0, o0)
	out, err = b.Encode(st, gs, []string{"b0"})
	require.NoError(t, err)
	require.Equal(t, tn.Timers.DemoSeed, out["b0"].Context.At(2, FeatTimer))

	// Respawned: forced back to zero immediately.
	o0.DemoRespawnTimer = 0
	gs = snapshot(4, pads, b0, o0)
	out, err = b.Encode(st, gs, []string{"b0"})
	require.NoError(t, err)
	require.Equal(t, 0.0, out["b0"].Context.At(2, FeatTimer))
	require.Equal(t, []float64{0, 0}, st.DemoTimers())
}

func TestReset_UnavailableAtResetSeedsOnFirstEncode(t *testing.T) {
	pads := []r3.Vec{{X: 0, Y: 0, Z: 70}, {X: 0, Y: 1000, Z: 73}}
	tn := testTuning(2)
	b := NewBuilder(tn, pads)
	st := NewEpisodeState()

	b0 := blueCar("b0", 1, r3.Vec{Z: 17})
	o0 := orangeCar("o0", 2, r3.Vec{Y: 500, Z: 17})
	o0.DemoRespawnTimer = 2
	gs := snapshot(1, pads, b0, o0)
	gs.Pads[1].Cooldown = 5
	require.NoError(t, b.Reset(st, gs))
	require.Equal(t, []float64{0, 0}, st.DemoTimers())

	out, err := b.Encode(st, gs, []string{"b0"})
	require.NoError(t, err)
	require.Equal(t, 0.0, out["b0"].Context.At(2, FeatTimer))
	require.Equal(t, []float64{0, tn.Timers.DemoSeed}, st.DemoTimers())
	require.Equal(t, []float64{0, tn.Timers.LargePadSeed}, st.BoostTimers())

	gs = snapshot(2, pads, b0, o0)
	gs.Pads[1].Cooldown = 4.9
	out, err = b.Encode(st, gs, []string{"b0"})
	require.NoError(t, err)
	require.Equal(t, tn.Timers.DemoSeed, out["b0"].Context.At(2, FeatTimer))
	require.Equal(t, tn.Timers.LargePadSeed, out["b0"].Context.At(1+2+1, FeatTimer))
}

func TestEncode_SameStepIsIdempotent(t *testing.T) {
	pads := []r3.Vec{{X: 0, Y: 0, Z: 70}}
	b := NewBuilder(testTuning(2), pads)
	st := NewEpisodeState()
	car := blueCar("b0", 1, r3.Vec{X: 700, Z: 17})

	require.NoError(t, b.Reset(st, snapshot(1, pads, car)))
	_, err := b.Encode(st, snapshot(1, pads, car), []string{"b0"})
	require.NoError(t, err)

	gs := snapshot(2, pads, car)
	gs.Pads[0].Cooldown = 4
	first, err := b.Encode(st, gs, []string{"b0"})
	require.NoError(t, err)
	timers := st.BoostTimers()

	second, err := b.Encode(st, gs.Clone(), []string{"b0"})
	require.NoError(t, err)
	require.True(t, mat.Equal(first["b0"].Context, second["b0"].Context))
	require.True(t, mat.Equal(first["b0"].Self, second["b0"].Self))
	require.Equal(t, timers, st.BoostTimers())
}

func TestEncode_EditedSnapshotSameTickDoesNotDoubleDecay(t *testing.T) {
	pads := []r3.Vec{{X: 0, Y: 0, Z: 70}}
	tn := testTuning(2)
	b := NewBuilder(tn, pads)
	st := NewEpisodeState()
	car := blueCar("b0", 1, r3.Vec{X: 700, Z: 17})

	gs := snapshot(1, pads, car)
	require.NoError(t, b.Reset(st, gs))
	gs = snapshot(2, pads, car)
	gs.Pads[0].Cooldown = 4
	_, err := b.Encode(st, gs, []string{"b0"})
	require.NoError(t, err)

	gs = snapshot(3, pads, car)
	gs.Pads[0].Cooldown = 3.9
	_, err = b.Encode(st, gs, []string{"b0"})
	require.NoError(t, err)
	afterStep := st.BoostTimers()
	require.InDelta(t, tn.Timers.SmallPadSeed-tn.StepDecay(), afterStep[0], 1e-12)

	// An external edit moves the ball within the same tick.
	edited := gs.Clone()
	edited.Ball.Pos = r3.Vec{X: 1000, Y: 1000, Z: 300}
	out, err := b.Encode(st, edited, []string{"b0"})
	require.NoError(t, err)
	require.Equal(t, afterStep, st.BoostTimers())
	require.Equal(t, tn.Timers.SmallPadSeed, out["b0"].Context.At(1+2, FeatTimer))
	require.InDelta(t, (1000-700)/2300.0, out["b0"].Context.At(0, FeatPos), 1e-12)

	// An edit that refills the pad is honored immediately.
	refilled := edited.Clone()
	refilled.Pads[0].Cooldown = 0
	out, err = b.Encode(st, refilled, []string{"b0"})
	require.NoError(t, err)
	require.Equal(t, 0.0, out["b0"].Context.At(1+2, FeatTimer))
	require.Equal(t, []float64{0}, st.BoostTimers())
}

func TestEncode_PreviousActionAppended(t *testing.T) {
	pads := standardPads()
	b := NewBuilder(testTuning(2), pads)
	st := NewEpisodeState()
	gs := snapshot(1, pads, blueCar("b0", 1, r3.Vec{Z: 17}))
	require.NoError(t, b.Reset(st, gs))
	require.Equal(t, state.Action{}, st.PreviousActions["b0"])

	act := state.Action{1, -0.5, 0, 0, 0, 1, 1, 0}
	st.SetPreviousActions(map[string]state.Action{"b0": act})
	out, err := b.Encode(st, gs, []string{"b0"})
	require.NoError(t, err)
	require.Equal(t, act[:], out["b0"].Self.RawVector().Data[NumFeatures:])
}

func TestEncode_Preconditions(t *testing.T) {
	pads := standardPads()
	b := NewBuilder(testTuning(1), pads)

	st := NewEpisodeState()
	gs := snapshot(1, pads, blueCar("b0", 1, r3.Vec{Z: 17}))
	_, err := b.Encode(st, gs, []string{"nobody"})
	require.ErrorIs(t, err, ErrUnknownAgent)

	st = NewEpisodeState()
	_, err = b.Encode(st, snapshot(1, pads[:1], blueCar("b0", 1, r3.Vec{Z: 17})), []string{"b0"})
	require.ErrorIs(t, err, ErrShapeMismatch)
	require.False(t, st.Initialized())

	st = NewEpisodeState()
	_, err = b.Encode(st, snapshot(1, pads, blueCar("b0", 1, r3.Vec{}), blueCar("b1", 2, r3.Vec{})), nil)
	require.ErrorIs(t, err, ErrTooManyCars)
}

func TestDigest_StableAndSensitive(t *testing.T) {
	pads := standardPads()
	b := NewBuilder(testTuning(2), pads)
	gs := snapshot(5, pads, blueCar("b0", 1, r3.Vec{X: 10, Z: 17}), orangeCar("o0", 2, r3.Vec{X: -10, Z: 17}))

	encode := func(gs *state.GameState) map[string]Observation {
		out, err := b.Encode(NewEpisodeState(), gs, gs.AgentIDs())
		require.NoError(t, err)
		return out
	}
	d1 := Digest(encode(gs))
	require.Equal(t, d1, Digest(encode(gs.Clone())))

	moved := gs.Clone()
	moved.Ball.Pos.X = 1
	require.NotEqual(t, d1, Digest(encode(moved)))
}
