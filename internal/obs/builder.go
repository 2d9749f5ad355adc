package obs

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"carball.ai/internal/sim/state"
	"carball.ai/internal/sim/tuning"
)

var (
	// ErrShapeMismatch means the snapshot does not fit the encoder layout
	// (pad count differs from the static roster).
	ErrShapeMismatch = errors.New("obs: snapshot shape mismatch")

	// ErrTooManyCars means more live cars than agent slots.
	ErrTooManyCars = errors.New("obs: more cars than agent slots")

	// ErrUnknownAgent means an observation was requested for an agent that is
	// not in the snapshot.
	ErrUnknownAgent = errors.New("obs: unknown agent")
)

// Observation is one agent's view of a step.
type Observation struct {
	// Self is the agent's own slot (team-relative, world coordinates) followed
	// by its previous action. Width SelfWidth.
	Self *mat.VecDense

	// Context has one row per slot: ball, MaxPlayers agent slots, then pads.
	// Positions and velocities are relative to the observing agent.
	Context *mat.Dense

	// Mask marks valid slots. Padding agent slots are false.
	Mask []bool
}

// Builder encodes game states into per-agent observations. It is immutable
// after construction; all per-episode state lives in EpisodeState.
type Builder struct {
	maxPlayers int
	pads       []r3.Vec

	padAmount []float64 // raw boost units, normalized with the boost divisor
	padSeed   []float64
	demoSeed  float64
	decay     float64

	norm [NumFeatures]float64
}

func NewBuilder(t tuning.Tuning, pads []r3.Vec) *Builder {
	b := &Builder{
		maxPlayers: t.MaxPlayers,
		pads:       append([]r3.Vec(nil), pads...),
		padAmount:  make([]float64, len(pads)),
		padSeed:    make([]float64, len(pads)),
		demoSeed:   t.Timers.DemoSeed,
		decay:      t.StepDecay(),
	}
	for i, p := range pads {
		if p.Z > t.Pads.LargeHeight {
			b.padAmount[i] = t.Pads.LargeAmount
			b.padSeed[i] = t.Timers.LargePadSeed
		} else {
			b.padAmount[i] = t.Pads.SmallAmount
			b.padSeed[i] = t.Timers.SmallPadSeed
		}
	}
	for i := range b.norm {
		b.norm[i] = 1
	}
	for i := 0; i < 3; i++ {
		b.norm[FeatPos+i] = t.Norm.Position
		b.norm[FeatVel+i] = t.Norm.Velocity
		b.norm[FeatAngVel+i] = t.Norm.AngVelocity
	}
	b.norm[FeatBoost] = t.Norm.Boost
	return b
}

func (b *Builder) MaxPlayers() int { return b.maxPlayers }
func (b *Builder) NumPads() int    { return len(b.pads) }
func (b *Builder) NumSlots() int   { return NumSlots(b.maxPlayers, len(b.pads)) }

func (b *Builder) checkShape(gs *state.GameState) error {
	if gs == nil {
		return fmt.Errorf("%w: nil state", ErrShapeMismatch)
	}
	if len(gs.Pads) != len(b.pads) {
		return fmt.Errorf("%w: %d pads, layout has %d", ErrShapeMismatch, len(gs.Pads), len(b.pads))
	}
	if len(gs.Cars) > b.maxPlayers {
		return fmt.Errorf("%w: %d cars, %d slots", ErrTooManyCars, len(gs.Cars), b.maxPlayers)
	}
	return nil
}

// Reset starts a new episode: all timers zero, every pad and car treated as
// previously available, previous actions zeroed for every present agent.
func (b *Builder) Reset(st *EpisodeState, initial *state.GameState) error {
	if err := b.checkShape(initial); err != nil {
		return err
	}
	st.boostTimers = make([]float64, len(b.pads))
	st.demoTimers = make([]float64, b.maxPlayers)
	// Everything starts out available so a pad already on cooldown, or a car
	// already demolished, seeds its timer on the first encode.
	st.padWasAvail = make([]bool, len(b.pads))
	st.carWasAlive = make([]bool, b.maxPlayers)
	for i := range st.padWasAvail {
		st.padWasAvail[i] = true
	}
	for j := range st.carWasAlive {
		st.carWasAlive[j] = true
	}
	st.PreviousActions = make(map[string]state.Action, len(initial.Cars))
	for _, c := range initial.Cars {
		st.PreviousActions[c.AgentID] = state.Action{}
	}
	st.step = stepCache{}
	st.initialized = true
	return nil
}

// Encode returns one observation per requested agent. The canonical tensor
// and the timer update happen once per engine step: repeated calls for the
// same tick reuse them, and a same-tick snapshot with different content (an
// applied edit) is re-derived from the timers as they were before the step.
func (b *Builder) Encode(st *EpisodeState, gs *state.GameState, agents []string) (map[string]Observation, error) {
	if !st.initialized {
		if err := b.Reset(st, gs); err != nil {
			return nil, err
		}
	}
	if err := b.checkShape(gs); err != nil {
		return nil, err
	}

	digest := gs.Digest()
	switch {
	case st.step.valid && st.step.tick == gs.Tick && st.step.digest == digest:
		// Same step, same content.
	case st.step.valid && st.step.tick == gs.Tick:
		st.restore(st.step.pre)
		b.buildWorld(st, gs, digest)
	default:
		st.step.pre = st.checkpoint()
		b.buildWorld(st, gs, digest)
	}

	out := make(map[string]Observation, len(agents))
	for _, id := range agents {
		o, err := b.view(st, gs, id)
		if err != nil {
			return nil, err
		}
		out[id] = o
	}
	return out, nil
}

// buildWorld lays out the canonical blue-relative tensor and advances timers.
func (b *Builder) buildWorld(st *EpisodeState, gs *state.GameState, digest string) {
	n := b.NumSlots()
	w := mat.NewDense(n, NumFeatures, nil)

	w.Set(0, FeatIsBall, 1)
	setVec(w, 0, FeatPos, gs.Ball.Pos)
	setVec(w, 0, FeatVel, gs.Ball.Vel)
	setVec(w, 0, FeatAngVel, gs.Ball.AngVel)

	slots := make(map[string]int, len(gs.Cars))
	for i := range gs.Cars {
		c := &gs.Cars[i]
		row := 1 + i
		slots[c.AgentID] = row
		if c.Team == state.Blue {
			w.Set(row, FeatTeammate, 1)
		} else {
			w.Set(row, FeatOpponent, 1)
		}
		setVec(w, row, FeatPos, c.Pos)
		setVec(w, row, FeatVel, c.Vel)
		setVec(w, row, FeatForward, c.Rot.Forward)
		setVec(w, row, FeatUp, c.Rot.Up)
		setVec(w, row, FeatAngVel, c.AngVel)
		w.Set(row, FeatBoost, c.Boost)
		w.Set(row, FeatOnGround, flag(c.OnGround))
		w.Set(row, FeatHasFlip, flag(!c.HasFlipped))
	}

	padBase := 1 + b.maxPlayers
	for i, p := range b.pads {
		row := padBase + i
		w.Set(row, FeatIsBoost, 1)
		setVec(w, row, FeatPos, p)
		w.Set(row, FeatBoost, b.padAmount[i])
	}

	for i := range b.pads {
		avail := gs.Pads[i].Available()
		w.Set(padBase+i, FeatTimer, advanceTimer(&st.boostTimers[i], &st.padWasAvail[i], avail, b.padSeed[i], b.decay))
	}
	for j := 0; j < b.maxPlayers; j++ {
		alive := j >= len(gs.Cars) || !gs.Cars[j].Demolished()
		w.Set(1+j, FeatTimer, advanceTimer(&st.demoTimers[j], &st.carWasAlive[j], alive, b.demoSeed, b.decay))
	}

	for r := 0; r < n; r++ {
		row := w.RawRowView(r)
		for c := range row {
			row[c] /= b.norm[c]
		}
	}

	mask := make([]bool, n)
	mask[0] = true
	for j := 0; j < len(gs.Cars); j++ {
		mask[1+j] = true
	}
	for i := range b.pads {
		mask[padBase+i] = true
	}

	st.step.valid = true
	st.step.tick = gs.Tick
	st.step.digest = digest
	st.step.world = w
	st.step.mask = mask
	st.step.slots = slots
}

// advanceTimer returns the value to emit for this step and then updates the
// timer for the next one. Available entities always read 0; the
// available->unavailable edge seeds the timer; otherwise it decays to 0.
func advanceTimer(t *float64, wasAvail *bool, avail bool, seed, decay float64) float64 {
	if avail {
		*t = 0
	}
	emit := *t
	switch {
	case avail:
	case *wasAvail:
		*t = seed
	default:
		*t = math.Max(0, *t-decay)
	}
	*wasAvail = avail
	return emit
}

// view specializes the canonical tensor for one agent.
func (b *Builder) view(st *EpisodeState, gs *state.GameState, agentID string) (Observation, error) {
	slot, ok := st.step.slots[agentID]
	if !ok {
		return Observation{}, fmt.Errorf("%w: %q", ErrUnknownAgent, agentID)
	}
	car := &gs.Cars[slot-1]

	ctx := mat.DenseCopyOf(st.step.world)
	ctx.Set(slot, FeatIsSelf, 1)

	rows, _ := ctx.Dims()
	if car.Team == state.Orange {
		for r := 0; r < rows; r++ {
			row := ctx.RawRowView(r)
			row[FeatTeammate], row[FeatOpponent] = row[FeatOpponent], row[FeatTeammate]
			for _, c := range mirrored {
				row[c] = -row[c]
			}
		}
	}

	self := mat.NewVecDense(SelfWidth, nil)
	own := ctx.RawRowView(slot)
	for c := 0; c < NumFeatures; c++ {
		self.SetVec(c, own[c])
	}
	prev := st.PreviousActions[agentID]
	for i, v := range prev {
		self.SetVec(NumFeatures+i, v)
	}

	var origin [6]float64
	copy(origin[:], own[FeatPos:FeatVel+3])
	for r := 0; r < rows; r++ {
		row := ctx.RawRowView(r)
		for k, v := range origin {
			row[FeatPos+k] -= v
		}
	}

	return Observation{
		Self:    self,
		Context: ctx,
		Mask:    append([]bool(nil), st.step.mask...),
	}, nil
}

func setVec(m *mat.Dense, row, col int, v r3.Vec) {
	m.Set(row, col, v.X)
	m.Set(row, col+1, v.Y)
	m.Set(row, col+2, v.Z)
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
