package arena

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"carball.ai/internal/sim/state"
)

// Physics constants (per second unless noted).
const (
	Gravity          = 650.0
	ThrottleAccel    = 1600.0
	BoostAccel       = 991.666
	BoostUsePerSec   = 33.3
	MaxCarSpeed      = 2300.0
	SupersonicSpeed  = 2200.0
	MaxBallSpeed     = 6000.0
	JumpImpulse      = 292.0
	FlipImpulse      = 500.0
	TurnRate         = 2.5
	BallRestitution  = 0.6
	CarHitRadius     = 120.0
	CarBallHitRadius = BallRadius + 60.0
	DemoRespawnSecs  = 3.0
	LargePadCooldown = 10.0
	SmallPadCooldown = 4.0
	LargePadRadius   = 208.0
	SmallPadRadius   = 144.0
	SpawnBoost       = 33.3
)

type Config struct {
	TickRateHz int
	TickSkip   int
	Pads       []r3.Vec

	// LargePadHeight separates large pads from small ones by z.
	LargePadHeight float64
	SmallPadBoost  float64
	LargePadBoost  float64
}

func (c *Config) applyDefaults() {
	if c.TickRateHz <= 0 {
		c.TickRateHz = 120
	}
	if c.TickSkip <= 0 {
		c.TickSkip = 8
	}
	if len(c.Pads) == 0 {
		c.Pads = append([]r3.Vec(nil), StandardPads...)
	}
	if c.LargePadHeight <= 0 {
		c.LargePadHeight = 72
	}
	if c.SmallPadBoost <= 0 {
		c.SmallPadBoost = 12
	}
	if c.LargePadBoost <= 0 {
		c.LargePadBoost = 100
	}
}

// Engine is a deterministic kinematic stand-in for the physics simulator.
// It is single-threaded; callers serialize access through the step loop.
type Engine struct {
	cfg Config
	dt  float64

	tick uint64

	ball *Ball
	cars []*Car
	pads []*Pad

	nextCarID uint32

	lastTouchTick uint64
	goal          bool
	goalFor       state.Team
}

func New(cfg Config) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:  cfg,
		dt:   1 / float64(cfg.TickRateHz),
		ball: &Ball{},
	}
	for _, p := range cfg.Pads {
		e.pads = append(e.pads, &Pad{pos: p, large: p.Z > cfg.LargePadHeight})
	}
	e.ball.st.Rot = state.IdentityBasis()
	return e
}

func (e *Engine) Tick() uint64  { return e.tick }
func (e *Engine) TickSkip() int { return e.cfg.TickSkip }

// Reset removes every car, refills all pads and places blue and orange cars
// on kickoff spots with the ball at center.
func (e *Engine) Reset(blue, orange int) error {
	if blue < 0 || orange < 0 || blue > len(kickoffSpots) || orange > len(kickoffSpots) {
		return fmt.Errorf("arena: bad team sizes blue=%d orange=%d", blue, orange)
	}
	e.cars = e.cars[:0]
	e.nextCarID = 0
	e.goal = false
	e.lastTouchTick = e.tick
	for _, p := range e.pads {
		p.st = PadState{}
	}
	e.ball.st = BallState{Pos: r3.Vec{Z: BallRadius}, Rot: state.IdentityBasis()}

	for i := 0; i < blue; i++ {
		e.addCar(state.Blue, i)
	}
	for i := 0; i < orange; i++ {
		e.addCar(state.Orange, i)
	}
	return nil
}

func (e *Engine) addCar(team state.Team, slot int) *Car {
	e.nextCarID++
	c := &Car{
		id:      e.nextCarID,
		agentID: fmt.Sprintf("%s-%d", lowerTeam(team), slot),
		team:    team,
		slot:    slot,
	}
	c.st = spawnState(team, kickoffSpots[slot])
	e.cars = append(e.cars, c)
	return c
}

func lowerTeam(t state.Team) string {
	if t == state.Orange {
		return "orange"
	}
	return "blue"
}

// spawnState faces the car toward the opposing goal. Orange spots are the
// blue spot mirrored through the origin.
func spawnState(team state.Team, spot r3.Vec) CarState {
	rot := state.IdentityBasis()
	if team == state.Orange {
		spot = r3.Vec{X: -spot.X, Y: -spot.Y, Z: spot.Z}
		rot.Forward = r3.Vec{Y: -1}
		rot.Right = r3.Vec{X: 1}
	}
	return CarState{
		Pos:      spot,
		Rot:      rot,
		Boost:    SpawnBoost,
		OnGround: true,
	}
}

func (e *Engine) Ball() *Ball  { return e.ball }
func (e *Engine) Pads() []*Pad { return e.pads }
func (e *Engine) Cars() []*Car { return e.cars }

// LastTouchTick is the physics tick of the most recent car-ball contact.
func (e *Engine) LastTouchTick() uint64 { return e.lastTouchTick }

// GoalScored reports whether the ball crossed a goal line during the last step
// and which team scored.
func (e *Engine) GoalScored() (state.Team, bool) { return e.goalFor, e.goal }

// Step advances TickSkip physics ticks with the same action applied each tick.
// Missing actions default to the zero action.
func (e *Engine) Step(actions map[string]state.Action) {
	for i := 0; i < e.cfg.TickSkip; i++ {
		e.physicsTick(actions)
		if e.goal {
			return
		}
	}
}

func (e *Engine) physicsTick(actions map[string]state.Action) {
	e.tick++
	dt := e.dt

	for _, p := range e.pads {
		if p.st.Cooldown > 0 {
			p.st.Cooldown = math.Max(0, p.st.Cooldown-dt)
		}
	}

	for _, c := range e.cars {
		if c.st.DemoRespawnTimer > 0 {
			c.st.DemoRespawnTimer -= dt
			if c.st.DemoRespawnTimer <= 0 {
				c.st = spawnState(c.team, respawnSpots[c.slot%len(respawnSpots)])
			}
			continue
		}
		c.integrate(actions[c.agentID], dt)
		e.pickupPads(c)
	}

	e.demolitions()
	e.ballTouches()
	e.integrateBall(dt)
}

func (c *Car) integrate(a state.Action, dt float64) {
	st := &c.st

	if st.OnGround {
		if steer := clamp(a[state.ActSteer], -1, 1); steer != 0 {
			yaw := -steer * TurnRate * dt
			st.Rot.Forward = rotateZ(st.Rot.Forward, yaw)
			st.Rot.Right = rotateZ(st.Rot.Right, yaw)
			st.AngVel = r3.Vec{Z: yaw / dt}
		} else {
			st.AngVel = r3.Vec{}
		}
		throttle := clamp(a[state.ActThrottle], -1, 1)
		st.Vel = r3.Add(st.Vel, r3.Scale(throttle*ThrottleAccel*dt, st.Rot.Forward))
		if a[state.ActJump] > 0 && !st.HasJumped {
			st.Vel.Z += JumpImpulse
			st.OnGround = false
			st.HasJumped = true
		}
	} else {
		if a[state.ActJump] > 0 && st.HasJumped && !st.HasDoubleJumped && !st.HasFlipped {
			dodge := math.Abs(a[state.ActPitch]) + math.Abs(a[state.ActYaw]) + math.Abs(a[state.ActRoll])
			if dodge > 0.5 {
				st.HasFlipped = true
				st.Vel = r3.Add(st.Vel, r3.Scale(FlipImpulse, st.Rot.Forward))
			} else {
				st.HasDoubleJumped = true
				st.Vel.Z += JumpImpulse
			}
		}
		st.Vel.Z -= Gravity * dt
	}

	if a[state.ActBoost] > 0 && st.Boost > 0 {
		st.Vel = r3.Add(st.Vel, r3.Scale(BoostAccel*dt, st.Rot.Forward))
		st.Boost = math.Max(0, st.Boost-BoostUsePerSec*dt)
	}

	if speed := r3.Norm(st.Vel); speed > MaxCarSpeed {
		st.Vel = r3.Scale(MaxCarSpeed/speed, st.Vel)
	}

	st.Pos = r3.Add(st.Pos, r3.Scale(dt, st.Vel))
	if st.Pos.Z <= CarRestZ {
		st.Pos.Z = CarRestZ
		if st.Vel.Z < 0 {
			st.Vel.Z = 0
		}
		st.OnGround = true
		st.HasJumped = false
		st.HasDoubleJumped = false
		st.HasFlipped = false
	}
	st.Pos.X, st.Vel.X = bound(st.Pos.X, st.Vel.X, SideWallX)
	st.Pos.Y, st.Vel.Y = bound(st.Pos.Y, st.Vel.Y, BackWallY)
	st.Pos.Z, st.Vel.Z = bound(st.Pos.Z, st.Vel.Z, CeilingZ)
}

func (e *Engine) pickupPads(c *Car) {
	if c.st.Boost >= 100 {
		return
	}
	for _, p := range e.pads {
		if p.st.Cooldown > 0 {
			continue
		}
		r := SmallPadRadius
		if p.large {
			r = LargePadRadius
		}
		dx, dy := c.st.Pos.X-p.pos.X, c.st.Pos.Y-p.pos.Y
		if dx*dx+dy*dy > r*r || c.st.Pos.Z > 200 {
			continue
		}
		if p.large {
			c.st.Boost = math.Min(100, c.st.Boost+e.cfg.LargePadBoost)
			p.st.Cooldown = LargePadCooldown
		} else {
			c.st.Boost = math.Min(100, c.st.Boost+e.cfg.SmallPadBoost)
			p.st.Cooldown = SmallPadCooldown
		}
	}
}

// demolitions bumps opposing cars; a supersonic attacker demolishes the victim.
func (e *Engine) demolitions() {
	for _, a := range e.cars {
		if a.st.DemoRespawnTimer > 0 || r3.Norm(a.st.Vel) < SupersonicSpeed {
			continue
		}
		for _, v := range e.cars {
			if v == a || v.team == a.team || v.st.DemoRespawnTimer > 0 {
				continue
			}
			if r3.Norm(r3.Sub(a.st.Pos, v.st.Pos)) > CarHitRadius {
				continue
			}
			v.st.DemoRespawnTimer = DemoRespawnSecs
			v.st.Vel = r3.Vec{}
			v.st.AngVel = r3.Vec{}
		}
	}
}

func (e *Engine) ballTouches() {
	b := &e.ball.st
	for _, c := range e.cars {
		if c.st.DemoRespawnTimer > 0 {
			continue
		}
		d := r3.Sub(b.Pos, c.st.Pos)
		dist := r3.Norm(d)
		if dist > CarBallHitRadius || dist == 0 {
			continue
		}
		n := r3.Scale(1/dist, d)
		closing := r3.Dot(r3.Sub(c.st.Vel, b.Vel), n)
		if closing <= 0 {
			continue
		}
		b.Vel = r3.Add(b.Vel, r3.Scale(1.5*closing+200, n))
		e.lastTouchTick = e.tick
	}
}

func (e *Engine) integrateBall(dt float64) {
	b := &e.ball.st
	b.Vel.Z -= Gravity * dt
	if speed := r3.Norm(b.Vel); speed > MaxBallSpeed {
		b.Vel = r3.Scale(MaxBallSpeed/speed, b.Vel)
	}
	b.Pos = r3.Add(b.Pos, r3.Scale(dt, b.Vel))

	inMouth := inGoalMouth(b.Pos)
	if inMouth && math.Abs(b.Pos.Y) > GoalLineY {
		e.goal = true
		e.goalFor = state.Blue
		if b.Pos.Y < 0 {
			e.goalFor = state.Orange
		}
		return
	}

	if b.Pos.Z < BallRadius {
		b.Pos.Z = BallRadius
		b.Vel.Z = -b.Vel.Z * BallRestitution
	}
	b.Pos.X, b.Vel.X = bounce(b.Pos.X, b.Vel.X, SideWallX-BallRadius)
	if !inMouth {
		b.Pos.Y, b.Vel.Y = bounce(b.Pos.Y, b.Vel.Y, BackWallY-BallRadius)
	}
	b.Pos.Z, b.Vel.Z = bounce(b.Pos.Z, b.Vel.Z, CeilingZ-BallRadius)
}

// inGoalMouth reports whether the ball fits through a goal opening, where the
// back wall does not reflect it.
func inGoalMouth(p r3.Vec) bool {
	return math.Abs(p.X) < GoalHalfW-BallRadius && p.Z < GoalHeight-BallRadius
}

// Materialize returns a fresh entity catalog reflecting the current handles.
// Cars keep engine enumeration order; pads keep layout order.
func (e *Engine) Materialize() *state.GameState {
	gs := &state.GameState{
		Tick: e.tick,
		Ball: state.BallState{
			Pos:    e.ball.st.Pos,
			Vel:    e.ball.st.Vel,
			AngVel: e.ball.st.AngVel,
		},
		Cars: make([]state.Car, 0, len(e.cars)),
		Pads: make([]state.BoostPad, 0, len(e.pads)),
	}
	for _, c := range e.cars {
		st := c.st
		gs.Cars = append(gs.Cars, state.Car{
			AgentID:          c.agentID,
			CarID:            c.id,
			Team:             c.team,
			Pos:              st.Pos,
			Rot:              st.Rot,
			Vel:              st.Vel,
			AngVel:           st.AngVel,
			Boost:            st.Boost,
			OnGround:         st.OnGround,
			HasJumped:        st.HasJumped,
			HasDoubleJumped:  st.HasDoubleJumped,
			HasFlipped:       st.HasFlipped,
			DemoRespawnTimer: math.Max(0, st.DemoRespawnTimer),
		})
	}
	for _, p := range e.pads {
		gs.Pads = append(gs.Pads, state.BoostPad{Pos: p.pos, Cooldown: p.st.Cooldown})
	}
	return gs
}

func rotateZ(v r3.Vec, a float64) r3.Vec {
	s, c := math.Sincos(a)
	return r3.Vec{X: v.X*c - v.Y*s, Y: v.X*s + v.Y*c, Z: v.Z}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// bound stops motion at +-limit.
func bound(pos, vel, limit float64) (float64, float64) {
	if pos > limit {
		return limit, math.Min(vel, 0)
	}
	if pos < -limit {
		return -limit, math.Max(vel, 0)
	}
	return pos, vel
}

func bounce(pos, vel, limit float64) (float64, float64) {
	if pos > limit {
		return limit, -math.Abs(vel) * BallRestitution
	}
	if pos < -limit {
		return -limit, math.Abs(vel) * BallRestitution
	}
	return pos, vel
}
