package tuning

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	// MaxPlayers is the number of agent slots in every context tensor.
	MaxPlayers int `yaml:"max_players"`
	// TickRateHz is the physics tick rate; TickSkip physics ticks make one step.
	TickRateHz int `yaml:"tick_rate_hz"`
	TickSkip   int `yaml:"tick_skip"`

	Norm   Norm   `yaml:"norm"`
	Timers Timers `yaml:"timers"`
	Pads   Pads   `yaml:"pads"`

	// BoostPads overrides the standard pad layout when non-empty.
	BoostPads [][3]float64 `yaml:"boost_pads,omitempty"`
}

// Norm holds the divisor per field category.
type Norm struct {
	Position    float64 `yaml:"position"`
	Velocity    float64 `yaml:"velocity"`
	AngVelocity float64 `yaml:"ang_velocity"`
	Boost       float64 `yaml:"boost"`
}

// Timers are already normalized: 1.0 corresponds to ten seconds.
type Timers struct {
	SmallPadSeed float64 `yaml:"small_pad_seed"`
	LargePadSeed float64 `yaml:"large_pad_seed"`
	DemoSeed     float64 `yaml:"demo_seed"`
	// DecayPerTick is subtracted once per physics tick (times TickSkip per step).
	DecayPerTick float64 `yaml:"decay_per_tick"`
}

type Pads struct {
	LargeHeight float64 `yaml:"large_height"`
	SmallAmount float64 `yaml:"small_amount"`
	LargeAmount float64 `yaml:"large_amount"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion: "1.0",
		MaxPlayers:      6,
		TickRateHz:      120,
		TickSkip:        8,
		Norm: Norm{
			Position:    2300,
			Velocity:    2300,
			AngVelocity: 5.5,
			Boost:       100,
		},
		Timers: Timers{
			SmallPadSeed: 0.4,
			LargePadSeed: 1.0,
			DemoSeed:     0.3,
			DecayPerTick: 1.0 / 1200,
		},
		Pads: Pads{
			LargeHeight: 72,
			SmallAmount: 12,
			LargeAmount: 100,
		},
	}
}

// StepDecay is the timer decrement applied once per encoded step.
func (t Tuning) StepDecay() float64 {
	return float64(t.TickSkip) * t.Timers.DecayPerTick
}

// Digest identifies the values in effect (sha256 of canonical JSON).
func (t Tuning) Digest() string {
	b, _ := json.Marshal(t)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (t Tuning) Validate() error {
	if t.MaxPlayers <= 0 {
		return fmt.Errorf("max_players must be > 0")
	}
	if t.TickRateHz <= 0 || t.TickSkip <= 0 {
		return fmt.Errorf("tick_rate_hz and tick_skip must be > 0")
	}
	if t.Norm.Position <= 0 || t.Norm.Velocity <= 0 || t.Norm.AngVelocity <= 0 || t.Norm.Boost <= 0 {
		return fmt.Errorf("norm divisors must be > 0")
	}
	if t.Timers.DecayPerTick <= 0 {
		return fmt.Errorf("timers.decay_per_tick must be > 0")
	}
	if t.Timers.SmallPadSeed < 0 || t.Timers.LargePadSeed < 0 || t.Timers.DemoSeed < 0 {
		return fmt.Errorf("timer seeds must be >= 0")
	}
	return nil
}

// Load reads path over Defaults(); keys missing from the file keep their default.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}
