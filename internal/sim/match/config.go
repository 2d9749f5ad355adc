package match

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"carball.ai/internal/sim/tuning"
)

// Config describes how episodes are run. Observation shapes live in tuning.
type Config struct {
	// TeamSize cars per side. Opponents are only spawned when SpawnOpponents is set.
	TeamSize       int  `yaml:"team_size"`
	SpawnOpponents bool `yaml:"spawn_opponents"`

	TimeoutSeconds        float64 `yaml:"timeout_seconds"`
	NoTouchTimeoutSeconds float64 `yaml:"no_touch_timeout_seconds"`

	// Render paces steps at wall-clock speed and streams every physics tick to
	// editors instead of every step.
	Render bool `yaml:"render"`

	// Episodes stops the runner after this many episodes. 0 runs forever.
	Episodes int `yaml:"episodes"`

	// ActionWaitMs bounds how long a step waits for connected agents' ACTs
	// when not rendering. 0 steps as soon as every attached agent has acted.
	ActionWaitMs int `yaml:"action_wait_ms"`
}

// Timing is the engine pacing for one encoded step.
type Timing struct {
	// TickSkip physics ticks per engine step.
	TickSkip int
	// StepRepeat engine steps per encoded step.
	StepRepeat int
}

// TicksPerStep is the number of physics ticks between two observations.
func (t Timing) TicksPerStep() int { return t.TickSkip * t.StepRepeat }

func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("match.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("match.yaml: %w", err)
	}
	return cfg, nil
}

func Defaults() Config {
	return Config{
		TeamSize:              3,
		SpawnOpponents:        true,
		TimeoutSeconds:        300,
		NoTouchTimeoutSeconds: 30,
		ActionWaitMs:          250,
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 300
	}
	if c.NoTouchTimeoutSeconds <= 0 {
		c.NoTouchTimeoutSeconds = 30
	}
	if c.ActionWaitMs < 0 {
		c.ActionWaitMs = 0
	}
}

func (c Config) Validate() error {
	if c.TeamSize <= 0 || c.TeamSize > 5 {
		return fmt.Errorf("team_size must be in [1, 5]")
	}
	if c.NoTouchTimeoutSeconds > c.TimeoutSeconds {
		return fmt.Errorf("no_touch_timeout_seconds must not exceed timeout_seconds")
	}
	if c.Episodes < 0 {
		return fmt.Errorf("episodes must be >= 0")
	}
	return nil
}

// Teams returns the blue and orange car counts.
func (c Config) Teams() (blue, orange int) {
	if c.SpawnOpponents {
		return c.TeamSize, c.TeamSize
	}
	return c.TeamSize, 0
}

// CheckTuning reports whether the match fits the observation layout.
func (c Config) CheckTuning(t tuning.Tuning) error {
	blue, orange := c.Teams()
	if blue+orange > t.MaxPlayers {
		return fmt.Errorf("match needs %d agent slots, tuning max_players=%d", blue+orange, t.MaxPlayers)
	}
	return nil
}

// Timing splits the tuning's ticks per step between the engine and the
// runner. Rendering steps the engine one tick at a time.
func (c Config) Timing(t tuning.Tuning) Timing {
	if c.Render {
		return Timing{TickSkip: 1, StepRepeat: t.TickSkip}
	}
	return Timing{TickSkip: t.TickSkip, StepRepeat: 1}
}

// MaxSteps converts the timeouts into encoded steps.
func (c Config) MaxSteps(t tuning.Tuning) (timeout, noTouch uint64) {
	stepsPerSec := float64(t.TickRateHz) / float64(t.TickSkip)
	return uint64(c.TimeoutSeconds * stepsPerSec), uint64(c.NoTouchTimeoutSeconds * stepsPerSec)
}
