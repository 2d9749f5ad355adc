package match

import (
	"os"
	"path/filepath"
	"testing"

	"carball.ai/internal/sim/tuning"
)

func TestLoad_MatchYAML(t *testing.T) {
	cfg, err := Load("../../../configs/match.yaml")
	if err != nil {
		t.Fatalf("load match.yaml: %v", err)
	}
	if cfg != Defaults() {
		t.Fatalf("shipped match.yaml drifted from Defaults(): %+v", cfg)
	}
	blue, orange := cfg.Teams()
	if blue != 3 || orange != 3 {
		t.Fatalf("teams: %d v %d", blue, orange)
	}
	if err := cfg.CheckTuning(tuning.Defaults()); err != nil {
		t.Fatalf("check tuning: %v", err)
	}
}

func TestTiming_RenderModeKeepsTicksPerStep(t *testing.T) {
	tn := tuning.Defaults()
	cfg := Defaults()

	train := cfg.Timing(tn)
	if train.TickSkip != 8 || train.StepRepeat != 1 {
		t.Fatalf("train timing: %+v", train)
	}
	cfg.Render = true
	render := cfg.Timing(tn)
	if render.TickSkip != 1 || render.StepRepeat != 8 {
		t.Fatalf("render timing: %+v", render)
	}
	if render.TicksPerStep() != train.TicksPerStep() {
		t.Fatalf("ticks per step differ: %d vs %d", render.TicksPerStep(), train.TicksPerStep())
	}

	timeout, noTouch := cfg.MaxSteps(tn)
	if timeout != 4500 || noTouch != 450 {
		t.Fatalf("max steps: timeout=%d no_touch=%d", timeout, noTouch)
	}
}

func TestLoad_RejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"team":    "team_size: 9\n",
		"timeout": "timeout_seconds: 10\nno_touch_timeout_seconds: 20\n",
	}
	for name, body := range cases {
		p := filepath.Join(dir, name+".yaml")
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(p); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	cfg := Defaults()
	cfg.SpawnOpponents = true
	tn := tuning.Defaults()
	tn.MaxPlayers = 4
	if err := cfg.CheckTuning(tn); err == nil {
		t.Fatalf("expected 3v3 to overflow 4 slots")
	}
	cfg.SpawnOpponents = false
	if err := cfg.CheckTuning(tn); err != nil {
		t.Fatalf("3v0 should fit: %v", err)
	}
}
