package tuning

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "tuning.yaml")
	if err := os.WriteFile(p, []byte("tick_skip: 1\nnorm:\n  position: 1000\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tn, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tn.TickSkip != 1 {
		t.Fatalf("tick_skip: got %d", tn.TickSkip)
	}
	if tn.Norm.Position != 1000 || tn.Norm.Velocity != 2300 {
		t.Fatalf("norm: %+v", tn.Norm)
	}
	if tn.MaxPlayers != 6 {
		t.Fatalf("max_players default lost: %d", tn.MaxPlayers)
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "tuning.yaml")
	if err := os.WriteFile(p, []byte("max_players: 0\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(p); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestLoad_ShippedConfigMatchesDefaults(t *testing.T) {
	tn, err := Load(filepath.Join("..", "..", "..", "configs", "tuning.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	d := Defaults()
	if tn.MaxPlayers != d.MaxPlayers || tn.TickSkip != d.TickSkip || tn.Norm != d.Norm || tn.Pads != d.Pads {
		t.Fatalf("shipped tuning drifted from defaults: %+v", tn)
	}
	if diff := tn.StepDecay() - d.StepDecay(); diff > 1e-12 || diff < -1e-12 {
		t.Fatalf("step decay: got %v want %v", tn.StepDecay(), d.StepDecay())
	}
}

func TestDigest_ChangesWithValues(t *testing.T) {
	a := Defaults()
	b := Defaults()
	if a.Digest() != b.Digest() {
		t.Fatalf("digest not deterministic")
	}
	b.Norm.AngVelocity = 6
	if a.Digest() == b.Digest() {
		t.Fatalf("digest ignores norm change")
	}
}
