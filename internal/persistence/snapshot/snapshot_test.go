package snapshot

import (
	"path/filepath"
	"reflect"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"carball.ai/internal/sim/state"
	"carball.ai/internal/sim/tuning"
)

func TestWriteRead_PreservesEncoderBookkeeping(t *testing.T) {
	snap := SnapshotV1{
		Header: Header{Version: 1, EpisodeID: "ep-1", Tick: 960, Step: 120},
		Tuning: tuning.Defaults(),
		State: state.GameState{
			Tick: 960,
			Ball: state.BallState{Pos: r3.Vec{X: 1, Y: 2, Z: 93}},
			Cars: []state.Car{{AgentID: "blue-0", CarID: 1, Rot: state.IdentityBasis(), Boost: 42, DemoRespawnTimer: 1.5}},
			Pads: []state.BoostPad{{Pos: r3.Vec{Z: 73}, Cooldown: 7}},
		},
		BoostTimers:     []float64{0.6},
		DemoTimers:      []float64{0.2, 0, 0, 0, 0, 0},
		PreviousActions: map[string]state.Action{"blue-0": {1, 0, 0, 0, 0, 0, 1, 0}},
		EndReason:       "TIMEOUT",
	}
	dir := t.TempDir()
	path := Path(dir, snap)
	if filepath.Dir(path) != filepath.Join(dir, "ep-1") {
		t.Fatalf("path: %s", path)
	}
	if err := WriteSnapshot(path, snap); err != nil {
		t.Fatalf("write: %v", err)
	}

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if h != snap.Header {
		t.Fatalf("header: got %+v want %+v", h, snap.Header)
	}

	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !reflect.DeepEqual(got, snap) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, snap)
	}
	if got.State.Digest() != snap.State.Digest() {
		t.Fatalf("state digest changed")
	}
}
