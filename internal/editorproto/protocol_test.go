package editorproto

import (
	"encoding/json"
	"strings"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"carball.ai/internal/sim/state"
)

func TestDecodeStateSet_ValidatesPayload(t *testing.T) {
	gs := &state.GameState{
		Tick: 42,
		Ball: state.BallState{Pos: r3.Vec{Z: 93}},
		Cars: []state.Car{{AgentID: "blue-0", CarID: 1, Rot: state.IdentityBasis(), Boost: 50}},
		Pads: []state.BoostPad{{Pos: r3.Vec{Z: 70}, Cooldown: 2}},
	}
	raw, err := json.Marshal(StateSetFrom(gs))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	m, err := DecodeStateSet(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(m.Cars) != 1 || m.Cars[0].ID != 1 || m.Cars[0].Boost != 50 {
		t.Fatalf("cars: %+v", m.Cars)
	}
	if m.Cars[0].RotMat.Basis() != state.IdentityBasis() {
		t.Fatalf("rot: %+v", m.Cars[0].RotMat)
	}

	bad := []string{
		`{"type":"STATE_SET","protocol_version":"0.1","pad_cooldowns":[],"ball":{"pos":[0,0],"rot_mat":[[1,0,0],[0,1,0],[0,0,1]],"vel":[0,0,0],"ang_vel":[0,0,0]},"cars":[]}`,
		`{"type":"STATE_SET","protocol_version":"0.1","pad_cooldowns":[-1],"ball":{"pos":[0,0,0],"rot_mat":[[1,0,0],[0,1,0],[0,0,1]],"vel":[0,0,0],"ang_vel":[0,0,0]},"cars":[]}`,
		`{"type":"TICK","protocol_version":"0.1","pad_cooldowns":[],"ball":{"pos":[0,0,0],"rot_mat":[[1,0,0],[0,1,0],[0,0,1]],"vel":[0,0,0],"ang_vel":[0,0,0]},"cars":[]}`,
		`{"type":"STATE_SET","protocol_version":"0.1","pad_cooldowns":[],"ball":{"pos":[0,0,0],"rot_mat":[[1,0,0],[0,1,0],[0,0,1]],"vel":[0,0,0],"ang_vel":[0,0,0]},"cars":[{"id":1,"pos":[0,0,0],"rot_mat":[[1,0,0],[0,1,0],[0,0,1]],"vel":[0,0,0],"ang_vel":[0,0,0],"boost":150}]}`,
		`not json`,
	}
	for i, s := range bad {
		if _, err := DecodeStateSet([]byte(s)); err == nil {
			t.Fatalf("case %d: expected error", i)
		} else if !strings.HasPrefix(err.Error(), "state_set:") {
			t.Fatalf("case %d: unwrapped error %v", i, err)
		}
	}
}

func TestNewTick_CarsCarryIdentity(t *testing.T) {
	gs := &state.GameState{
		Tick: 7,
		Cars: []state.Car{
			{AgentID: "blue-0", CarID: 1, Team: state.Blue, OnGround: true},
			{AgentID: "orange-0", CarID: 2, Team: state.Orange},
		},
	}
	tm := NewTick("ep", gs, true)
	if tm.Type != TypeTick || tm.Tick != 7 || !tm.Edited || tm.EpisodeID != "ep" {
		t.Fatalf("header: %+v", tm)
	}
	if tm.Cars[1].AgentID != "orange-0" || tm.Cars[1].Team != "ORANGE" || tm.Cars[1].ID != 2 {
		t.Fatalf("car: %+v", tm.Cars[1])
	}
	if !tm.Cars[0].OnGround {
		t.Fatalf("on_ground lost")
	}
}
