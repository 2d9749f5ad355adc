package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gonum.org/v1/gonum/mat"

	"carball.ai/internal/obs"
	"carball.ai/internal/protocol"
	"carball.ai/internal/sim/state"
)

func compile(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	p := filepath.Join("..", "..", "schemas", name)
	s, err := jsonschema.Compile(p)
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return s
}

// validate round-trips v through JSON so the schema sees wire values.
func validate(t *testing.T, s *jsonschema.Schema, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := s.Validate(doc); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestSchemas_ValidateSamples(t *testing.T) {
	validate(t, compile(t, "hello.schema.json"), protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		AgentID:         "blue-0",
		AgentName:       "bot1",
		Capabilities:    protocol.HelloCapabilities{MaxQueue: 8},
	})

	validate(t, compile(t, "welcome.schema.json"), protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		AgentID:         "orange-1",
		Team:            state.Orange.String(),
		EpisodeID:       "0b6f3c1e-6d5a-4a7e-9c43-5b1b1b8f2a10",
		Params: protocol.MatchParams{
			TickRateHz:  120,
			TickSkip:    8,
			MaxPlayers:  6,
			NumPads:     34,
			NumFeatures: obs.NumFeatures,
			SelfWidth:   obs.SelfWidth,
			ActionSize:  state.ActionSize,
		},
	})

	o := obs.Observation{
		Self:    mat.NewVecDense(obs.SelfWidth, nil),
		Context: mat.NewDense(3, obs.NumFeatures, nil),
		Mask:    []bool{true, false, true},
	}
	msg := protocol.NewObsMsg(16, "ep", "blue-0", o, true)
	if len(msg.Self) != 1 || len(msg.Self[0]) != obs.SelfWidth || len(msg.Context) != 3 {
		t.Fatalf("obs shape: self=%d context=%d", len(msg.Self), len(msg.Context))
	}
	validate(t, compile(t, "obs.schema.json"), msg)

	validate(t, compile(t, "act.schema.json"), protocol.ActMsg{
		Type:            protocol.TypeAct,
		ProtocolVersion: protocol.Version,
		Tick:            16,
		AgentID:         "blue-0",
		Action:          state.Action{1, -0.25, 0, 0, 0, 1, 1, 0},
	})

	validate(t, compile(t, "episode_end.schema.json"), protocol.EpisodeEndMsg{
		Type:            protocol.TypeEpisodeEnd,
		ProtocolVersion: protocol.Version,
		EpisodeID:       "ep",
		Tick:            960,
		Reason:          protocol.EndGoal,
		Scorer:          state.Blue.String(),
	})
}

func TestSchemas_RejectBadAct(t *testing.T) {
	s := compile(t, "act.schema.json")
	var doc any
	_ = json.Unmarshal([]byte(`{"type":"ACT","protocol_version":"1.0","tick":0,"action":[1,0,0]}`), &doc)
	if err := s.Validate(doc); err == nil {
		t.Fatalf("expected short action rejected")
	}
}
