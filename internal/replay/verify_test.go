package replay

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/require"

	"carball.ai/internal/editorproto"
	"carball.ai/internal/runner"
	"carball.ai/internal/sim/match"
	"carball.ai/internal/sim/state"
	"carball.ai/internal/sim/tuning"
)

// diskLog stores records the way they come back from the JSONL log.
type diskLog struct {
	t    *testing.T
	recs []runner.StepRecord
}

func (l *diskLog) WriteStep(rec runner.StepRecord) error {
	b, err := json.Marshal(rec)
	require.NoError(l.t, err)
	var back runner.StepRecord
	require.NoError(l.t, json.Unmarshal(b, &back))
	l.recs = append(l.recs, back)
	return nil
}

func recordRun(t *testing.T) []runner.StepRecord {
	t.Helper()
	mc := match.Defaults()
	mc.TeamSize = 2
	r, err := runner.New(runner.Config{Tuning: tuning.Defaults(), Match: mc}, log.New(io.Discard, "", 0))
	require.NoError(t, err)
	l := &diskLog{t: t}
	r.SetStepLogger(l)

	f, err := r.Begin()
	require.NoError(t, err)
	for i := 0; i < 40; i++ {
		acts := map[string]state.Action{}
		for j, id := range f.State.AgentIDs() {
			a := state.Action{}
			a[state.ActThrottle] = 1
			a[state.ActSteer] = float64((i+j)%3) - 1
			a[state.ActBoost] = float64(i % 2)
			acts[id] = a
		}
		if i == 20 {
			edit := editorproto.StateSetFrom(f.State)
			edit.Ball.Pos = editorproto.Vec{300, -200, 400}
			edit.PadCooldowns[0] = 4
			edit.Cars[0].DemoRespawnTimer = 2
			r.Edits().Put(edit)
		}
		f, err = r.Advance(acts)
		require.NoError(t, err)
		if f.End != nil {
			f, err = r.Begin()
			require.NoError(t, err)
		}
	}
	return l.recs
}

func TestVerifier_ReproducesRecordedRun(t *testing.T) {
	recs := recordRun(t)
	edited := 0
	for _, rec := range recs {
		if rec.Edited {
			edited++
		}
	}
	require.Equal(t, 1, edited)

	v := NewVerifier(tuning.Defaults())
	for _, rec := range recs {
		require.NoError(t, v.Check(rec))
	}
	require.Equal(t, uint64(len(recs)), v.Checked)
	require.GreaterOrEqual(t, v.Episodes, 1)
}

func TestVerifier_DetectsTamperedActions(t *testing.T) {
	recs := recordRun(t)
	v := NewVerifier(tuning.Defaults())
	for i, rec := range recs {
		if i == 5 {
			for id := range rec.PrevActions {
				a := rec.PrevActions[id]
				a[state.ActHandbrake] = 1
				rec.PrevActions[id] = a
			}
			err := v.Check(rec)
			require.True(t, errors.Is(err, ErrDigestMismatch), "got %v", err)
			return
		}
		require.NoError(t, v.Check(rec))
	}
	t.Fatal("run too short")
}

func TestVerifier_RequiresResetFirst(t *testing.T) {
	recs := recordRun(t)
	v := NewVerifier(tuning.Defaults())
	require.Error(t, v.Check(recs[1]))
}

func TestVerifier_DetectsStateTampering(t *testing.T) {
	recs := recordRun(t)
	rec := recs[0]
	rec.State.Ball.Pos.Z += 1
	err := NewVerifier(tuning.Defaults()).Check(rec)
	require.ErrorIs(t, err, ErrDigestMismatch)
}
