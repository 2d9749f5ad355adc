// Package replay re-encodes recorded steps and checks that the observation
// tensors are reproduced bit for bit.
package replay

import (
	"errors"
	"fmt"

	"carball.ai/internal/obs"
	"carball.ai/internal/runner"
	"carball.ai/internal/sim/arena"
	"carball.ai/internal/sim/tuning"
)

var ErrDigestMismatch = errors.New("replay: digest mismatch")

// Verifier holds one encoder and its episode state; records must be fed in
// the order they were written.
type Verifier struct {
	builder *obs.Builder
	episode *obs.EpisodeState

	episodeID string
	Checked   uint64
	Episodes  int
}

func NewVerifier(t tuning.Tuning) *Verifier {
	return &Verifier{
		builder: obs.NewBuilder(t, arena.PadLayout(t.BoostPads)),
		episode: obs.NewEpisodeState(),
	}
}

// Check re-encodes rec and compares state and observation digests.
func (v *Verifier) Check(rec runner.StepRecord) error {
	if rec.State == nil {
		return fmt.Errorf("replay: step %s/%d has no state", rec.EpisodeID, rec.Step)
	}
	if got := rec.State.Digest(); got != rec.StateDigest {
		return fmt.Errorf("%w: state at %s/%d: got=%s want=%s", ErrDigestMismatch, rec.EpisodeID, rec.Step, got, rec.StateDigest)
	}

	if rec.Reset || rec.EpisodeID != v.episodeID {
		if !rec.Reset {
			return fmt.Errorf("replay: episode %s does not start with a reset record", rec.EpisodeID)
		}
		if err := v.builder.Reset(v.episode, rec.State); err != nil {
			return fmt.Errorf("replay: reset %s: %w", rec.EpisodeID, err)
		}
		v.episodeID = rec.EpisodeID
		v.Episodes++
	}
	v.episode.SetPreviousActions(rec.PrevActions)

	out, err := v.builder.Encode(v.episode, rec.State, rec.State.AgentIDs())
	if err != nil {
		return fmt.Errorf("replay: encode %s/%d: %w", rec.EpisodeID, rec.Step, err)
	}
	if got := obs.Digest(out); got != rec.ObsDigest {
		return fmt.Errorf("%w: obs at %s/%d tick=%d edited=%v: got=%s want=%s",
			ErrDigestMismatch, rec.EpisodeID, rec.Step, rec.Tick, rec.Edited, got, rec.ObsDigest)
	}
	v.Checked++
	return nil
}
