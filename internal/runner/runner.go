package runner

import (
	"errors"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/google/uuid"

	"carball.ai/internal/obs"
	"carball.ai/internal/persistence/snapshot"
	"carball.ai/internal/protocol"
	"carball.ai/internal/sim/arena"
	"carball.ai/internal/sim/match"
	"carball.ai/internal/sim/state"
	"carball.ai/internal/sim/tuning"
	"carball.ai/internal/statesync"
)

type Config struct {
	Tuning tuning.Tuning
	Match  match.Config

	// SnapshotEverySteps emits a snapshot to the sink every N steps. 0 only
	// snapshots episode ends.
	SnapshotEverySteps uint64
}

// Frame is the result of one encoded step.
type Frame struct {
	EpisodeID string
	Step      uint64
	State     *state.GameState
	Obs       map[string]obs.Observation
	Edited    bool
	End       *EpisodeEnd
}

// Runner owns the engine, the encoder and the synchronizer for a sequence of
// episodes. Begin/Advance are synchronous; Run drives them from the network.
// All state must be accessed only from the goroutine calling them.
type Runner struct {
	cfg    Config
	timing match.Timing
	log    *log.Logger

	engine  *arena.Engine
	builder *obs.Builder
	episode *obs.EpisodeState
	edits   *statesync.Mailbox
	sync    *statesync.Synchronizer

	timeoutSteps uint64
	noTouchSteps uint64

	episodeID string
	step      uint64
	startTick uint64
	editCount int
	episodes  int
	frame     Frame

	tick  atomic.Uint64
	stats counters

	agents  map[string]*agentConn
	editors map[string]*editorConn

	inbox       chan ActionEnvelope
	join        chan JoinRequest
	leave       chan string
	editorJoin  chan EditorJoinRequest
	editorLeave chan string
	stop        chan struct{}

	// Optional sinks (may be nil). Implemented in internal/persistence/*.
	stepLogger   StepLogger
	editLogger   EditLogger
	index        Indexer
	snapshotSink chan<- snapshot.SnapshotV1
}

func New(cfg Config, logger *log.Logger) (*Runner, error) {
	if err := cfg.Tuning.Validate(); err != nil {
		return nil, fmt.Errorf("runner: %w", err)
	}
	if err := cfg.Match.Validate(); err != nil {
		return nil, fmt.Errorf("runner: %w", err)
	}
	if err := cfg.Match.CheckTuning(cfg.Tuning); err != nil {
		return nil, fmt.Errorf("runner: %w", err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[runner] ", log.LstdFlags)
	}

	pads := arena.PadLayout(cfg.Tuning.BoostPads)
	timing := cfg.Match.Timing(cfg.Tuning)
	engine := arena.New(arena.Config{
		TickRateHz:     cfg.Tuning.TickRateHz,
		TickSkip:       timing.TickSkip,
		Pads:           pads,
		LargePadHeight: cfg.Tuning.Pads.LargeHeight,
		SmallPadBoost:  cfg.Tuning.Pads.SmallAmount,
		LargePadBoost:  cfg.Tuning.Pads.LargeAmount,
	})
	builder := obs.NewBuilder(cfg.Tuning, pads)
	edits := &statesync.Mailbox{}
	timeout, noTouch := cfg.Match.MaxSteps(cfg.Tuning)

	return &Runner{
		cfg:          cfg,
		timing:       timing,
		log:          logger,
		engine:       engine,
		builder:      builder,
		episode:      obs.NewEpisodeState(),
		edits:        edits,
		sync:         statesync.New(engine, builder, edits),
		timeoutSteps: timeout,
		noTouchSteps: noTouch,
		agents:       map[string]*agentConn{},
		editors:      map[string]*editorConn{},
		inbox:        make(chan ActionEnvelope, 1024),
		join:         make(chan JoinRequest, 64),
		leave:        make(chan string, 64),
		editorJoin:   make(chan EditorJoinRequest, 16),
		editorLeave:  make(chan string, 16),
		stop:         make(chan struct{}),
	}, nil
}

func (r *Runner) SetStepLogger(l StepLogger)                    { r.stepLogger = l }
func (r *Runner) SetEditLogger(l EditLogger)                    { r.editLogger = l }
func (r *Runner) SetIndexer(ix Indexer)                         { r.index = ix }
func (r *Runner) SetSnapshotSink(ch chan<- snapshot.SnapshotV1) { r.snapshotSink = ch }

// Edits is the pending-edit slot fed by the editor transport.
func (r *Runner) Edits() *statesync.Mailbox { return r.edits }

func (r *Runner) Inbox() chan<- ActionEnvelope         { return r.inbox }
func (r *Runner) Join() chan<- JoinRequest             { return r.join }
func (r *Runner) Leave() chan<- string                 { return r.leave }
func (r *Runner) EditorJoin() chan<- EditorJoinRequest { return r.editorJoin }
func (r *Runner) EditorLeave() chan<- string           { return r.editorLeave }
func (r *Runner) Timing() match.Timing                 { return r.timing }
func (r *Runner) Tuning() tuning.Tuning                { return r.cfg.Tuning }
func (r *Runner) Episodes() int                        { return r.episodes }

// Params describes the observation and action shapes sent in WELCOME.
func (r *Runner) Params() protocol.MatchParams {
	return protocol.MatchParams{
		TickRateHz:   r.cfg.Tuning.TickRateHz,
		TickSkip:     r.cfg.Tuning.TickSkip,
		MaxPlayers:   r.builder.MaxPlayers(),
		NumPads:      r.builder.NumPads(),
		NumFeatures:  obs.NumFeatures,
		SelfWidth:    obs.SelfWidth,
		ActionSize:   state.ActionSize,
		TuningDigest: r.cfg.Tuning.Digest(),
	}
}

// Begin resets the engine and the encoder for a new episode and returns its
// first frame.
func (r *Runner) Begin() (Frame, error) {
	blue, orange := r.cfg.Match.Teams()
	if err := r.engine.Reset(blue, orange); err != nil {
		return Frame{}, err
	}
	gs := r.engine.Materialize()
	if err := r.builder.Reset(r.episode, gs); err != nil {
		return Frame{}, fmt.Errorf("runner: reset: %w", err)
	}
	r.episodeID = uuid.NewString()
	r.step = 0
	r.startTick = gs.Tick
	r.editCount = 0

	out, err := r.builder.Encode(r.episode, gs, gs.AgentIDs())
	if err != nil {
		return Frame{}, fmt.Errorf("runner: encode: %w", err)
	}
	r.log.Printf("episode %s start tick=%d blue=%d orange=%d", r.episodeID, gs.Tick, blue, orange)
	r.record(gs, out, true, false, nil)
	return r.finish(gs, out, nil)
}

// Advance applies actions (missing agents get the zero action), steps the
// engine and returns the next frame. The frame's End is set when the episode
// terminated or was truncated; the next call must then be Begin.
func (r *Runner) Advance(actions map[string]state.Action) (Frame, error) {
	if r.episodeID == "" || r.frame.End != nil {
		return Frame{}, errors.New("runner: no active episode")
	}
	applied := make(map[string]state.Action, len(r.frame.State.Cars))
	for _, id := range r.frame.State.AgentIDs() {
		applied[id] = actions[id]
	}

	for i := 0; i < r.timing.StepRepeat; i++ {
		r.engine.Step(applied)
		if r.cfg.Match.Render && i < r.timing.StepRepeat-1 {
			r.broadcastEditors(r.engine.Materialize(), false)
		}
		if _, goal := r.engine.GoalScored(); goal {
			break
		}
	}
	r.episode.SetPreviousActions(applied)
	r.step++

	gs := r.engine.Materialize()
	out, err := r.builder.Encode(r.episode, gs, gs.AgentIDs())
	if err != nil {
		return Frame{}, fmt.Errorf("runner: encode: %w", err)
	}
	end := r.checkEnd(gs)
	r.record(gs, out, false, false, end)
	return r.finish(gs, out, end)
}

// finish polls the synchronizer. An applied edit replaces the frame's state
// and observations.
func (r *Runner) finish(gs *state.GameState, out map[string]obs.Observation, end *EpisodeEnd) (Frame, error) {
	f := Frame{EpisodeID: r.episodeID, Step: r.step, State: gs, Obs: out, End: end}
	if end == nil {
		applied, ok, err := r.sync.Sync(r.episode)
		switch {
		case errors.Is(err, statesync.ErrEditShape):
			r.log.Printf("edit rejected: %v", err)
			r.stats.editsRejected.Add(1)
			r.logEdit(EditRecord{EpisodeID: r.episodeID, Tick: gs.Tick, Error: err.Error()})
			r.broadcastEditorError(protocol.ErrEditShape, err.Error())
		case err != nil:
			return Frame{}, err
		case ok:
			r.editCount++
			r.stats.editsApplied.Add(1)
			r.logEdit(EditRecord{EpisodeID: r.episodeID, Tick: gs.Tick, Applied: true, Edit: applied.Edit})
			f.State, f.Obs, f.Edited = applied.State, applied.Obs, true
			r.record(applied.State, applied.Obs, false, true, nil)
		}
	}
	r.frame = f
	r.tick.Store(f.State.Tick)

	if end != nil {
		r.episodes++
		r.stats.episodes.Add(1)
		r.log.Printf("episode %s end step=%d reason=%s %s", r.episodeID, r.step, end.Reason, end.Scorer)
		if r.index != nil {
			blue, orange := r.cfg.Match.Teams()
			r.index.RecordEpisode(EpisodeRecord{
				EpisodeID: r.episodeID,
				Blue:      blue,
				Orange:    orange,
				StartTick: r.startTick,
				EndTick:   f.State.Tick,
				Steps:     r.step,
				Edits:     r.editCount,
				Reason:    end.Reason,
				Scorer:    end.Scorer,
			})
		}
	}
	if end != nil || (r.cfg.SnapshotEverySteps > 0 && r.step > 0 && r.step%r.cfg.SnapshotEverySteps == 0) {
		r.emitSnapshot(f)
	}
	return f, nil
}

func (r *Runner) checkEnd(gs *state.GameState) *EpisodeEnd {
	if team, goal := r.engine.GoalScored(); goal {
		return &EpisodeEnd{Reason: protocol.EndGoal, Scorer: team.String()}
	}
	if r.step >= r.timeoutSteps {
		return &EpisodeEnd{Reason: protocol.EndTimeout}
	}
	sinceTouch := (gs.Tick - r.engine.LastTouchTick()) / uint64(r.timing.TicksPerStep())
	if sinceTouch >= r.noTouchSteps {
		return &EpisodeEnd{Reason: protocol.EndNoTouch}
	}
	return nil
}

func (r *Runner) record(gs *state.GameState, out map[string]obs.Observation, reset, edited bool, end *EpisodeEnd) {
	if r.stepLogger == nil && r.index == nil {
		return
	}
	rec := StepRecord{
		EpisodeID:   r.episodeID,
		Step:        r.step,
		Tick:        gs.Tick,
		Reset:       reset,
		Edited:      edited,
		State:       gs,
		PrevActions: copyActions(r.episode.PreviousActions),
		StateDigest: gs.Digest(),
		ObsDigest:   obs.Digest(out),
		End:         end,
	}
	if r.stepLogger != nil {
		if err := r.stepLogger.WriteStep(rec); err != nil {
			r.log.Printf("step log: %v", err)
		}
	}
	if r.index != nil {
		_ = r.index.WriteStep(rec)
	}
}

func (r *Runner) logEdit(rec EditRecord) {
	if r.editLogger != nil {
		if err := r.editLogger.WriteEdit(rec); err != nil {
			r.log.Printf("edit log: %v", err)
		}
	}
	if r.index != nil {
		_ = r.index.WriteEdit(rec)
	}
}

func (r *Runner) emitSnapshot(f Frame) {
	if r.snapshotSink == nil {
		return
	}
	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version:   1,
			EpisodeID: f.EpisodeID,
			Tick:      f.State.Tick,
			Step:      f.Step,
		},
		Tuning:          r.cfg.Tuning,
		State:           *f.State.Clone(),
		BoostTimers:     r.episode.BoostTimers(),
		DemoTimers:      r.episode.DemoTimers(),
		PreviousActions: copyActions(r.episode.PreviousActions),
	}
	if f.End != nil {
		snap.EndReason = f.End.Reason
	}
	select {
	case r.snapshotSink <- snap:
	default:
		r.log.Printf("snapshot sink full; dropping tick %d", snap.Header.Tick)
	}
}

func copyActions(m map[string]state.Action) map[string]state.Action {
	out := make(map[string]state.Action, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
