package runner

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"carball.ai/internal/editorproto"
	"carball.ai/internal/protocol"
	"carball.ai/internal/sim/state"
)

var errDone = errors.New("runner: episode limit reached")

type agentConn struct {
	name string
	out  chan []byte
}

type editorConn struct {
	out   chan []byte
	every int
	seen  int
}

// Run drives episodes until ctx is done, Stop is called or the configured
// number of episodes has been played. In render mode steps are paced at wall
// clock speed; otherwise a step is taken as soon as every attached agent has
// acted, or after the action wait elapses.
func (r *Runner) Run(ctx context.Context) error {
	if _, err := r.begin(); err != nil {
		return err
	}

	ticker := time.NewTicker(r.stepInterval())
	defer ticker.Stop()

	pending := map[string]state.Action{}
	advance := func() error {
		start := time.Now()
		f, err := r.Advance(pending)
		r.observeStep(start)
		clear(pending)
		if err != nil {
			// Fatal for this episode only.
			r.log.Printf("episode %s aborted: %v", r.episodeID, err)
			_, err = r.begin()
			return err
		}
		r.publish(f)
		if f.End == nil {
			return nil
		}
		if n := r.cfg.Match.Episodes; n > 0 && r.episodes >= n {
			return errDone
		}
		_, err = r.begin()
		return err
	}

	for {
		var err error
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stop:
			return nil
		case req := <-r.join:
			r.attach(req)
		case id := <-r.leave:
			delete(r.agents, id)
			r.stats.agents.Store(int64(len(r.agents)))
		case req := <-r.editorJoin:
			r.editors[req.SessionID] = &editorConn{out: req.Out, every: req.Every}
			r.stats.editors.Store(int64(len(r.editors)))
			sendLatest(req.Out, mustJSON(editorproto.NewTick(r.episodeID, r.frame.State, r.frame.Edited)))
		case sid := <-r.editorLeave:
			delete(r.editors, sid)
			r.stats.editors.Store(int64(len(r.editors)))
		case env := <-r.inbox:
			if _, ok := r.agents[env.AgentID]; !ok || env.Act.Tick != r.frame.State.Tick {
				continue
			}
			pending[env.AgentID] = env.Act.Action
			if !r.cfg.Match.Render && len(r.agents) > 0 && len(pending) == len(r.agents) {
				err = advance()
				ticker.Reset(r.stepInterval())
			}
		case <-ticker.C:
			err = advance()
		}
		if err == errDone {
			r.log.Printf("played %d episodes; stopping", r.episodes)
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (r *Runner) Stop() { close(r.stop) }

func (r *Runner) begin() (Frame, error) {
	f, err := r.Begin()
	if err != nil {
		return f, err
	}
	r.publish(f)
	return f, nil
}

func (r *Runner) stepInterval() time.Duration {
	if r.cfg.Match.Render {
		return time.Second * time.Duration(r.timing.TicksPerStep()) / time.Duration(r.cfg.Tuning.TickRateHz)
	}
	if r.cfg.Match.ActionWaitMs <= 0 {
		return time.Millisecond
	}
	return time.Duration(r.cfg.Match.ActionWaitMs) * time.Millisecond
}

// attach binds a client to a car of the running episode.
func (r *Runner) attach(req JoinRequest) {
	refuse := func(code, msg string) {
		req.Resp <- JoinResponse{Code: code, Message: msg}
	}
	roster := r.frame.State.AgentIDs()
	id := req.AgentID
	if id == "" {
		for _, cand := range roster {
			if _, taken := r.agents[cand]; !taken {
				id = cand
				break
			}
		}
		if id == "" {
			refuse(protocol.ErrMatchFull, "every car is claimed")
			return
		}
	}
	car, _, ok := r.frame.State.Car(id)
	if !ok {
		refuse(protocol.ErrUnknownAgent, "no car "+id)
		return
	}
	if _, taken := r.agents[id]; taken {
		refuse(protocol.ErrAgentTaken, id+" is already claimed")
		return
	}
	r.agents[id] = &agentConn{name: req.Name, out: req.Out}
	r.stats.agents.Store(int64(len(r.agents)))
	r.log.Printf("agent %s attached as %s", req.Name, id)

	req.Resp <- JoinResponse{Welcome: protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		AgentID:         id,
		Team:            car.Team.String(),
		EpisodeID:       r.episodeID,
		Params:          r.Params(),
	}}
	if o, ok := r.frame.Obs[id]; ok {
		sendLatest(req.Out, mustJSON(protocol.NewObsMsg(r.frame.State.Tick, r.episodeID, id, o, r.frame.Edited)))
	}
}

func (r *Runner) publish(f Frame) {
	for id, c := range r.agents {
		if o, ok := f.Obs[id]; ok {
			sendLatest(c.out, mustJSON(protocol.NewObsMsg(f.State.Tick, f.EpisodeID, id, o, f.Edited)))
		}
		if f.End != nil {
			sendLatest(c.out, mustJSON(protocol.EpisodeEndMsg{
				Type:            protocol.TypeEpisodeEnd,
				ProtocolVersion: protocol.Version,
				EpisodeID:       f.EpisodeID,
				Tick:            f.State.Tick,
				Reason:          f.End.Reason,
				Scorer:          f.End.Scorer,
			}))
		}
	}
	r.broadcastEditors(f.State, f.Edited)
}

func (r *Runner) broadcastEditors(gs *state.GameState, edited bool) {
	if len(r.editors) == 0 {
		return
	}
	b := mustJSON(editorproto.NewTick(r.episodeID, gs, edited))
	for _, e := range r.editors {
		e.seen++
		if e.every > 1 && e.seen%e.every != 0 && !edited {
			continue
		}
		sendLatest(e.out, b)
	}
}

func (r *Runner) broadcastEditorError(code, msg string) {
	if len(r.editors) == 0 {
		return
	}
	b := mustJSON(editorproto.ErrorMsg{
		Type:            editorproto.TypeError,
		ProtocolVersion: editorproto.Version,
		Code:            code,
		Message:         msg,
	})
	for _, e := range r.editors {
		sendLatest(e.out, b)
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// sendLatest never blocks: when the client queue is full the oldest message
// is dropped.
func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}
