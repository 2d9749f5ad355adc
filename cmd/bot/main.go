package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"carball.ai/internal/obs"
	"carball.ai/internal/protocol"
	"carball.ai/internal/sim/state"
)

func main() {
	var (
		url    = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name   = flag.String("name", "bot", "agent name")
		agent  = flag.String("agent", "", "car to claim (blue-0, orange-1, ...); empty takes the first free car")
		policy = flag.String("policy", "chase", "zero|random|chase")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		AgentID:         *agent,
		AgentName:       *name,
		Capabilities:    protocol.HelloCapabilities{MaxQueue: 8},
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	decide := policies[*policy]
	if decide == nil {
		logger.Fatalf("unknown policy %q", *policy)
	}

	for {
		select {
		case <-stop:
			return
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			logger.Printf("WELCOME agent_id=%s team=%s episode=%s tick_skip=%d", w.AgentID, w.Team, w.EpisodeID, w.Params.TickSkip)

		case protocol.TypeError:
			var e protocol.ErrorMsg
			_ = json.Unmarshal(msg, &e)
			logger.Fatalf("refused: %s %s", e.Code, e.Message)

		case protocol.TypeEpisodeEnd:
			var e protocol.EpisodeEndMsg
			if err := json.Unmarshal(msg, &e); err != nil {
				continue
			}
			logger.Printf("EPISODE_END %s tick=%d reason=%s %s", e.EpisodeID, e.Tick, e.Reason, e.Scorer)

		case protocol.TypeObs:
			var o protocol.ObsMsg
			if err := json.Unmarshal(msg, &o); err != nil {
				continue
			}
			act := protocol.ActMsg{
				Type:            protocol.TypeAct,
				ProtocolVersion: protocol.Version,
				Tick:            o.Tick,
				AgentID:         o.AgentID,
				Action:          decide(&o, rng),
			}
			_ = conn.WriteJSON(act)
		}
	}
}

var policies = map[string]func(*protocol.ObsMsg, *rand.Rand) state.Action{
	"zero":   zero,
	"random": random,
	"chase":  chase,
}

func zero(*protocol.ObsMsg, *rand.Rand) state.Action { return state.Action{} }

func random(_ *protocol.ObsMsg, r *rand.Rand) state.Action {
	var a state.Action
	for i := range a {
		a[i] = r.Float64()*2 - 1
	}
	return a
}

// chase drives at the ball. Context row 0 is the ball, already relative to
// the agent and in its team frame.
func chase(o *protocol.ObsMsg, _ *rand.Rand) state.Action {
	var a state.Action
	if len(o.Self) == 0 || len(o.Context) == 0 {
		return a
	}
	self, ball := o.Self[0], o.Context[0]
	fx, fy := self[obs.FeatForward], self[obs.FeatForward+1]
	bx, by := ball[obs.FeatPos], ball[obs.FeatPos+1]

	cross := fx*by - fy*bx
	switch {
	case cross > 0.01:
		a[state.ActSteer] = -1
	case cross < -0.01:
		a[state.ActSteer] = 1
	}
	a[state.ActThrottle] = 1
	if fx*bx+fy*by > 0 && cross < 0.05 && cross > -0.05 {
		a[state.ActBoost] = 1
	}
	return a
}
