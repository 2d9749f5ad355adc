package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"carball.ai/internal/protocol"
	"carball.ai/internal/runner"
)

// Server attaches policy clients to cars of the running episode.
type Server struct {
	runner *runner.Runner
	log    *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(r *runner.Runner, logger *log.Logger) *Server {
	s := &Server{
		runner: r,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	return s
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		agentID, out := s.handshake(conn)
		if agentID == "" {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypeAct {
				continue
			}
			var act protocol.ActMsg
			if err := json.Unmarshal(msg, &act); err != nil {
				continue
			}
			if act.ProtocolVersion != protocol.Version {
				continue
			}
			if act.AgentID != "" && act.AgentID != agentID {
				continue
			}
			s.runner.Inbox() <- runner.ActionEnvelope{AgentID: agentID, Act: clampAct(act)}
		}

		// Cleanup.
		s.runner.Leave() <- agentID
	}
}

func (s *Server) handshake(conn *websocket.Conn) (agentID string, out chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return "", nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		_ = writeError(conn, protocol.ErrProtoBadRequest, err.Error())
		return "", nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = writeError(conn, protocol.ErrProtoVersion, "want protocol_version "+protocol.Version)
		return "", nil
	}
	if hello.AgentName == "" {
		hello.AgentName = "agent"
	}

	maxQ := hello.Capabilities.MaxQueue
	if maxQ <= 0 {
		maxQ = 8
	}
	if maxQ > 64 {
		maxQ = 64
	}
	out = make(chan []byte, maxQ)

	respCh := make(chan runner.JoinResponse, 1)
	s.runner.Join() <- runner.JoinRequest{
		AgentID: hello.AgentID,
		Name:    hello.AgentName,
		Out:     out,
		Resp:    respCh,
	}
	resp := <-respCh
	if resp.Code != "" {
		_ = writeError(conn, resp.Code, resp.Message)
		return "", nil
	}

	if err := writeJSON(conn, resp.Welcome); err != nil {
		s.runner.Leave() <- resp.Welcome.AgentID
		return "", nil
	}
	if s.log != nil {
		s.log.Printf("ws: %s joined as %s", hello.AgentName, resp.Welcome.AgentID)
	}
	return resp.Welcome.AgentID, out
}

// clampAct bounds every action component to [-1, 1]; NaN becomes 0.
func clampAct(act protocol.ActMsg) protocol.ActMsg {
	for i, v := range act.Action {
		switch {
		case v != v:
			act.Action[i] = 0
		case v > 1:
			act.Action[i] = 1
		case v < -1:
			act.Action[i] = -1
		}
	}
	return act
}

func writeError(conn *websocket.Conn, code, msg string) error {
	return writeJSON(conn, protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            errorCode(code),
		Message:         msg,
	})
}

// errorCode maps refusal reasons that are not wire codes to E_INTERNAL.
func errorCode(code string) string {
	if code == "" || !protocol.IsKnownCode(code) {
		return protocol.ErrInternal
	}
	return code
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
