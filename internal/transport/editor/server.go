package editor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"carball.ai/internal/editorproto"
	"carball.ai/internal/protocol"
	"carball.ai/internal/runner"
)

// Server streams TICK messages to local editors and forwards their
// STATE_SET messages to the runner's edit mailbox. Only loopback peers are
// accepted.
type Server struct {
	runner *runner.Runner
	log    *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
}

func NewServer(r *runner.Runner, logger *log.Logger) *Server {
	return &Server{
		runner: r,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub editorproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad subscribe"), time.Now().Add(time.Second))
			return
		}
		if sub.Type != editorproto.TypeSubscribe || sub.ProtocolVersion != editorproto.Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}
		if sub.Every < 0 {
			sub.Every = 0
		}

		sid := fmt.Sprintf("E%d", s.nextID.Add(1))
		out := make(chan []byte, 16)

		select {
		case s.runner.EditorJoin() <- runner.EditorJoinRequest{SessionID: sid, Every: sub.Every, Out: out}:
		default:
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server busy"), time.Now().Add(time.Second))
			return
		}
		defer func() {
			select {
			case s.runner.EditorLeave() <- sid:
			default:
				// Runner is stopping; nothing else to do.
			}
		}()
		if s.log != nil {
			s.log.Printf("editor %s subscribed every=%d", sid, sub.Every)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b, ok := <-out:
					if !ok {
						writeErr <- nil
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: STATE_SET only. The latest unapplied edit wins.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if code, reason := s.handle(msg); code != "" {
				reply(out, code, reason)
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// handle queues a STATE_SET and returns an error code when msg is refused.
func (s *Server) handle(msg []byte) (code, reason string) {
	var base struct {
		Type            string `json:"type"`
		ProtocolVersion string `json:"protocol_version"`
	}
	if err := json.Unmarshal(msg, &base); err != nil {
		return protocol.ErrProtoBadRequest, err.Error()
	}
	if base.Type != editorproto.TypeStateSet {
		return protocol.ErrProtoBadRequest, "unexpected message type " + base.Type
	}
	if base.ProtocolVersion != editorproto.Version {
		return protocol.ErrProtoVersion, "want protocol_version " + editorproto.Version
	}
	edit, err := editorproto.DecodeStateSet(msg)
	if err != nil {
		return protocol.ErrProtoBadRequest, err.Error()
	}
	s.runner.Edits().Put(edit)
	return "", ""
}

func reply(out chan []byte, code, reason string) {
	if code == "" || !protocol.IsKnownCode(code) {
		code = protocol.ErrInternal
	}
	b, _ := json.Marshal(editorproto.ErrorMsg{
		Type:            editorproto.TypeError,
		ProtocolVersion: editorproto.Version,
		Code:            code,
		Message:         reason,
	})
	select {
	case out <- b:
	default:
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
