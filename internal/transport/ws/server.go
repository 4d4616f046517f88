// Package ws carries the client protocol over websockets. One goroutine
// reads each connection and feeds the room's inbox; one writes, draining
// the sink's two lanes. All validation beyond the handshake happens in
// the room, so the transport forwards raw bytes and never interprets
// gameplay traffic.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"tetherbound.gg/internal/protocol"
	"tetherbound.gg/internal/sim/room"
)

// Ingress flood guard. Per-verb budgets are the room's job; the limiter
// only sheds links sending far past any legitimate pattern.
const (
	ingressPerSecond = 120
	ingressBurst     = 240
	maxMessageBytes  = 64 * 1024
)

// Resolver finds the room a HELLO addresses. An empty session id selects
// the server default.
type Resolver interface {
	Lookup(sessionID string) (*room.Room, bool)
}

type Server struct {
	rooms Resolver
	log   *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(rooms Resolver, logger *log.Logger) *Server {
	return &Server{
		rooms: rooms,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// teardown unblocks both loops; the sink calls it when the
		// reliable queue breaks or a write fails.
		teardown := func() {
			cancel()
			_ = conn.Close()
		}

		rm, sink, peerID := s.handshake(conn, teardown)
		if rm == nil {
			return
		}

		go sink.writeLoop(ctx, conn)

		limiter := rate.NewLimiter(ingressPerSecond, ingressBurst)
		conn.SetReadLimit(maxMessageBytes)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if !limiter.Allow() {
				continue
			}
			rm.Inbox() <- room.InboundEnvelope{From: peerID, Raw: msg}
		}

		cancel()
		// The room leaves the seat only while this link is still the one
		// attached; a link replaced by a resume detaches silently.
		rm.Detach() <- room.DetachRequest{PeerID: peerID, Sink: sink}
	}
}

// handshake seats the connection: HELLO in, WELCOME and SCENE out. Both
// go out on the conn directly, before the writer goroutine starts, so
// anything the room already queued on the sink serializes after them.
func (s *Server) handshake(conn *websocket.Conn, stop func()) (*room.Room, *connSink, int) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, nil, 0
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closePolicy(conn, "expected HELLO")
		return nil, nil, 0
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		closePolicy(conn, "unreadable HELLO")
		return nil, nil, 0
	}
	if hello.ProtocolVersion != protocol.Version {
		closePolicy(conn, "bad protocol_version")
		return nil, nil, 0
	}

	rm, ok := s.rooms.Lookup(strings.TrimSpace(hello.SessionID))
	if !ok {
		_ = writeJSON(conn, protocol.RejectMsg{
			Type:            protocol.TypeReject,
			ProtocolVersion: protocol.Version,
			Code:            protocol.ErrSessionNotFound,
			Message:         "unknown session_id",
		})
		return nil, nil, 0
	}

	sink := newConnSink(clampQueue(hello.Caps.MaxQueue), stop)

	// A resume token reclaims the old seat when it is still honored;
	// otherwise the client falls through to a fresh join.
	var resp room.JoinResponse
	if token := strings.TrimSpace(hello.ResumeToken); token != "" {
		respCh := make(chan room.JoinResponse, 1)
		rm.Attach() <- room.AttachRequest{ResumeToken: token, Sink: sink, Resp: respCh}
		resp = <-respCh
	}
	if !resp.OK {
		respCh := make(chan room.JoinResponse, 1)
		rm.Join() <- room.JoinRequest{Name: hello.PlayerName, Sink: sink, Resp: respCh}
		resp = <-respCh
	}
	if !resp.OK {
		_ = writeJSON(conn, protocol.RejectMsg{
			Type:            protocol.TypeReject,
			ProtocolVersion: protocol.Version,
			Tick:            rm.CurrentTick(),
			Code:            resp.Code,
			Message:         "refused at handshake",
		})
		return nil, nil, 0
	}

	if err := writeJSON(conn, resp.Welcome); err != nil {
		return nil, nil, 0
	}
	if err := writeJSON(conn, resp.Scene); err != nil {
		return nil, nil, 0
	}

	s.log.Printf("[ws] peer %d seated in session %s", resp.Welcome.PeerID, resp.Welcome.SessionID)
	return rm, sink, resp.Welcome.PeerID
}

// clampQueue bounds the reliable out-queue a client may ask for. The
// floor keeps a late-join snapshot and a roster burst deliverable.
func clampQueue(n int) int {
	if n <= 0 {
		n = 64
	}
	if n < 16 {
		n = 16
	}
	if n > 256 {
		n = 256
	}
	return n
}

func closePolicy(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
