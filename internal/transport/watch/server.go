// Package watch serves a read-only live view of a session to local ops
// tooling: an HTTP bootstrap describing the room and a websocket feed of
// periodic state frames. It never writes into the room; everything it
// reports comes from the metrics view the room publishes at each tick
// boundary.
package watch

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"tetherbound.gg/internal/protocol"
	"tetherbound.gg/internal/sim/room"
)

const Version = "1.0"

// WatchMsg subscribes to the state feed, and may be resent mid-stream to
// change the cadence.
type WatchMsg struct {
	Type            string `json:"type"` // "WATCH"
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id,omitempty"`
	IntervalMS      int    `json:"interval_ms,omitempty"`
}

// StateFrame is one feed entry: the room's latest metrics view.
type StateFrame struct {
	Type            string       `json:"type"` // "STATE"
	ProtocolVersion string       `json:"protocol_version"`
	State           room.Metrics `json:"state"`
}

type BootstrapResponse struct {
	ProtocolVersion string                `json:"protocol_version"`
	SessionID       string                `json:"session_id"`
	Tick            uint64                `json:"tick"`
	TickRateHz      int                   `json:"tick_rate_hz"`
	MaxPeers        int                   `json:"max_peers"`
	SceneDigest     string                `json:"scene_digest"`
	Tether          protocol.TetherParams `json:"tether"`
}

// Rooms finds the session a watcher asks for; empty id means the default.
type Rooms interface {
	Lookup(sessionID string) (*room.Room, bool)
}

type Server struct {
	rooms Rooms
	log   *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(rooms Rooms, logger *log.Logger) *Server {
	return &Server{
		rooms: rooms,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback-gated anyway
		},
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		rm, ok := s.rooms.Lookup(strings.TrimSpace(r.URL.Query().Get("session_id")))
		if !ok {
			http.Error(rw, "unknown session", http.StatusNotFound)
			return
		}

		tun := rm.Tuning()
		resp := BootstrapResponse{
			ProtocolVersion: Version,
			SessionID:       rm.ID(),
			Tick:            rm.CurrentTick(),
			TickRateHz:      tun.TickRateHz,
			MaxPeers:        tun.MaxPeers,
			SceneDigest:     rm.SceneDigest(),
			Tether: protocol.TetherParams{
				WarnDist:     tun.Tether.WarnDist,
				HardDist:     tun.Tether.HardDist,
				GraceSeconds: tun.Tether.GraceSeconds,
				Policy:       tun.Tether.Policy,
			},
		}

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
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

		// Handshake: must send WATCH first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub WatchMsg
		if err := json.Unmarshal(msg, &sub); err != nil || sub.Type != "WATCH" || sub.ProtocolVersion != Version {
			closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected WATCH")
			_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
			return
		}

		rm, ok := s.rooms.Lookup(strings.TrimSpace(sub.SessionID))
		if !ok {
			closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown session")
			_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
			return
		}

		done := make(chan struct{})
		defer close(done)
		intervalCh := make(chan time.Duration, 1)

		// Writer: one frame immediately, then on the cadence. Frames are
		// built here, so a slow watcher delays only itself.
		go func() {
			write := func() bool {
				frame := StateFrame{Type: "STATE", ProtocolVersion: Version, State: rm.Metrics()}
				b, err := json.Marshal(frame)
				if err != nil {
					return true
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				return conn.WriteMessage(websocket.TextMessage, b) == nil
			}
			if !write() {
				return
			}
			ticker := time.NewTicker(clampInterval(sub.IntervalMS))
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case d := <-intervalCh:
					ticker.Reset(d)
				case <-ticker.C:
					if !write() {
						return
					}
				}
			}
		}()

		// Reader: repeated WATCH messages adjust the cadence; anything
		// else is ignored. The deadline doubles as a liveness check.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var upd WatchMsg
			if err := json.Unmarshal(msg, &upd); err != nil || upd.Type != "WATCH" {
				continue
			}
			select {
			case intervalCh <- clampInterval(upd.IntervalMS):
			default:
			}
		}
	}
}

func clampInterval(ms int) time.Duration {
	if ms <= 0 {
		ms = 1000
	}
	if ms < 100 {
		ms = 100
	}
	if ms > 5000 {
		ms = 5000
	}
	return time.Duration(ms) * time.Millisecond
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
