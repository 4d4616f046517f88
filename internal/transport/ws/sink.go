package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const bestEffortQueue = 32

// connSink adapts one websocket connection to the session bus. The
// reliable lane is a bounded FIFO; filling it means the client cannot
// keep up with ordered traffic, and the link is torn down rather than
// let that lane lose or reorder anything. The best-effort lane sheds its
// oldest entry under pressure, so a slow link sees fewer poses, never
// older ones.
type connSink struct {
	firm  chan []byte
	loose chan []byte

	stopOnce sync.Once
	stop     func()
}

func newConnSink(queue int, stop func()) *connSink {
	return &connSink{
		firm:  make(chan []byte, queue),
		loose: make(chan []byte, bestEffortQueue),
		stop:  stop,
	}
}

func (s *connSink) SendReliable(b []byte) bool {
	select {
	case s.firm <- b:
		return true
	default:
		s.teardown()
		return false
	}
}

// SendBestEffort never blocks the room. Only the room goroutine sends,
// so the drop-one-then-retry loop terminates.
func (s *connSink) SendBestEffort(b []byte) {
	for {
		select {
		case s.loose <- b:
			return
		default:
		}
		select {
		case <-s.loose:
		default:
		}
	}
}

func (s *connSink) teardown() { s.stopOnce.Do(s.stop) }

func (s *connSink) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-s.firm:
			if !s.write(conn, b) {
				return
			}
		case b := <-s.loose:
			if !s.write(conn, b) {
				return
			}
		}
	}
}

func (s *connSink) write(conn *websocket.Conn, b []byte) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		s.teardown()
		return false
	}
	return true
}
