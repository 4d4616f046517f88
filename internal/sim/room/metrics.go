package room

import (
	"time"

	"tetherbound.gg/internal/bus"
	"tetherbound.gg/internal/sim/spatial"
)

// Metrics is a thread-safe read-only view of key room runtime signals.
// It is stored by the room loop at each tick boundary and read from HTTP
// handlers, the watch feed, and tests.
type Metrics struct {
	Tick      uint64 `json:"tick"`
	SessionID string `json:"session_id"`

	PeersConnected int `json:"peers_connected"`
	PeersSeated    int `json:"peers_seated"`
	PropsHeld      int `json:"props_held"`
	PropsTotal     int `json:"props_total"`

	// MinSanity is the lowest sanity across connected peers; 100 when the
	// room is empty.
	MinSanity float64 `json:"min_sanity"`

	Stats  Stats       `json:"stats"`
	Bus    bus.Stats   `json:"bus"`
	Queues QueueDepths `json:"queues"`

	StepMS float64 `json:"step_ms"`

	Peers []PeerMetrics `json:"peers"`
}

type QueueDepths struct {
	Inbox  int `json:"inbox"`
	Join   int `json:"join"`
	Attach int `json:"attach"`
	Leave  int `json:"leave"`
	Detach int `json:"detach"`
}

type PeerMetrics struct {
	PeerID    int          `json:"peer_id"`
	Name      string       `json:"name"`
	Connected bool         `json:"connected"`
	Sanity    float64      `json:"sanity"`
	Fx        float64      `json:"fx"`
	RTTMillis float64      `json:"rtt_ms"`
	Held      int          `json:"held"`
	Pos       spatial.Vec3 `json:"pos"`
}

// Metrics returns the view stored at the last tick boundary.
func (r *Room) Metrics() Metrics {
	if r == nil {
		return Metrics{}
	}
	v := r.metrics.Load()
	if v == nil {
		return Metrics{SessionID: r.cfg.ID, MinSanity: 100}
	}
	m, ok := v.(Metrics)
	if !ok {
		return Metrics{}
	}
	return m
}

func (r *Room) storeMetrics(nowTick uint64, stepDur time.Duration) {
	held := 0
	for _, rec := range r.props.Snapshot() {
		if rec.Holder != 0 {
			held++
		}
	}

	minSanity := 100.0
	peers := make([]PeerMetrics, 0, len(r.peers))
	for _, id := range r.sortedPeerIDs() {
		p := r.peers[id]
		if p.Connected && p.Tether.Sanity < minSanity {
			minSanity = p.Tether.Sanity
		}
		peers = append(peers, PeerMetrics{
			PeerID:    p.ID,
			Name:      p.Name,
			Connected: p.Connected,
			Sanity:    p.Tether.Sanity,
			Fx:        p.Tether.Fx,
			RTTMillis: p.RTTMillis,
			Held:      r.props.HeldCount(p.ID),
			Pos:       p.Pose.Pos,
		})
	}

	r.metrics.Store(Metrics{
		Tick:           nowTick,
		SessionID:      r.cfg.ID,
		PeersConnected: r.connectedCount(),
		PeersSeated:    len(r.peers),
		PropsHeld:      held,
		PropsTotal:     r.props.Len(),
		MinSanity:      minSanity,
		Stats:          r.stats,
		Bus:            r.bus.Stats(),
		Queues: QueueDepths{
			Inbox:  len(r.inbox),
			Join:   len(r.join),
			Attach: len(r.attach),
			Leave:  len(r.leave),
			Detach: len(r.detach),
		},
		StepMS: float64(stepDur.Microseconds()) / 1000.0,
		Peers:  peers,
	})
}
