// Package bus fans session messages out to peers in their delivery class.
// Every message is one-way. On the authority the bus is call-local: the
// authority's own projection handles each broadcast synchronously, through
// the same encoded bytes remote peers will decode, before fan-out returns.
// No node applies shared state by a private path.
package bus

import (
	"encoding/json"
	"fmt"
	"sort"

	"tetherbound.gg/internal/protocol"
)

// Role says which side of the session this process plays. It is injected
// at construction everywhere; nothing infers it later.
type Role int

const (
	RoleAuthority Role = iota + 1
	RoleReplica
)

func (r Role) String() string {
	switch r {
	case RoleAuthority:
		return "authority"
	case RoleReplica:
		return "replica"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Sink is one peer's transport endpoint. SendReliable reports false when
// the peer's ordered queue is broken (the transport tears the connection
// down itself); SendBestEffort silently drops the oldest queued message
// under pressure and never fails. Sinks learn their peer id from the bus
// at attach time, not the other way round: seats are assigned after the
// transport builds the sink.
type Sink interface {
	SendReliable(b []byte) bool
	SendBestEffort(b []byte)
}

type Stats struct {
	Reliable    uint64 `json:"reliable"`
	BestEffort  uint64 `json:"best_effort"`
	QueueBreaks uint64 `json:"queue_breaks"`
}

// Bus is owned by the room goroutine; it carries no locks.
type Bus struct {
	role  Role
	local func([]byte)
	sinks map[int]Sink
	stats Stats
}

// New builds a bus. local is the call-local handler run on every broadcast
// when the role is authority; replicas and tests may pass nil.
func New(role Role, local func([]byte)) *Bus {
	return &Bus{role: role, local: local, sinks: make(map[int]Sink)}
}

func (b *Bus) Role() Role { return b.role }

func (b *Bus) Attach(id int, s Sink) { b.sinks[id] = s }
func (b *Bus) Detach(peerID int)     { delete(b.sinks, peerID) }
func (b *Bus) Attached(id int) bool  { _, ok := b.sinks[id]; return ok }

// SinkFor returns the sink currently carrying peerID. Transports use it
// to tell a live link from one that was replaced by a resume.
func (b *Bus) SinkFor(peerID int) (Sink, bool) {
	s, ok := b.sinks[peerID]
	return s, ok
}

// Peers lists attached peer ids in ascending order.
func (b *Bus) Peers() []int {
	ids := make([]int, 0, len(b.sinks))
	for id := range b.sinks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Broadcast sends msg to every attached peer on the lane of msgType,
// running the call-local handler first.
func (b *Bus) Broadcast(msgType string, msg any) error {
	return b.fanOut(msgType, msg, 0)
}

// Relay is Broadcast minus the originating peer. The call-local handler
// still runs: the authority consumes relayed traffic like any replica.
func (b *Bus) Relay(from int, msgType string, msg any) error {
	return b.fanOut(msgType, msg, from)
}

func (b *Bus) fanOut(msgType string, msg any, except int) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: encode %s: %w", msgType, err)
	}
	if b.role == RoleAuthority && b.local != nil {
		b.local(raw)
	}
	lane := protocol.LaneFor(msgType)
	for _, id := range b.Peers() {
		if id == except {
			continue
		}
		b.deliver(b.sinks[id], lane, raw)
	}
	return nil
}

// Send delivers msg to one peer only. Directed messages never run
// call-local.
func (b *Bus) Send(peerID int, msgType string, msg any) error {
	s, ok := b.sinks[peerID]
	if !ok {
		return fmt.Errorf("bus: send %s: peer %d not attached", msgType, peerID)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: encode %s: %w", msgType, err)
	}
	b.deliver(s, protocol.LaneFor(msgType), raw)
	return nil
}

func (b *Bus) deliver(s Sink, lane protocol.Lane, raw []byte) {
	switch lane {
	case protocol.LaneReliable:
		b.stats.Reliable++
		if !s.SendReliable(raw) {
			b.stats.QueueBreaks++
		}
	default:
		b.stats.BestEffort++
		s.SendBestEffort(raw)
	}
}

func (b *Bus) Stats() Stats { return b.stats }
