package room

import (
	"tetherbound.gg/internal/protocol"
)

// flushSnapshots delivers the deferred late-join snapshot to every peer
// whose due tick has arrived. The snapshot restates the whole ownership
// table; the receiving projection replays it through the same grab and drop
// handlers that live traffic uses, so anything the joiner saw in between is
// reconciled rather than corrupted.
func (r *Room) flushSnapshots(nowTick uint64) {
	for _, id := range r.sortedPeerIDs() {
		p := r.peers[id]
		if !p.Connected || p.snapshotDueTick == 0 || nowTick < p.snapshotDueTick {
			continue
		}
		p.snapshotDueTick = 0

		r.applySeq++
		msg := r.buildSnapshotMsg(nowTick, r.applySeq, p)
		if err := r.bus.Send(id, protocol.TypeSnapshot, msg); err != nil {
			r.logger.Printf("[room %s] snapshot to %d: %v", r.cfg.ID, id, err)
			continue
		}
		r.stats.SnapshotsSent++
		r.transition(TransitionEntry{Tick: nowTick, Kind: "snapshot", Peer: id})
	}
}

func (r *Room) buildSnapshotMsg(nowTick, seq uint64, forPeer *peerState) protocol.SnapshotMsg {
	recs := r.props.Snapshot()
	records := make([]protocol.SnapshotRecord, 0, len(recs))
	for _, rec := range recs {
		records = append(records, protocol.SnapshotRecord{
			Key:    rec.Key,
			Holder: rec.Holder,
			Mount:  rec.Mount,
			Pose:   rec.LastPose,
		})
	}
	msg := protocol.SnapshotMsg{
		Type:            protocol.TypeSnapshot,
		ProtocolVersion: protocol.Version,
		Tick:            nowTick,
		Seq:             seq,
		Records:         records,
	}
	if forPeer.Tether.PartnerID != 0 {
		t := r.tetherMsgFor(forPeer, nowTick)
		msg.Tether = &t
	}
	return msg
}
