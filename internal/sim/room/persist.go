package room

import (
	"fmt"
	"sort"

	"tetherbound.gg/internal/persistence/snapshot"
	"tetherbound.gg/internal/protocol"
	"tetherbound.gg/internal/sim/ownership"
	"tetherbound.gg/internal/sim/spatial"
	"tetherbound.gg/internal/sim/tether"
)

const sessionVersion = 1

// ExportSession captures the full authoritative state for persistence.
// boundaryTick labels the capture with the tick the room steps next; a
// restore resumes exactly there, so a tick journal carries on seamlessly.
func (r *Room) ExportSession(boundaryTick uint64) *snapshot.SessionV1 {
	snap := &snapshot.SessionV1{
		Header: snapshot.Header{Version: sessionVersion, SessionID: r.cfg.ID, Tick: boundaryTick},

		TickRate:     r.tun.TickRateHz,
		MaxPeers:     r.tun.MaxPeers,
		InventoryCap: r.tun.InventoryCap,
		SceneDigest:  r.scn.Digest,

		TetherPolicy:     r.tun.Tether.Policy,
		WarnDist:         r.tun.Tether.WarnDist,
		HardDist:         r.tun.Tether.HardDist,
		GraceSeconds:     r.tun.Tether.GraceSeconds,
		DrainPerSecond:   r.tun.Tether.DrainPerSecond,
		RecoverPerSecond: r.tun.Tether.RecoverPerSecond,

		Counters: snapshot.CountersV1{NextPeer: r.nextPeer.Load(), ApplySeq: r.applySeq},
	}

	for _, id := range r.sortedPeerIDs() {
		p := r.peers[id]
		snap.Peers = append(snap.Peers, snapshot.PeerV1{
			ID:          p.ID,
			Name:        p.Name,
			Body:        p.Body,
			ResumeToken: p.ResumeToken,

			SpawnPos: vecArr(p.Spawn.Pos),
			SpawnYaw: p.Spawn.Yaw,
			Pos:      vecArr(p.Pose.Pos),
			Yaw:      p.Pose.Yaw,
			PoseSeq:  p.PoseSeq,

			LastSeenTick: p.LastSeenTick,

			PartnerID:   p.Tether.PartnerID,
			Distance:    p.Tether.Distance,
			Proximity:   p.Tether.Proximity,
			Sanity:      p.Tether.Sanity,
			Fx:          p.Tether.Fx,
			OverHardSec: p.Tether.OverHardSec,
			CooldownSec: p.Tether.CooldownSec,

			CmdWindow:  snapshot.RateWindowV1{StartTick: p.cmdWindow.Start, Count: p.cmdWindow.Count},
			PoseWindow: snapshot.RateWindowV1{StartTick: p.poseWindow.Start, Count: p.poseWindow.Count},
		})
	}

	for _, rec := range r.props.Snapshot() {
		snap.Records = append(snap.Records, snapshot.RecordV1{
			Key:        rec.Key,
			SourcePath: rec.SourcePath,
			Holder:     rec.Holder,
			Mount:      rec.Mount,
			Pos:        vecArr(rec.LastPose.Pos),
			Yaw:        rec.LastPose.Yaw,
		})
	}

	keys := make([]cmdKey, 0, len(r.dedupe))
	for k := range r.dedupe {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Peer != keys[j].Peer {
			return keys[i].Peer < keys[j].Peer
		}
		return keys[i].CmdID < keys[j].CmdID
	})
	for _, k := range keys {
		out := r.dedupe[k]
		snap.Dedupe = append(snap.Dedupe, snapshot.DedupeV1{
			Peer:       k.Peer,
			CmdID:      k.CmdID,
			Code:       out.Code,
			Message:    out.Message,
			RetryAfter: out.RetryAfter,
			ExpireTick: out.ExpireTick,
		})
	}

	return snap
}

// RestoreSession rebuilds the room from a session capture. Every seat comes
// back disconnected; resume tokens reclaim them as clients return. Call it
// before Run, never after.
func (r *Room) RestoreSession(snap *snapshot.SessionV1) error {
	if snap == nil {
		return fmt.Errorf("room: nil session")
	}
	if snap.SceneDigest != "" && snap.SceneDigest != r.scn.Digest {
		return fmt.Errorf("room: session scene digest %.12s does not match loaded scene %.12s",
			snap.SceneDigest, r.scn.Digest)
	}
	if snap.TickRate != 0 && snap.TickRate != r.tun.TickRateHz {
		return fmt.Errorf("room: session tick rate %d does not match tuning %d", snap.TickRate, r.tun.TickRateHz)
	}

	r.tick.Store(snap.Header.Tick)
	r.nextPeer.Store(snap.Counters.NextPeer)
	r.applySeq = snap.Counters.ApplySeq

	r.peers = make(map[int]*peerState, len(snap.Peers))
	for _, pv := range snap.Peers {
		r.peers[pv.ID] = &peerState{
			ID:          pv.ID,
			Name:        pv.Name,
			Body:        pv.Body,
			ResumeToken: pv.ResumeToken,

			Spawn:   spatial.Transform{Pos: arrVec(pv.SpawnPos), Yaw: pv.SpawnYaw},
			Pose:    spatial.Transform{Pos: arrVec(pv.Pos), Yaw: pv.Yaw},
			PoseSeq: pv.PoseSeq,

			LastSeenTick: pv.LastSeenTick,

			cmdWindow:  rateWindow{Start: pv.CmdWindow.StartTick, Count: pv.CmdWindow.Count},
			poseWindow: rateWindow{Start: pv.PoseWindow.StartTick, Count: pv.PoseWindow.Count},

			Tether: tether.State{
				PartnerID:   pv.PartnerID,
				Distance:    pv.Distance,
				Proximity:   pv.Proximity,
				Sanity:      pv.Sanity,
				Fx:          pv.Fx,
				OverHardSec: pv.OverHardSec,
				CooldownSec: pv.CooldownSec,
			},
		}
	}

	records := make([]ownership.Record, 0, len(snap.Records))
	for _, rv := range snap.Records {
		records = append(records, ownership.Record{
			Key:        rv.Key,
			SourcePath: rv.SourcePath,
			Holder:     rv.Holder,
			Mount:      rv.Mount,
			LastPose:   spatial.Transform{Pos: arrVec(rv.Pos), Yaw: rv.Yaw},
		})
	}
	r.props.Restore(records)

	r.dedupe = make(map[cmdKey]cmdOutcome, len(snap.Dedupe))
	for _, dv := range snap.Dedupe {
		r.dedupe[cmdKey{Peer: dv.Peer, CmdID: dv.CmdID}] = cmdOutcome{
			Code:       dv.Code,
			Message:    dv.Message,
			RetryAfter: dv.RetryAfter,
			ExpireTick: dv.ExpireTick,
		}
	}

	// The authority's projection relearns the hold table the same way any
	// replica would: by replaying the records through the live handlers.
	recs := make([]protocol.SnapshotRecord, 0, len(snap.Records))
	for _, rv := range snap.Records {
		recs = append(recs, protocol.SnapshotRecord{
			Key:    rv.Key,
			Holder: rv.Holder,
			Mount:  rv.Mount,
			Pose:   spatial.Transform{Pos: arrVec(rv.Pos), Yaw: rv.Yaw},
		})
	}
	r.proj.ApplySnapshot(protocol.SnapshotMsg{
		Type:            protocol.TypeSnapshot,
		ProtocolVersion: protocol.Version,
		Tick:            snap.Header.Tick,
		Seq:             snap.Counters.ApplySeq,
		Records:         recs,
	})

	r.logger.Printf("[room %s] restored session at tick %d: %d seats, %d records",
		r.cfg.ID, snap.Header.Tick, len(snap.Peers), len(snap.Records))
	return nil
}

func vecArr(v spatial.Vec3) [3]float64 { return [3]float64{v.X, v.Y, v.Z} }

func arrVec(a [3]float64) spatial.Vec3 { return spatial.Vec3{X: a[0], Y: a[1], Z: a[2]} }
