package room

import (
	"tetherbound.gg/internal/protocol"
	"tetherbound.gg/internal/sim/spatial"
	"tetherbound.gg/internal/sim/tether"
	"tetherbound.gg/internal/sim/tuning"
)

// stepTether runs one monitor evaluation over every connected peer. Only
// the room ever computes this: peers receive readouts and relocations, and
// both replicas of a separated pair see the same single decision because
// the mover is picked by id, never by "am I the one who should move".
func (r *Room) stepTether(nowTick uint64) {
	dt := float64(r.tetherEvery) * r.tun.TickSeconds()
	params := r.tetherParams()

	positions := make(map[int]spatial.Vec3)
	ids := r.sortedPeerIDs()
	connected := ids[:0]
	for _, id := range ids {
		if p := r.peers[id]; p.Connected {
			connected = append(connected, id)
			positions[id] = p.Pose.Pos
		}
	}

	// Everyone advances before anything relocates, so a pair that times
	// out together still resolves to exactly one warp below.
	for _, id := range connected {
		p := r.peers[id]
		partner, dist := tether.NearestPartner(id, positions)
		p.Tether = p.Tether.Advance(partner, dist, params, dt)
	}

	if r.tun.Tether.Policy == tuning.PolicyWarp {
		r.resolveWarps(connected, params, nowTick)
	}

	for _, id := range connected {
		p := r.peers[id]
		if p.Tether.PartnerID == 0 {
			// Solo peers recover quietly; there is no readout to push.
			continue
		}
		msg := r.tetherMsgFor(p, nowTick)
		if err := r.bus.Send(id, protocol.TypeTether, msg); err != nil {
			r.logger.Printf("[room %s] tether push: %v", r.cfg.ID, err)
		}
	}
}

// resolveWarps relocates every peer whose separation outlived the grace
// period. Ids ascend, so the anchor's timer fires first and names the
// mover; the mover's own entry then hits its fresh cooldown and stays put.
func (r *Room) resolveWarps(connected []int, params tether.Params, nowTick uint64) {
	for _, id := range connected {
		p := r.peers[id]
		if !p.Tether.WarpDue(params) || p.Tether.PartnerID == 0 {
			continue
		}
		moverID, anchorID := tether.SplitPair(id, p.Tether.PartnerID)
		mover, anchor := r.peers[moverID], r.peers[anchorID]
		if mover == nil || anchor == nil || !mover.Connected || !anchor.Connected {
			continue
		}
		if mover.Tether.CooldownSec > 0 {
			continue
		}

		pose := tether.WarpPose(anchor.Pose, moverID, params)
		r.applySeq++
		warp := protocol.WarpMsg{
			Type:            protocol.TypeWarp,
			ProtocolVersion: protocol.Version,
			Tick:            nowTick,
			Seq:             r.applySeq,
			Body:            mover.Body,
			Pose:            pose,
			MoverID:         moverID,
			AnchorID:        anchorID,
		}
		if err := r.bus.Broadcast(protocol.TypeWarp, warp); err != nil {
			r.logger.Printf("[room %s] warp: %v", r.cfg.ID, err)
		}

		mover.Pose = pose
		mover.Tether = mover.Tether.AfterWarp(params)
		anchor.Tether.OverHardSec = 0

		r.stats.Warps++
		r.transition(TransitionEntry{Tick: nowTick, Kind: "warp", Peer: moverID, Detail: "anchor " + anchor.Body})
		r.logger.Printf("[room %s] warped peer %d beside peer %d at tick %d", r.cfg.ID, moverID, anchorID, nowTick)
	}
}

func (r *Room) tetherMsgFor(p *peerState, nowTick uint64) protocol.TetherMsg {
	msg := protocol.TetherMsg{
		Type:            protocol.TypeTether,
		ProtocolVersion: protocol.Version,
		Tick:            nowTick,
		PeerID:          p.ID,
		PartnerID:       p.Tether.PartnerID,
		Distance:        p.Tether.Distance,
		Proximity:       p.Tether.Proximity,
		Sanity:          p.Tether.Sanity,
		Fx:              p.Tether.Fx,
	}
	if r.tun.Tether.Policy == tuning.PolicyRestrain && p.Tether.PartnerID != 0 {
		if partner := r.peers[p.Tether.PartnerID]; partner != nil {
			env := tether.Restrain(p.Pose.Pos, partner.Pose.Pos, r.tetherParams())
			msg.Restrained = env.Restrained
			msg.SpeedScale = env.SpeedScale
			if env.Restrained {
				dir := env.PullDir
				msg.PullDir = &dir
			}
		}
	}
	return msg
}

func (r *Room) tetherParams() tether.Params {
	return tether.Params{
		WarnDist:         r.tun.Tether.WarnDist,
		HardDist:         r.tun.Tether.HardDist,
		GraceSeconds:     r.tun.Tether.GraceSeconds,
		DrainPerSecond:   r.tun.Tether.DrainPerSecond,
		RecoverPerSecond: r.tun.Tether.RecoverPerSecond,
		ForwardOffset:    r.tun.Tether.WarpForwardOffset,
		SideOffset:       r.tun.Tether.WarpSideOffset,
		UpOffset:         r.tun.Tether.WarpUpOffset,
		CooldownSeconds:  r.tun.Tether.WarpCooldownSeconds,
		SpeedFloor:       r.tun.Tether.RestrainSpeedFloor,
	}
}
