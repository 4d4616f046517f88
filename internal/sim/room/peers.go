package room

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"tetherbound.gg/internal/protocol"
	"tetherbound.gg/internal/replica"
	"tetherbound.gg/internal/sim/spatial"
	"tetherbound.gg/internal/sim/tether"
)

// peerState is one seat. Seats survive disconnects so a resume token can
// reclaim them; ids are never reused within a session.
type peerState struct {
	ID          int
	Name        string
	Body        string
	ResumeToken string
	Connected   bool

	Spawn   spatial.Transform
	Pose    spatial.Transform
	PoseSeq uint64

	LastSeenTick uint64
	// RTTMillis is the client's own measurement, reported on its pings.
	// Display only; nothing decides on it.
	RTTMillis float64

	cmdWindow  rateWindow
	poseWindow rateWindow

	Tether tether.State

	// snapshotDueTick defers the late-join snapshot one tick past the
	// seat change, giving the client a beat to instantiate its avatar.
	// Zero means none pending.
	snapshotDueTick uint64
}

type rateWindow struct {
	Start uint64
	Count int
}

// allow counts one event against a sliding tick window.
func (w *rateWindow) allow(now, windowTicks uint64, max int) bool {
	if now-w.Start >= windowTicks {
		w.Start = now
		w.Count = 0
	}
	if w.Count >= max {
		return false
	}
	w.Count++
	return true
}

func (r *Room) connectedCount() int {
	n := 0
	for _, p := range r.peers {
		if p.Connected {
			n++
		}
	}
	return n
}

func (r *Room) sortedPeerIDs() []int {
	ids := make([]int, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (r *Room) seatPeer(req JoinRequest, nowTick uint64) JoinResponse {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "player"
	}
	if r.connectedCount() >= r.tun.MaxPeers {
		return JoinResponse{Code: protocol.ErrSessionFull}
	}

	id := int(r.nextPeer.Add(1))
	spawn := r.scn.SpawnFor(id)
	p := &peerState{
		ID:           id,
		Name:         name,
		Body:         replica.AvatarBody(id),
		ResumeToken:  newResumeToken(),
		Connected:    true,
		Spawn:        spawn,
		Pose:         spawn,
		LastSeenTick: nowTick,
		Tether:       tether.NewState(),
	}
	r.peers[id] = p

	// Roster first, sink second: existing peers and the authority's own
	// projection learn the avatar, while the joiner meets everyone through
	// WELCOME and never sees its own join event.
	r.broadcastPeerEvent("join", p, nowTick)
	if req.Sink != nil {
		r.bus.Attach(id, req.Sink)
	}
	p.snapshotDueTick = nowTick + 1

	r.transition(TransitionEntry{Tick: nowTick, Kind: "join", Peer: id})
	r.logger.Printf("[room %s] peer %d (%s) joined at tick %d", r.cfg.ID, id, name, nowTick)
	return JoinResponse{OK: true, Welcome: r.buildWelcome(p), Scene: r.buildSceneMsg()}
}

func (r *Room) handleAttach(req AttachRequest, nowTick uint64) (int, bool) {
	refuse := func(code string) {
		if req.Resp != nil {
			req.Resp <- JoinResponse{Code: code}
		}
	}

	var p *peerState
	if req.PeerID != 0 {
		p = r.peers[req.PeerID]
	} else if token := strings.TrimSpace(req.ResumeToken); token != "" {
		// Sorted scan keeps resume resolution deterministic.
		for _, id := range r.sortedPeerIDs() {
			if r.peers[id].ResumeToken == token {
				p = r.peers[id]
				break
			}
		}
	}
	if p == nil {
		refuse(protocol.ErrBadToken)
		return 0, false
	}

	if p.Connected {
		// The old link is stale; replace it without touching the roster.
		r.bus.Detach(p.ID)
	} else if r.connectedCount() >= r.tun.MaxPeers {
		refuse(protocol.ErrSessionFull)
		return 0, false
	} else {
		p.Connected = true
		// The avatar returns where it went dark, sanity intact.
		r.broadcastPeerEvent("join", p, nowTick)
	}

	p.LastSeenTick = nowTick
	p.ResumeToken = newResumeToken()
	if req.Sink != nil {
		r.bus.Attach(p.ID, req.Sink)
	}
	p.snapshotDueTick = nowTick + 1

	r.transition(TransitionEntry{Tick: nowTick, Kind: "attach", Peer: p.ID})
	r.logger.Printf("[room %s] peer %d (%s) resumed at tick %d", r.cfg.ID, p.ID, p.Name, nowTick)
	if req.Resp != nil {
		req.Resp <- JoinResponse{OK: true, Welcome: r.buildWelcome(p), Scene: r.buildSceneMsg()}
	}
	return p.ID, true
}

// disconnectPeer frees the seat's live resources but keeps the seat for a
// resume. Everything the peer carried drops in place first, through the
// same commit path a voluntary drop takes.
func (r *Room) disconnectPeer(p *peerState, nowTick uint64, reason string) {
	for _, key := range r.props.HeldBy(p.ID) {
		r.commitDrop(key, p, spatial.Vec3{}, nowTick)
	}
	r.bus.Detach(p.ID)
	p.Connected = false
	p.snapshotDueTick = 0
	r.broadcastPeerEvent("leave", p, nowTick)

	r.transition(TransitionEntry{Tick: nowTick, Kind: reason, Peer: p.ID})
	r.logger.Printf("[room %s] peer %d (%s) disconnected (%s) at tick %d", r.cfg.ID, p.ID, p.Name, reason, nowTick)
}

// kickSilent drops peers that have gone quiet past the heartbeat budget.
func (r *Room) kickSilent(nowTick uint64) {
	limit := r.tun.SilenceKickTicks()
	if limit == 0 {
		return
	}
	for _, id := range r.sortedPeerIDs() {
		p := r.peers[id]
		if !p.Connected || nowTick-p.LastSeenTick <= limit {
			continue
		}
		r.stats.SilenceKicks++
		r.disconnectPeer(p, nowTick, "silence")
	}
}

func (r *Room) broadcastPeerEvent(event string, p *peerState, nowTick uint64) {
	msg := protocol.PeerMsg{
		Type:            protocol.TypePeer,
		ProtocolVersion: protocol.Version,
		Tick:            nowTick,
		Event:           event,
		PeerID:          p.ID,
		Name:            p.Name,
		Body:            p.Body,
	}
	if event == "join" {
		msg.Pose = p.Pose
	}
	if err := r.bus.Broadcast(protocol.TypePeer, msg); err != nil {
		r.logger.Printf("[room %s] peer event: %v", r.cfg.ID, err)
	}
}

func (r *Room) buildWelcome(p *peerState) protocol.WelcomeMsg {
	peers := make([]protocol.PeerInfo, 0, len(r.peers))
	for _, id := range r.sortedPeerIDs() {
		o := r.peers[id]
		if o.ID == p.ID || !o.Connected {
			continue
		}
		peers = append(peers, protocol.PeerInfo{PeerID: o.ID, Name: o.Name, Body: o.Body, Pose: o.Pose})
	}
	return protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       r.cfg.ID,
		PeerID:          p.ID,
		HostID:          protocol.AuthorityID,
		ResumeToken:     p.ResumeToken,
		TickRateHz:      r.tun.TickRateHz,
		PoseRateHz:      r.tun.Pose.SendRateHz,
		InventoryCap:    r.tun.InventoryCap,
		Spawn:           p.Pose,
		Tether: protocol.TetherParams{
			WarnDist:     r.tun.Tether.WarnDist,
			HardDist:     r.tun.Tether.HardDist,
			GraceSeconds: r.tun.Tether.GraceSeconds,
			Policy:       r.tun.Tether.Policy,
		},
		Scene: protocol.DigestRef{Digest: r.scn.Digest, Count: len(r.scn.Props)},
		Peers: peers,
	}
}

func (r *Room) buildSceneMsg() protocol.SceneMsg {
	return protocol.SceneMsg{
		Type:            protocol.TypeScene,
		ProtocolVersion: protocol.Version,
		Digest:          r.scn.Digest,
		Data:            r.scn.Manifest,
	}
}

// Tokens are opaque. A fresh one is minted on every seat grant so a token
// that resumed once can never resume again.
func newResumeToken() string {
	return "resume_" + uuid.NewString()
}
