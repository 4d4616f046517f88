package room

import (
	"encoding/json"
	"math"

	"tetherbound.gg/internal/protocol"
	"tetherbound.gg/internal/sim/spatial"
)

// handlePose ingests one avatar pose from its owner and relays it to every
// other peer. The lane is best-effort, so every failure mode here is a
// silent drop; the next sample repairs anything a dropped one left behind.
func (r *Room) handlePose(p *peerState, raw []byte, nowTick uint64) {
	var m protocol.PoseMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		r.stats.PosesDropped++
		return
	}
	if m.Body != p.Body {
		// Peers own exactly one body. Anything else is noise or mischief.
		r.stats.PosesDropped++
		return
	}
	if !finiteTransform(m.Pose) || (m.Vel != nil && !finiteVec(*m.Vel)) {
		r.stats.PosesDropped++
		return
	}
	if m.Seq <= p.PoseSeq {
		r.stats.PosesStale++
		return
	}
	if !p.poseWindow.allow(nowTick, uint64(r.tun.TickRateHz), r.tun.RateLimits.PosePerSecond+r.tun.RateLimits.PoseBurst) {
		r.stats.PosesDropped++
		return
	}

	p.PoseSeq = m.Seq
	p.Pose = m.Pose
	r.stats.PosesAccepted++

	m.Tick = nowTick
	if err := r.bus.Relay(p.ID, protocol.TypePose, m); err != nil {
		r.logger.Printf("[room %s] pose relay: %v", r.cfg.ID, err)
	}
}

func (r *Room) handlePing(p *peerState, raw []byte, nowTick uint64) {
	var m protocol.PingMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	if m.RTTMillis > 0 && finite(m.RTTMillis) {
		p.RTTMillis = m.RTTMillis
	}
	pong := protocol.PongMsg{
		Type:            protocol.TypePong,
		ProtocolVersion: protocol.Version,
		T:               m.T,
		ServerTick:      nowTick,
	}
	if err := r.bus.Send(p.ID, protocol.TypePong, pong); err != nil {
		r.logger.Printf("[room %s] pong to %d: %v", r.cfg.ID, p.ID, err)
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func finiteVec(v spatial.Vec3) bool {
	return finite(v.X) && finite(v.Y) && finite(v.Z)
}

func finiteTransform(t spatial.Transform) bool {
	return finiteVec(t.Pos) && finite(t.Yaw)
}
