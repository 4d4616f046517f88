package room

import (
	"encoding/json"
	"errors"
	"strconv"

	"tetherbound.gg/internal/protocol"
	"tetherbound.gg/internal/sim/ownership"
	"tetherbound.gg/internal/sim/spatial"
)

type cmdKey struct {
	Peer  int
	CmdID string
}

// cmdOutcome remembers what a command id produced. Applied commands store
// an empty code: a retransmit stays silent because the APPLY already reached
// the peer on the reliable lane. Rejections replay their notice.
type cmdOutcome struct {
	Code       string
	Message    string
	RetryAfter float64
	ExpireTick uint64
}

const maxMountLen = 32

// handleCmd runs the validation chain for one client command: spoof check,
// duplicate check, rate limit, then the verb's own rules. Silent outcomes
// and notices both end here; only a committed transition broadcasts.
func (r *Room) handleCmd(p *peerState, raw []byte, nowTick uint64) {
	var m protocol.CmdMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		r.sendReject(p.ID, "", nowTick, protocol.ErrProtoBadRequest, "unreadable command", 0)
		return
	}

	if m.PeerID != 0 && m.PeerID != p.ID {
		r.transition(TransitionEntry{Tick: nowTick, Kind: "spoof", Peer: p.ID, Key: m.Key, Detail: "claimed peer " + strconv.Itoa(m.PeerID)})
		r.rejectCmd(p, m, nowTick, protocol.ErrSpoof, "sender id mismatch", 0, true)
		return
	}
	if m.CmdID == "" || m.Key == "" || !validVerb(m.Verb) || len(m.Mount) > maxMountLen {
		r.rejectCmd(p, m, nowTick, protocol.ErrBadRequest, "malformed command", 0, false)
		return
	}

	if out, ok := r.dedupe[cmdKey{Peer: p.ID, CmdID: m.CmdID}]; ok {
		r.stats.CmdsDeduped++
		if out.Code != "" {
			r.sendReject(p.ID, m.CmdID, nowTick, out.Code, out.Message, out.RetryAfter)
		}
		return
	}

	if !p.cmdWindow.allow(nowTick, uint64(r.tun.RateLimits.CmdWindowTicks), r.tun.RateLimits.CmdMax) {
		// Not recorded: the same command id must succeed when retried
		// after the window clears.
		remaining := float64(uint64(r.tun.RateLimits.CmdWindowTicks)-(nowTick-p.cmdWindow.Start)) * r.tun.TickSeconds()
		r.rejectCmd(p, m, nowTick, protocol.ErrRateLimit, "slow down", remaining, false)
		return
	}

	switch m.Verb {
	case protocol.VerbGrab:
		r.requestGrab(p, m, nowTick)
	case protocol.VerbDrop:
		r.requestDrop(p, m, nowTick)
	case protocol.VerbUse:
		r.requestUse(p, m, nowTick)
	}
}

func (r *Room) requestGrab(p *peerState, m protocol.CmdMsg, nowTick uint64) {
	prop, ok := r.scn.Find(m.Key)
	if !ok {
		r.rejectCmd(p, m, nowTick, protocol.ErrUnknownKey, "no such prop", 0, true)
		return
	}
	if !prop.Class.Holdable() {
		r.rejectCmd(p, m, nowTick, protocol.ErrNotHoldable, "prop cannot be carried", 0, true)
		return
	}
	if r.props.HeldCount(p.ID) >= r.tun.InventoryCap {
		r.rejectCmd(p, m, nowTick, protocol.ErrInventoryFull, "hands full", inventoryNoticeSeconds, true)
		return
	}

	if err := r.props.TryLock(prop.Key, p.ID); err != nil {
		switch {
		case errors.Is(err, ownership.ErrLocked):
			// Lost to a grab in this same batch. The winner's APPLY is
			// the only signal anyone needs, but the journal still gets a line.
			r.transition(TransitionEntry{Tick: nowTick, Kind: "race", Peer: p.ID, Key: prop.Key})
			return
		case errors.Is(err, ownership.ErrHeld):
			if r.grabTick[prop.Key] == nowTick {
				r.transition(TransitionEntry{Tick: nowTick, Kind: "race", Peer: p.ID, Key: prop.Key})
				return
			}
			r.rejectCmd(p, m, nowTick, protocol.ErrConflict, "already held", 0, true)
			return
		default:
			r.logger.Printf("[room %s] grab %q by %d: %v", r.cfg.ID, prop.Key, p.ID, err)
			return
		}
	}

	mount := m.Mount
	if mount == "" {
		mount = defaultMount
	}
	if err := r.props.SetHolder(prop.Key, p.ID, mount); err != nil {
		r.props.Unlock(prop.Key, p.ID)
		r.logger.Printf("[room %s] grab commit %q by %d: %v", r.cfg.ID, prop.Key, p.ID, err)
		return
	}
	r.grabTick[prop.Key] = nowTick
	r.recordApplied(p, m, nowTick)

	r.applySeq++
	apply := protocol.ApplyMsg{
		Type:            protocol.TypeApply,
		ProtocolVersion: protocol.Version,
		Tick:            nowTick,
		Seq:             r.applySeq,
		Effect:          protocol.VerbGrab,
		Key:             prop.Key,
		PeerID:          p.ID,
		Mount:           mount,
	}
	if err := r.bus.Broadcast(protocol.TypeApply, apply); err != nil {
		r.logger.Printf("[room %s] apply grab: %v", r.cfg.ID, err)
	}
	r.stats.CmdsApplied++
	r.transition(TransitionEntry{Tick: nowTick, Kind: "grab", Peer: p.ID, Key: prop.Key})
}

func (r *Room) requestDrop(p *peerState, m protocol.CmdMsg, nowTick uint64) {
	rec, ok := r.props.Resolve(m.Key)
	if !ok {
		r.rejectCmd(p, m, nowTick, protocol.ErrUnknownKey, "no such prop", 0, true)
		return
	}
	if rec.Holder != p.ID {
		r.rejectCmd(p, m, nowTick, protocol.ErrNotHolder, "not carrying that", 0, true)
		return
	}

	dir := p.Pose.Forward()
	if m.ImpulseDir != nil && m.ImpulseDir.Len() > 0 {
		dir = m.ImpulseDir.Normalized()
	}
	r.recordApplied(p, m, nowTick)
	r.commitDrop(rec.Key, p, dir, nowTick)
	r.stats.CmdsApplied++
}

// commitDrop releases one held prop at a placement computed from the
// carrier's pose. Disconnect cleanup calls it too, with a zero direction,
// so a vanished peer's props land exactly where a voluntary drop would put
// them.
func (r *Room) commitDrop(key string, p *peerState, dir spatial.Vec3, nowTick uint64) {
	placement := spatial.Transform{
		Pos: p.Pose.Pos.
			Add(p.Pose.Forward().Scale(r.tun.Drop.ForwardOffset)).
			Add(spatial.Up.Scale(r.tun.Drop.UpOffset)),
		Yaw: p.Pose.Yaw,
	}
	if _, err := r.props.ClearHolder(key, placement); err != nil {
		r.logger.Printf("[room %s] drop %q by %d: %v", r.cfg.ID, key, p.ID, err)
		return
	}

	r.applySeq++
	apply := protocol.ApplyMsg{
		Type:            protocol.TypeApply,
		ProtocolVersion: protocol.Version,
		Tick:            nowTick,
		Seq:             r.applySeq,
		Effect:          protocol.VerbDrop,
		Key:             key,
		PeerID:          p.ID,
		Pose:            &placement,
		ImpulseDir:      &dir,
	}
	if err := r.bus.Broadcast(protocol.TypeApply, apply); err != nil {
		r.logger.Printf("[room %s] apply drop: %v", r.cfg.ID, err)
	}
	r.transition(TransitionEntry{Tick: nowTick, Kind: "drop", Peer: p.ID, Key: key})
}

func (r *Room) requestUse(p *peerState, m protocol.CmdMsg, nowTick uint64) {
	prop, ok := r.scn.Find(m.Key)
	if !ok {
		r.rejectCmd(p, m, nowTick, protocol.ErrUnknownKey, "no such prop", 0, true)
		return
	}
	if !prop.Class.Usable() {
		r.rejectCmd(p, m, nowTick, protocol.ErrNotUsable, "prop has no use action", 0, true)
		return
	}
	if holder, _ := r.props.Holder(prop.Key); holder != p.ID {
		r.rejectCmd(p, m, nowTick, protocol.ErrNotHolder, "not carrying that", 0, true)
		return
	}

	r.recordApplied(p, m, nowTick)
	r.applySeq++
	apply := protocol.ApplyMsg{
		Type:            protocol.TypeApply,
		ProtocolVersion: protocol.Version,
		Tick:            nowTick,
		Seq:             r.applySeq,
		Effect:          protocol.VerbUse,
		Key:             prop.Key,
		PeerID:          p.ID,
	}
	if err := r.bus.Broadcast(protocol.TypeApply, apply); err != nil {
		r.logger.Printf("[room %s] apply use: %v", r.cfg.ID, err)
	}
	r.stats.CmdsApplied++
	r.transition(TransitionEntry{Tick: nowTick, Kind: "use", Peer: p.ID, Key: prop.Key})
}

func (r *Room) recordApplied(p *peerState, m protocol.CmdMsg, nowTick uint64) {
	r.dedupe[cmdKey{Peer: p.ID, CmdID: m.CmdID}] = cmdOutcome{ExpireTick: nowTick + r.dedupeTTLTicks}
}

// rejectCmd surfaces a validation failure to the requester only. record
// controls whether a retransmit of the same command id replays the notice.
func (r *Room) rejectCmd(p *peerState, m protocol.CmdMsg, nowTick uint64, code, message string, retryAfter float64, record bool) {
	if record && m.CmdID != "" {
		r.dedupe[cmdKey{Peer: p.ID, CmdID: m.CmdID}] = cmdOutcome{
			Code:       code,
			Message:    message,
			RetryAfter: retryAfter,
			ExpireTick: nowTick + r.dedupeTTLTicks,
		}
	}
	r.stats.CmdsRejected++
	r.sendReject(p.ID, m.CmdID, nowTick, code, message, retryAfter)
	r.transition(TransitionEntry{Tick: nowTick, Kind: "reject", Peer: p.ID, Key: m.Key, Code: code})
}

func (r *Room) sendReject(peerID int, cmdID string, nowTick uint64, code, message string, retryAfter float64) {
	msg := protocol.RejectMsg{
		Type:            protocol.TypeReject,
		ProtocolVersion: protocol.Version,
		Tick:            nowTick,
		CmdID:           cmdID,
		Code:            code,
		Message:         message,
		RetryAfterSec:   retryAfter,
	}
	if err := r.bus.Send(peerID, protocol.TypeReject, msg); err != nil {
		r.logger.Printf("[room %s] reject to %d: %v", r.cfg.ID, peerID, err)
	}
}

func validVerb(v string) bool {
	switch v {
	case protocol.VerbGrab, protocol.VerbDrop, protocol.VerbUse:
		return true
	}
	return false
}
