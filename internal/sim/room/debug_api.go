package room

import (
	"tetherbound.gg/internal/replica"
	"tetherbound.gg/internal/sim/spatial"
	"tetherbound.gg/internal/sim/tether"
)

// ---- Debug/Test Helpers ----
//
// These helpers exist to allow black-box tests in sibling packages (e.g.
// internal/sim/roomtest) to set up deterministic preconditions without
// reaching into room internals.
//
// They are NOT safe to call concurrently with Run(). Prefer using them only
// in tests that drive the room via StepOnce(), from a single goroutine.

// DebugSetPeerPose moves a peer's authoritative pose directly, bypassing the
// pose lane. Scenario setups use it to separate or reunite pairs.
func (r *Room) DebugSetPeerPose(peerID int, pose spatial.Transform) bool {
	if r == nil {
		return false
	}
	p := r.peers[peerID]
	if p == nil {
		return false
	}
	p.Pose = pose
	return true
}

func (r *Room) DebugPeerPose(peerID int) (spatial.Transform, bool) {
	if r == nil {
		return spatial.Transform{}, false
	}
	p := r.peers[peerID]
	if p == nil {
		return spatial.Transform{}, false
	}
	return p.Pose, true
}

func (r *Room) DebugPeerTether(peerID int) (tether.State, bool) {
	if r == nil {
		return tether.State{}, false
	}
	p := r.peers[peerID]
	if p == nil {
		return tether.State{}, false
	}
	return p.Tether, true
}

func (r *Room) DebugSetPeerSanity(peerID int, sanity float64) bool {
	if r == nil {
		return false
	}
	p := r.peers[peerID]
	if p == nil {
		return false
	}
	p.Tether.Sanity = spatial.Clamp(sanity, 0, 100)
	return true
}

func (r *Room) DebugPeerConnected(peerID int) bool {
	if r == nil {
		return false
	}
	p := r.peers[peerID]
	return p != nil && p.Connected
}

// DebugResumeToken exposes the current token so reconnect tests can present
// it the way a real client would.
func (r *Room) DebugResumeToken(peerID int) string {
	if r == nil {
		return ""
	}
	p := r.peers[peerID]
	if p == nil {
		return ""
	}
	return p.ResumeToken
}

// DebugHolder reports who holds a prop; 0 means free or unknown.
func (r *Room) DebugHolder(key string) int {
	if r == nil {
		return 0
	}
	holder, _ := r.props.Holder(key)
	return holder
}

// DebugBody reads one body out of the authority's own projection, which
// consumed every broadcast call-locally.
func (r *Room) DebugBody(id string) (replica.Body, bool) {
	if r == nil {
		return replica.Body{}, false
	}
	return r.proj.Body(id)
}

func (r *Room) DebugStats() Stats {
	if r == nil {
		return Stats{}
	}
	return r.stats
}

// DebugStateDigest returns the current room digest for the given tick label.
// This is intended for black-box determinism tests in sibling packages.
func (r *Room) DebugStateDigest(nowTick uint64) string {
	if r == nil {
		return ""
	}
	return r.stateDigest(nowTick)
}
