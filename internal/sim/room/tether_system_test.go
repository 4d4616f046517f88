package room

import (
	"math"
	"testing"

	"tetherbound.gg/internal/protocol"
	"tetherbound.gg/internal/sim/spatial"
	"tetherbound.gg/internal/sim/tuning"
)

func tetherPushes(t *testing.T, s *captureSink) []protocol.TetherMsg {
	t.Helper()
	var out []protocol.TetherMsg
	for _, raw := range msgsOfType(t, s.bestEffort, protocol.TypeTether) {
		var m protocol.TetherMsg
		decodeInto(t, raw, &m)
		out = append(out, m)
	}
	return out
}

func warps(t *testing.T, s *captureSink) []protocol.WarpMsg {
	t.Helper()
	var out []protocol.WarpMsg
	for _, raw := range msgsOfType(t, s.reliable, protocol.TypeWarp) {
		var m protocol.WarpMsg
		decodeInto(t, raw, &m)
		out = append(out, m)
	}
	return out
}

// Defaults: warn 25, hard 55, grace 1.25s, monitor every 3 ticks at 30 Hz,
// drain 6/s scaled by proximity, recover 10/s.
func TestTether_DrainsPastWarnAndRecoversTogether(t *testing.T) {
	r := newTestRoom(t, tuning.Defaults())
	s1 := &captureSink{}
	s2 := &captureSink{}
	id1, _ := joinPeer(t, r, "ash", s1)
	id2, _ := joinPeer(t, r, "brook", s2)

	// 40 m apart: halfway between warn and hard.
	r.DebugSetPeerPose(id2, spatial.Transform{Pos: spatial.Vec3{Z: 40}})
	r.DebugSetPeerPose(id1, spatial.Transform{})
	stepN(r, 30) // 10 monitor firings

	st, _ := r.DebugPeerTether(id2)
	if st.PartnerID != id1 {
		t.Fatalf("partner = %d, want %d", st.PartnerID, id1)
	}
	if st.Distance != 40 || st.Proximity != 0.5 {
		t.Fatalf("distance/proximity = %v/%v, want 40/0.5", st.Distance, st.Proximity)
	}
	if math.Abs(st.Sanity-97) > 1e-6 {
		t.Fatalf("sanity = %v, want ~97 after 1s at half drain", st.Sanity)
	}
	if st.OverHardSec != 0 {
		t.Fatalf("separation timer running inside hard threshold: %v", st.OverHardSec)
	}

	pushes := tetherPushes(t, s2)
	if len(pushes) == 0 {
		t.Fatalf("no tether readouts pushed")
	}
	last := pushes[len(pushes)-1]
	if last.PeerID != id2 || last.PartnerID != id1 || math.Abs(last.Sanity-st.Sanity) > 1e-6 {
		t.Fatalf("readout = %+v, want authoritative state %+v", last, st)
	}

	// Back together: recovery beats the drain and clamps at full.
	r.DebugSetPeerPose(id2, spatial.Transform{Pos: spatial.Vec3{X: 2}})
	stepN(r, 45)

	st, _ = r.DebugPeerTether(id2)
	if st.Sanity != 100 {
		t.Fatalf("sanity = %v after reunion, want 100", st.Sanity)
	}
	if st.Fx != 0 {
		t.Fatalf("fx = %v at full sanity and zero proximity, want 0", st.Fx)
	}
}

func TestTether_WarpAfterGraceMoverIsLargerPeer(t *testing.T) {
	r := newTestRoom(t, tuning.Defaults())
	s1 := &captureSink{}
	s2 := &captureSink{}
	id1, _ := joinPeer(t, r, "ash", s1)
	id2, _ := joinPeer(t, r, "brook", s2)

	r.DebugSetPeerPose(id1, spatial.Transform{})
	r.DebugSetPeerPose(id2, spatial.Transform{Pos: spatial.Vec3{Z: 60}})
	stepN(r, 45) // grace is 13 firings; leave room after the warp

	if got := r.DebugStats().Warps; got != 1 {
		t.Fatalf("warps = %d, want exactly 1 for the pair", got)
	}

	for _, s := range []*captureSink{s1, s2} {
		got := warps(t, s)
		if len(got) != 1 {
			t.Fatalf("peer %d saw %d WARPs, want 1", s.id, len(got))
		}
		w := got[0]
		if w.MoverID != id2 || w.AnchorID != id1 {
			t.Fatalf("warp roles = mover %d anchor %d, want %d/%d", w.MoverID, w.AnchorID, id2, id1)
		}
	}

	// The larger id lands beside the smaller: forward 2.5, side 1, up 0.5
	// off an anchor at the origin facing +Z.
	want := spatial.Vec3{X: 1, Y: 0.5, Z: 2.5}
	got, _ := r.DebugPeerPose(id2)
	if got.Pos.Dist(want) > 1e-9 {
		t.Fatalf("mover pose = %+v, want %+v", got.Pos, want)
	}
	anchor, _ := r.DebugPeerPose(id1)
	if anchor.Pos != (spatial.Vec3{}) {
		t.Fatalf("anchor moved: %+v", anchor.Pos)
	}

	mover, _ := r.DebugPeerTether(id2)
	if mover.CooldownSec <= 0 {
		t.Fatalf("mover cooldown not armed after warp")
	}
	if mover.OverHardSec != 0 {
		t.Fatalf("mover separation timer survived the warp: %v", mover.OverHardSec)
	}
}

func TestTether_SoloPeerRecoversQuietly(t *testing.T) {
	r := newTestRoom(t, tuning.Defaults())
	s1 := &captureSink{}
	id1, _ := joinPeer(t, r, "ash", s1)

	r.DebugSetPeerSanity(id1, 50)
	stepN(r, 60) // 20 firings at +1 sanity each

	st, _ := r.DebugPeerTether(id1)
	if st.PartnerID != 0 {
		t.Fatalf("solo peer has partner %d", st.PartnerID)
	}
	if math.Abs(st.Sanity-70) > 1e-6 {
		t.Fatalf("sanity = %v, want ~70", st.Sanity)
	}
	if got := tetherPushes(t, s1); len(got) != 0 {
		t.Fatalf("solo peer received %d tether pushes, want none", len(got))
	}
}

func TestTether_RestrainPolicyPushesEnvelopeNeverWarps(t *testing.T) {
	tun := tuning.Defaults()
	tun.Tether.Policy = tuning.PolicyRestrain
	r := newTestRoom(t, tun)
	s1 := &captureSink{}
	s2 := &captureSink{}
	id1, _ := joinPeer(t, r, "ash", s1)
	id2, _ := joinPeer(t, r, "brook", s2)

	p1 := spatial.Transform{}
	p2 := spatial.Transform{Pos: spatial.Vec3{Z: 60}}
	r.DebugSetPeerPose(id1, p1)
	r.DebugSetPeerPose(id2, p2)
	stepN(r, 60) // far past the grace period

	if got := r.DebugStats().Warps; got != 0 {
		t.Fatalf("restrain policy warped %d times", got)
	}
	for _, s := range []*captureSink{s1, s2} {
		if got := warps(t, s); len(got) != 0 {
			t.Fatalf("peer %d saw a WARP under restrain policy", s.id)
		}
	}
	if got, _ := r.DebugPeerPose(id2); got != p2 {
		t.Fatalf("restrain policy moved a peer: %+v", got)
	}

	pushes := tetherPushes(t, s2)
	if len(pushes) == 0 {
		t.Fatalf("no envelope pushes")
	}
	last := pushes[len(pushes)-1]
	if !last.Restrained {
		t.Fatalf("envelope not restraining at 60 m: %+v", last)
	}
	if math.Abs(last.SpeedScale-tun.Tether.RestrainSpeedFloor) > 1e-9 {
		t.Fatalf("speed scale = %v, want floor %v at full proximity", last.SpeedScale, tun.Tether.RestrainSpeedFloor)
	}
	if last.PullDir == nil || last.PullDir.Dist(spatial.Vec3{Z: -1}) > 1e-9 {
		t.Fatalf("pull dir = %+v, want unit -Z toward the partner", last.PullDir)
	}
}
