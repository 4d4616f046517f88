package room

import (
	"testing"

	"tetherbound.gg/internal/replica"
	"tetherbound.gg/internal/sim/spatial"
	"tetherbound.gg/internal/sim/tuning"
)

// Two rooms fed the identical input stream must digest identically on every
// tick. Resume tokens and client RTT figures are deliberately outside the
// digest; everything gameplay-visible is inside it.
func TestDeterminism_SameInputsSameDigests(t *testing.T) {
	tun := tuning.Defaults()
	r1 := newTestRoom(t, tun)
	r2 := newTestRoom(t, tun)

	join := func(r *Room, name string) int {
		resp := make(chan JoinResponse, 1)
		r.StepOnce([]JoinRequest{{Name: name, Resp: resp}}, nil, nil, nil)
		jr := <-resp
		if !jr.OK {
			t.Fatalf("join %q refused: %s", name, jr.Code)
		}
		return jr.Welcome.PeerID
	}
	a1, a2 := join(r1, "ash"), join(r2, "ash")
	b1, b2 := join(r1, "brook"), join(r2, "brook")
	if a1 != a2 || b1 != b2 {
		t.Fatalf("peer ids diverged: %d/%d and %d/%d", a1, a2, b1, b2)
	}

	// One scripted input batch per tick, replayed into both rooms.
	script := func(tick uint64) (attaches []AttachRequest, leaves []int, inbound func(a, b int) []InboundEnvelope) {
		inbound = func(a, b int) []InboundEnvelope { return nil }
		switch tick {
		case 5:
			inbound = func(a, b int) []InboundEnvelope {
				return []InboundEnvelope{
					{From: a, Raw: cmdRaw(t, a, "g1", "grab", "crate_a")},
					{From: b, Raw: cmdRaw(t, b, "g2", "grab", "crate_a")},
				}
			}
		case 10:
			inbound = func(a, b int) []InboundEnvelope {
				pose := spatial.Transform{Pos: spatial.Vec3{X: 4, Z: 9}, Yaw: 1.2}
				return []InboundEnvelope{{From: b, Raw: poseRaw(t, replica.AvatarBody(b), 1, pose)}}
			}
		case 20:
			inbound = func(a, b int) []InboundEnvelope {
				return []InboundEnvelope{{From: a, Raw: cmdRaw(t, a, "d1", "drop", "crate_a")}}
			}
		case 40:
			leaves = []int{2}
		case 45:
			attaches = []AttachRequest{{PeerID: 2}}
		}
		return attaches, leaves, inbound
	}

	for tick := uint64(2); tick < 60; tick++ {
		at1, lv1, in1 := script(tick)
		at2, lv2, in2 := script(tick)

		_, d1 := r1.StepOnce(nil, at1, lv1, in1(a1, b1))
		_, d2 := r2.StepOnce(nil, at2, lv2, in2(a2, b2))
		if d1 != d2 {
			t.Fatalf("digest mismatch at tick %d:\n  %s\n  %s", tick, d1, d2)
		}
	}

	if r1.DebugHolder("crate_a") != 0 {
		t.Fatalf("script should end with crate_a dropped")
	}
	if !r1.DebugPeerConnected(2) {
		t.Fatalf("script should end with peer 2 re-attached")
	}
}
