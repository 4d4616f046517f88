package room

import (
	"encoding/json"
	"math"
	"testing"

	"tetherbound.gg/internal/protocol"
	"tetherbound.gg/internal/replica"
	"tetherbound.gg/internal/sim/spatial"
	"tetherbound.gg/internal/sim/tuning"
)

func poseRaw(t *testing.T, body string, seq uint64, pose spatial.Transform) []byte {
	t.Helper()
	raw, err := json.Marshal(protocol.PoseMsg{
		Type:            protocol.TypePose,
		ProtocolVersion: protocol.Version,
		Body:            body,
		Seq:             seq,
		Pose:            pose,
	})
	if err != nil {
		t.Fatalf("marshal pose: %v", err)
	}
	return raw
}

func TestPose_RelayedToOthersNotSender(t *testing.T) {
	r := newTestRoom(t, tuning.Defaults())
	s1 := &captureSink{}
	s2 := &captureSink{}
	id1, _ := joinPeer(t, r, "ash", s1)
	joinPeer(t, r, "brook", s2)

	next := spatial.Transform{Pos: spatial.Vec3{X: 3, Y: 0, Z: 1}, Yaw: 0.5}
	r.StepOnce(nil, nil, nil, []InboundEnvelope{{From: id1, Raw: poseRaw(t, replica.AvatarBody(id1), 1, next)}})

	if got, _ := r.DebugPeerPose(id1); got != next {
		t.Fatalf("authoritative pose = %+v, want %+v", got, next)
	}
	if got := msgsOfType(t, s2.bestEffort, protocol.TypePose); len(got) != 1 {
		t.Fatalf("other peer saw %d poses, want 1", len(got))
	} else {
		var m protocol.PoseMsg
		decodeInto(t, got[0], &m)
		if m.Pose != next || m.Seq != 1 || m.Tick == 0 {
			t.Fatalf("relayed pose = %+v, want stamped copy of %+v", m, next)
		}
	}
	if got := msgsOfType(t, s1.bestEffort, protocol.TypePose); len(got) != 0 {
		t.Fatalf("sender got its own pose echoed back")
	}
}

func TestPose_StaleSeqDropped(t *testing.T) {
	r := newTestRoom(t, tuning.Defaults())
	s2 := &captureSink{}
	id1, _ := joinPeer(t, r, "ash", nil)
	joinPeer(t, r, "brook", s2)

	newer := spatial.Transform{Pos: spatial.Vec3{X: 1}, Yaw: 0}
	older := spatial.Transform{Pos: spatial.Vec3{X: 9}, Yaw: 0}
	r.StepOnce(nil, nil, nil, []InboundEnvelope{
		{From: id1, Raw: poseRaw(t, replica.AvatarBody(id1), 5, newer)},
		{From: id1, Raw: poseRaw(t, replica.AvatarBody(id1), 4, older)},
	})

	if got, _ := r.DebugPeerPose(id1); got != newer {
		t.Fatalf("stale pose overwrote newer: %+v", got)
	}
	if r.DebugStats().PosesStale != 1 {
		t.Fatalf("stale counter = %d, want 1", r.DebugStats().PosesStale)
	}
	if got := msgsOfType(t, s2.bestEffort, protocol.TypePose); len(got) != 1 {
		t.Fatalf("stale pose relayed anyway: %d", len(got))
	}
}

func TestPose_WrongBodyAndNonFiniteDropped(t *testing.T) {
	r := newTestRoom(t, tuning.Defaults())
	id1, _ := joinPeer(t, r, "ash", nil)
	start, _ := r.DebugPeerPose(id1)

	bad := spatial.Transform{Pos: spatial.Vec3{X: math.NaN()}, Yaw: 0}
	r.StepOnce(nil, nil, nil, []InboundEnvelope{
		{From: id1, Raw: poseRaw(t, "A999", 1, spatial.Transform{})},
		{From: id1, Raw: poseRaw(t, replica.AvatarBody(id1), 1, bad)},
	})

	if got, _ := r.DebugPeerPose(id1); got != start {
		t.Fatalf("rejected poses moved the avatar: %+v", got)
	}
	if r.DebugStats().PosesDropped != 2 {
		t.Fatalf("dropped = %d, want 2", r.DebugStats().PosesDropped)
	}
	if r.DebugStats().PosesAccepted != 0 {
		t.Fatalf("accepted = %d, want 0", r.DebugStats().PosesAccepted)
	}
}

func TestPose_FloodPastBudgetDropped(t *testing.T) {
	tun := tuning.Defaults()
	tun.RateLimits.PosePerSecond = 5
	tun.RateLimits.PoseBurst = 2 // 7 per second-window
	r := newTestRoom(t, tun)
	id1, _ := joinPeer(t, r, "ash", nil)

	var batch []InboundEnvelope
	for i := uint64(1); i <= 10; i++ {
		pose := spatial.Transform{Pos: spatial.Vec3{X: float64(i)}, Yaw: 0}
		batch = append(batch, InboundEnvelope{From: id1, Raw: poseRaw(t, replica.AvatarBody(id1), i, pose)})
	}
	r.StepOnce(nil, nil, nil, batch)

	if got := r.DebugStats().PosesAccepted; got != 7 {
		t.Fatalf("accepted = %d, want 7", got)
	}
	if got := r.DebugStats().PosesDropped; got != 3 {
		t.Fatalf("dropped = %d, want 3", got)
	}
	// The last accepted sample wins; the flood tail never lands.
	if got, _ := r.DebugPeerPose(id1); got.Pos.X != 7 {
		t.Fatalf("authoritative pose x = %v, want 7", got.Pos.X)
	}
}
