package replica

import (
	"encoding/json"
	"io"
	"log"
	"math"
	"testing"

	"tetherbound.gg/internal/bus"
	"tetherbound.gg/internal/protocol"
	"tetherbound.gg/internal/sim/scene"
	"tetherbound.gg/internal/sim/spatial"
)

const testManifest = `{
  "spawn_points": [{"pos": {"x": 0, "y": 0, "z": 0}, "yaw": 0}],
  "props": [
    {"key": "lantern", "name": "Lantern", "class": "tool", "zone": "cellar",
     "pose": {"pos": {"x": 1, "y": 0, "z": 1}, "yaw": 0}},
    {"key": "crate", "name": "Crate", "class": "carryable", "zone": "cellar",
     "pose": {"pos": {"x": 3, "y": 0, "z": 1}, "yaw": 0}}
  ]
}`

func newProjection(t *testing.T, role bus.Role, selfID int) *Projection {
	t.Helper()
	p := NewProjection(Config{
		Role:         role,
		SelfID:       selfID,
		BlendFactor:  0.25,
		SnapEpsilon:  0.01,
		ImpulseScale: 2,
		MinNudge:     0.05,
		Logger:       log.New(io.Discard, "", 0),
	})
	sc, err := scene.Parse([]byte(testManifest))
	if err != nil {
		t.Fatal(err)
	}
	p.SeedScene(sc)
	p.SeedAvatar(1, spatial.Transform{})
	p.SeedAvatar(2, spatial.Transform{Pos: spatial.Vec3{X: 2}})
	return p
}

func raw(t *testing.T, msg any) []byte {
	t.Helper()
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func apply(t *testing.T, p *Projection, msg any) {
	t.Helper()
	if err := p.Handle(raw(t, msg)); err != nil {
		t.Fatal(err)
	}
}

func grabMsg(seq uint64, key string, peer int) protocol.ApplyMsg {
	return protocol.ApplyMsg{
		Type: protocol.TypeApply, ProtocolVersion: protocol.Version,
		Seq: seq, Effect: protocol.VerbGrab, Key: key, PeerID: peer, Mount: "hand.R",
	}
}

func dropMsg(seq uint64, key string, pose spatial.Transform, dir spatial.Vec3) protocol.ApplyMsg {
	return protocol.ApplyMsg{
		Type: protocol.TypeApply, ProtocolVersion: protocol.Version,
		Seq: seq, Effect: protocol.VerbDrop, Key: key, Pose: &pose, ImpulseDir: &dir,
	}
}

func TestGrabDropRoundTrip(t *testing.T) {
	p := newProjection(t, bus.RoleReplica, 2)

	apply(t, p, grabMsg(1, "lantern", 2))
	b, _ := p.Body("lantern")
	if !b.Carried {
		t.Fatal("grabbed prop must be carried")
	}
	holds := p.Holds()
	if len(holds) != 1 || holds[0].Holder != 2 || holds[0].Mount != "hand.R" {
		t.Fatalf("holds = %+v", holds)
	}

	dropAt := spatial.Transform{Pos: spatial.Vec3{X: 5, Z: -2}, Yaw: 1}
	apply(t, p, dropMsg(2, "lantern", dropAt, spatial.Vec3{Z: 1}))
	b, _ = p.Body("lantern")
	if b.Carried {
		t.Fatal("dropped prop must detach")
	}
	if b.Displayed != dropAt || b.Target != dropAt {
		t.Fatalf("drop must place exactly: %+v", b)
	}
	if len(p.Holds()) != 0 {
		t.Fatal("hold table must clear")
	}

	var impulse *Event
	for _, ev := range p.Events() {
		ev := ev
		if ev.Kind == "impulse" {
			impulse = &ev
		}
	}
	if impulse == nil {
		t.Fatal("drop must emit an impulse")
	}
	// dir (0,0,1) * scale 2 + up * 0.05
	want := spatial.Vec3{Y: 0.05, Z: 2}
	if impulse.Impulse.Dist(want) > 1e-9 {
		t.Fatalf("impulse = %+v want %+v", impulse.Impulse, want)
	}
}

func TestGrabIdempotent(t *testing.T) {
	p := newProjection(t, bus.RoleReplica, 3)
	apply(t, p, grabMsg(1, "crate", 2))
	p.Events()
	apply(t, p, grabMsg(1, "crate", 2))
	if len(p.Events()) != 0 {
		t.Fatal("repeat grab must be a no-op")
	}
}

func TestDropNeutralImpulseStillNudges(t *testing.T) {
	p := newProjection(t, bus.RoleReplica, 2)
	apply(t, p, grabMsg(1, "crate", 2))
	p.Events()
	apply(t, p, dropMsg(2, "crate", spatial.Transform{}, spatial.Vec3{}))
	var got *Event
	for _, ev := range p.Events() {
		ev := ev
		if ev.Kind == "impulse" {
			got = &ev
		}
	}
	if got == nil {
		t.Fatal("no impulse event")
	}
	if got.Impulse.Dist(spatial.Vec3{Y: 0.05}) > 1e-9 {
		t.Fatalf("neutral drop must still nudge upward: %+v", got.Impulse)
	}
}

func TestPoseSmoothingConverges(t *testing.T) {
	p := newProjection(t, bus.RoleReplica, 3)

	target := spatial.Transform{Pos: spatial.Vec3{X: 10, Z: 2}, Yaw: 0.5}
	apply(t, p, protocol.PoseMsg{Type: protocol.TypePose, ProtocolVersion: protocol.Version, Body: "A2", Seq: 1, Pose: target})

	start, _ := p.Body("A2")
	startDist := start.Displayed.Pos.Dist(target.Pos)

	p.Step()
	after, _ := p.Body("A2")
	moved := startDist - after.Displayed.Pos.Dist(target.Pos)
	// One step covers exactly the blend fraction, never the whole gap.
	if math.Abs(moved-startDist*0.25) > 1e-9 {
		t.Fatalf("first step moved %v of %v", moved, startDist)
	}

	for i := 0; i < 100; i++ {
		p.Step()
	}
	final, _ := p.Body("A2")
	if final.Displayed.Pos.Dist(target.Pos) > 1e-3 {
		t.Fatalf("did not converge: %+v", final.Displayed)
	}
	if final.Displayed != final.Target {
		t.Fatal("converged body should settle on target")
	}
}

func TestStalePoseDropped(t *testing.T) {
	p := newProjection(t, bus.RoleReplica, 3)
	apply(t, p, protocol.PoseMsg{Type: protocol.TypePose, Body: "A2", Seq: 5, Pose: spatial.Transform{Pos: spatial.Vec3{X: 5}}})
	apply(t, p, protocol.PoseMsg{Type: protocol.TypePose, Body: "A2", Seq: 4, Pose: spatial.Transform{Pos: spatial.Vec3{X: 99}}})
	b, _ := p.Body("A2")
	if b.Target.Pos.X != 5 {
		t.Fatalf("stale pose must not apply: %+v", b.Target)
	}
	if stale, _ := p.Stats(); stale != 1 {
		t.Fatalf("stale counter = %d", stale)
	}
	// Gaps are fine: 4 -> 9 applies.
	apply(t, p, protocol.PoseMsg{Type: protocol.TypePose, Body: "A2", Seq: 9, Pose: spatial.Transform{Pos: spatial.Vec3{X: 7}}})
	b, _ = p.Body("A2")
	if b.Target.Pos.X != 7 {
		t.Fatal("gapped seq must apply")
	}
}

func TestOwnEchoIgnored(t *testing.T) {
	// The authority's projection receives its own pose broadcasts
	// call-locally and must not move its avatar by them.
	p := newProjection(t, bus.RoleAuthority, 1)
	p.SetOwnPose(spatial.Transform{Pos: spatial.Vec3{X: 3}})

	apply(t, p, protocol.PoseMsg{Type: protocol.TypePose, Body: "A1", Seq: 10, Pose: spatial.Transform{Pos: spatial.Vec3{X: 50}}})
	b, _ := p.Body("A1")
	if b.Displayed.Pos.X != 3 || b.Target.Pos.X != 3 {
		t.Fatalf("own echo applied: %+v", b)
	}

	// Free props are owned on the authority too.
	apply(t, p, protocol.PoseMsg{Type: protocol.TypePose, Body: "crate", Seq: 1, Pose: spatial.Transform{Pos: spatial.Vec3{X: 50}}})
	c, _ := p.Body("crate")
	if c.Target.Pos.X == 50 {
		t.Fatal("authority must ignore prop pose echoes")
	}
}

func TestCarriedBodyIgnoresPoses(t *testing.T) {
	p := newProjection(t, bus.RoleReplica, 3)
	apply(t, p, grabMsg(1, "crate", 2))
	apply(t, p, protocol.PoseMsg{Type: protocol.TypePose, Body: "crate", Seq: 3, Pose: spatial.Transform{Pos: spatial.Vec3{X: 42}}})
	b, _ := p.Body("crate")
	if b.Target.Pos.X == 42 {
		t.Fatal("carried body must not follow pose traffic")
	}
}

func TestWarpSnaps(t *testing.T) {
	p := newProjection(t, bus.RoleReplica, 3)
	warpTo := spatial.Transform{Pos: spatial.Vec3{X: 1, Y: 0.5, Z: 2.5}}
	apply(t, p, protocol.WarpMsg{Type: protocol.TypeWarp, ProtocolVersion: protocol.Version, Seq: 3, Body: "A2", Pose: warpTo, MoverID: 2, AnchorID: 1})
	b, _ := p.Body("A2")
	if b.Displayed != warpTo || b.Target != warpTo {
		t.Fatalf("warp must snap both poses: %+v", b)
	}
}

func TestSnapshotReplayMatchesLiveAndIsIdempotent(t *testing.T) {
	live := newProjection(t, bus.RoleReplica, 3)
	apply(t, live, grabMsg(1, "lantern", 2))
	freedAt := spatial.Transform{Pos: spatial.Vec3{X: 8}, Yaw: 2}
	apply(t, live, grabMsg(2, "crate", 1))
	apply(t, live, dropMsg(3, "crate", freedAt, spatial.Vec3{X: 1}))

	snap := protocol.SnapshotMsg{
		Type: protocol.TypeSnapshot, ProtocolVersion: protocol.Version,
		Tick: 100, Seq: 3,
		Records: []protocol.SnapshotRecord{
			{Key: "crate", Holder: 0, Pose: freedAt},
			{Key: "lantern", Holder: 2, Mount: "hand.R", Pose: spatial.Transform{Pos: spatial.Vec3{X: 1, Z: 1}}},
		},
	}

	joiner := newProjection(t, bus.RoleReplica, 4)
	apply(t, joiner, snap)

	if live.Digest() != joiner.Digest() {
		t.Fatalf("replayed snapshot differs from live view:\nlive   %s\njoiner %s", live.Digest(), joiner.Digest())
	}

	before := joiner.Digest()
	joiner.Events()
	apply(t, joiner, snap)
	if joiner.Digest() != before {
		t.Fatal("second replay must change nothing")
	}
	for _, ev := range joiner.Events() {
		if ev.Kind == "grab" {
			t.Fatal("second replay must not re-emit grab events")
		}
	}
}

func TestSnapshotClearsStaleHold(t *testing.T) {
	p := newProjection(t, bus.RoleReplica, 3)
	apply(t, p, grabMsg(1, "lantern", 2))

	// Authority says the lantern is free now.
	pose := spatial.Transform{Pos: spatial.Vec3{Z: 9}}
	apply(t, p, protocol.SnapshotMsg{
		Type: protocol.TypeSnapshot, Seq: 5,
		Records: []protocol.SnapshotRecord{{Key: "lantern", Holder: 0, Pose: pose}},
	})
	if len(p.Holds()) != 0 {
		t.Fatal("stale hold must clear")
	}
	b, _ := p.Body("lantern")
	if b.Displayed != pose {
		t.Fatalf("freed prop must land at snapshot pose: %+v", b.Displayed)
	}
}

func TestUnknownBodySkipsAndCounts(t *testing.T) {
	p := newProjection(t, bus.RoleReplica, 2)
	apply(t, p, grabMsg(1, "ghost", 2))
	if _, unresolved := p.Stats(); unresolved != 1 {
		t.Fatal("unresolved grab must count")
	}
	if len(p.Holds()) != 0 {
		t.Fatal("unresolved grab must not record a hold")
	}
	// Self-heal: the same grab works once the body exists.
	p.SeedAvatar(4, spatial.Transform{})
	apply(t, p, protocol.PeerMsg{Type: protocol.TypePeer, Event: "leave", PeerID: 4, Body: "A4"})
	if _, ok := p.Body("A4"); ok {
		t.Fatal("leave must remove the avatar")
	}
}

func TestTetherReadoutStored(t *testing.T) {
	p := newProjection(t, bus.RoleReplica, 2)
	apply(t, p, protocol.TetherMsg{Type: protocol.TypeTether, ProtocolVersion: protocol.Version, PeerID: 2, PartnerID: 1, Distance: 30, Proximity: 0.5, Sanity: 80, Fx: 0.5})
	if got := p.Tether(); got.PartnerID != 1 || got.Sanity != 80 {
		t.Fatalf("tether readout = %+v", got)
	}
}
