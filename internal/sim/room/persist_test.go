package room

import (
	"strings"
	"testing"

	"tetherbound.gg/internal/sim/scene"
	"tetherbound.gg/internal/sim/spatial"
	"tetherbound.gg/internal/sim/tuning"
)

func TestSessionExportRestore_RoundTrip(t *testing.T) {
	tun := tuning.Defaults()
	r1 := newTestRoom(t, tun)
	id1, _ := joinPeer(t, r1, "ash", nil)
	id2, _ := joinPeer(t, r1, "brook", nil)

	r1.StepOnce(nil, nil, nil, []InboundEnvelope{{From: id1, Raw: cmdRaw(t, id1, "c1", "grab", "lantern_1")}})
	stepN(r1, 6)
	r1.DebugSetPeerPose(id2, spatial.Transform{Pos: spatial.Vec3{X: 7, Z: 3}, Yaw: 0.4})
	r1.DebugSetPeerSanity(id2, 61)

	snap := r1.ExportSession(r1.CurrentTick())
	if snap.Header.SessionID != "S1" || snap.Header.Tick != r1.CurrentTick() {
		t.Fatalf("header = %+v", snap.Header)
	}
	if snap.SceneDigest != r1.SceneDigest() {
		t.Fatalf("scene digest not captured")
	}
	if len(snap.Peers) != 2 || len(snap.Records) != 4 {
		t.Fatalf("capture = %d peers, %d records", len(snap.Peers), len(snap.Records))
	}

	r2 := newTestRoom(t, tun)
	if err := r2.RestoreSession(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if r2.CurrentTick() != snap.Header.Tick {
		t.Fatalf("tick = %d, want %d", r2.CurrentTick(), snap.Header.Tick)
	}
	if r2.DebugHolder("lantern_1") != id1 {
		t.Fatalf("hold lost in restore")
	}
	if r2.DebugPeerConnected(id1) || r2.DebugPeerConnected(id2) {
		t.Fatalf("restored seats must come back disconnected")
	}
	if got, _ := r2.DebugPeerPose(id2); got.Pos.X != 7 || got.Yaw != 0.4 {
		t.Fatalf("pose lost in restore: %+v", got)
	}
	if st, _ := r2.DebugPeerTether(id2); st.Sanity != 61 {
		t.Fatalf("sanity = %v, want 61", st.Sanity)
	}

	// The restored projection relearned the hold through snapshot replay.
	if body, ok := r2.DebugBody("lantern_1"); !ok || !body.Carried {
		t.Fatalf("restored projection body = %+v, want carried", body)
	}

	// A returning client resumes with the token it held before the restart.
	token := r2.DebugResumeToken(id1)
	if token == "" || token != r1.DebugResumeToken(id1) {
		t.Fatalf("resume token not preserved across restore")
	}
	resp := make(chan JoinResponse, 1)
	r2.StepOnce(nil, []AttachRequest{{ResumeToken: token, Resp: resp}}, nil, nil)
	jr := <-resp
	if !jr.OK || jr.Welcome.PeerID != id1 {
		t.Fatalf("post-restore resume = %+v, want seat %d", jr, id1)
	}

	// New seats keep counting from where the session left off.
	id3, _ := joinPeer(t, r2, "cleo", nil)
	if id3 != 3 {
		t.Fatalf("next seat = %d, want 3", id3)
	}
}

func TestRestoreSession_RefusesMismatchedScene(t *testing.T) {
	tun := tuning.Defaults()
	r1 := newTestRoom(t, tun)
	joinPeer(t, r1, "ash", nil)
	snap := r1.ExportSession(r1.CurrentTick())

	other, err := scene.Parse([]byte(strings.Replace(testManifest, `"x": 1,`, `"x": 1.5,`, 1)))
	if err != nil {
		t.Fatalf("parse altered manifest: %v", err)
	}
	r2, err := New(Config{ID: "S1", Tuning: tun, Scene: other})
	if err != nil {
		t.Fatalf("new room: %v", err)
	}
	if err := r2.RestoreSession(snap); err == nil {
		t.Fatalf("restore accepted a session from a different scene build")
	}

	bad := tun
	bad.TickRateHz = 60
	r3 := newTestRoom(t, bad)
	if err := r3.RestoreSession(snap); err == nil {
		t.Fatalf("restore accepted a mismatched tick rate")
	}
}
