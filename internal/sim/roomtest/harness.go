// Package roomtest drives a session room purely through its exported
// surface: joins, resumes and client messages go in via StepOnce, outcomes
// come back through capture sinks, Debug helpers, and replica projections
// fed from the captured streams. Scenario tests live here so they cannot
// lean on room internals.
package roomtest

import (
	"encoding/json"
	"io"
	"log"
	"testing"

	"tetherbound.gg/internal/bus"
	"tetherbound.gg/internal/protocol"
	"tetherbound.gg/internal/replica"
	"tetherbound.gg/internal/sim/room"
	"tetherbound.gg/internal/sim/scene"
	"tetherbound.gg/internal/sim/spatial"
	"tetherbound.gg/internal/sim/tuning"
)

// scenarioManifest is the fixed level the scenarios run on: four spawn
// points inside the warn radius, three holdable props, one fixture.
const scenarioManifest = `{
  "spawn_points": [
    {"pos": {"x": 0, "y": 0, "z": 0}, "yaw": 0},
    {"pos": {"x": 2, "y": 0, "z": 0}, "yaw": 0},
    {"pos": {"x": 0, "y": 0, "z": 2}, "yaw": 0},
    {"pos": {"x": 2, "y": 0, "z": 2}, "yaw": 0}
  ],
  "props": [
    {"key": "crate_a", "name": "Supply Crate", "class": "carryable", "zone": "dock",
     "pose": {"pos": {"x": 1, "y": 0, "z": 3}, "yaw": 0}},
    {"key": "crate_b", "name": "Supply Crate", "class": "carryable", "zone": "dock",
     "pose": {"pos": {"x": 1.5, "y": 0, "z": 3}, "yaw": 0}},
    {"key": "lantern_1", "name": "Lantern", "class": "tool", "zone": "dock",
     "pose": {"pos": {"x": 3, "y": 0, "z": 3}, "yaw": 0}},
    {"name": "Mooring Post", "class": "fixture", "zone": "dock",
     "pose": {"pos": {"x": 0, "y": 0, "z": 8}, "yaw": 3.14}}
  ]
}`

// scenarioTuning is Defaults on a 10 Hz clock with the tether monitor on
// every tick, so one step is 0.1 s of both simulation and tether time.
// The silence kick is off; scenarios drive ticks directly and would
// otherwise lose peers mid-script.
func scenarioTuning() tuning.Tuning {
	tun := tuning.Defaults()
	tun.TickRateHz = 10
	tun.Tether.MonitorHz = 10
	tun.HeartbeatSeconds = 0
	return tun
}

// Sink records everything the room sends one peer, split by lane.
type Sink struct {
	Reliable   [][]byte
	BestEffort [][]byte
}

func (s *Sink) SendReliable(b []byte) bool {
	s.Reliable = append(s.Reliable, append([]byte(nil), b...))
	return true
}

func (s *Sink) SendBestEffort(b []byte) {
	s.BestEffort = append(s.BestEffort, append([]byte(nil), b...))
}

// Harness is a black-box driver for one room.
type Harness struct {
	T     *testing.T
	R     *room.Room
	Scene *scene.Scene

	Sinks    map[int]*Sink
	Welcomes map[int]protocol.WelcomeMsg
}

func NewHarness(t *testing.T, tun tuning.Tuning) *Harness {
	t.Helper()
	scn, err := scene.Parse([]byte(scenarioManifest))
	if err != nil {
		t.Fatalf("parse scenario manifest: %v", err)
	}
	r, err := room.New(room.Config{
		ID:     "TEST",
		Tuning: tun,
		Scene:  scn,
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("room.New: %v", err)
	}
	return &Harness{
		T:        t,
		R:        r,
		Scene:    scn,
		Sinks:    map[int]*Sink{},
		Welcomes: map[int]protocol.WelcomeMsg{},
	}
}

// Join seats one peer in its own tick and returns its id.
func (h *Harness) Join(name string) int {
	h.T.Helper()
	sink := &Sink{}
	resp := make(chan room.JoinResponse, 1)
	h.R.StepOnce([]room.JoinRequest{{Name: name, Sink: sink, Resp: resp}}, nil, nil, nil)
	jr := <-resp
	if !jr.OK {
		h.T.Fatalf("join %q refused: %s", name, jr.Code)
	}
	id := jr.Welcome.PeerID
	h.Sinks[id] = sink
	h.Welcomes[id] = jr.Welcome
	return id
}

// Leave processes a voluntary leave in its own tick.
func (h *Harness) Leave(id int) {
	h.T.Helper()
	h.R.StepOnce(nil, nil, []int{id}, nil)
}

// Resume reclaims a seat with its current token on a fresh sink.
func (h *Harness) Resume(id int) {
	h.T.Helper()
	token := h.R.DebugResumeToken(id)
	sink := &Sink{}
	resp := make(chan room.JoinResponse, 1)
	h.R.StepOnce(nil, []room.AttachRequest{{ResumeToken: token, Sink: sink, Resp: resp}}, nil, nil)
	jr := <-resp
	if !jr.OK {
		h.T.Fatalf("resume peer %d refused: %s", id, jr.Code)
	}
	if jr.Welcome.PeerID != id {
		h.T.Fatalf("resume landed on peer %d, want %d", jr.Welcome.PeerID, id)
	}
	h.Sinks[id] = sink
	h.Welcomes[id] = jr.Welcome
}

// Step advances one tick with no inputs.
func (h *Harness) Step() { h.R.StepOnce(nil, nil, nil, nil) }

func (h *Harness) StepN(n int) {
	for i := 0; i < n; i++ {
		h.Step()
	}
}

// Deliver runs one tick carrying the given client messages, in order.
// Sharing a tick is how race scenarios are scripted.
func (h *Harness) Deliver(envs ...room.InboundEnvelope) {
	h.R.StepOnce(nil, nil, nil, envs)
}

// Cmd builds one command envelope for Deliver.
func (h *Harness) Cmd(peer int, cmdID, verb, key string) room.InboundEnvelope {
	h.T.Helper()
	raw, err := json.Marshal(protocol.CmdMsg{
		Type:            protocol.TypeCmd,
		ProtocolVersion: protocol.Version,
		CmdID:           cmdID,
		PeerID:          peer,
		Verb:            verb,
		Key:             key,
	})
	if err != nil {
		h.T.Fatalf("marshal cmd: %v", err)
	}
	return room.InboundEnvelope{From: peer, Raw: raw}
}

// Pose builds one pose envelope for the peer's own avatar body.
func (h *Harness) Pose(peer int, seq uint64, pose spatial.Transform) room.InboundEnvelope {
	h.T.Helper()
	return h.PoseFor(peer, replica.AvatarBody(peer), seq, pose)
}

// PoseFor lets a scenario claim an arbitrary body, which is how the spoof
// drop is exercised.
func (h *Harness) PoseFor(peer int, body string, seq uint64, pose spatial.Transform) room.InboundEnvelope {
	h.T.Helper()
	raw, err := json.Marshal(protocol.PoseMsg{
		Type:            protocol.TypePose,
		ProtocolVersion: protocol.Version,
		Body:            body,
		Seq:             seq,
		Pose:            pose,
	})
	if err != nil {
		h.T.Fatalf("marshal pose: %v", err)
	}
	return room.InboundEnvelope{From: peer, Raw: raw}
}

// Place pins a peer's authoritative pose so distances are deterministic.
func (h *Harness) Place(id int, pose spatial.Transform) {
	h.T.Helper()
	if !h.R.DebugSetPeerPose(id, pose) {
		h.T.Fatalf("place peer %d: unknown seat", id)
	}
}

// Reliable returns the captured reliable messages of one type for a peer.
func (h *Harness) Reliable(id int, msgType string) [][]byte {
	h.T.Helper()
	return ofType(h.T, h.sink(id).Reliable, msgType)
}

// BestEffort returns the captured best-effort messages of one type.
func (h *Harness) BestEffort(id int, msgType string) [][]byte {
	h.T.Helper()
	return ofType(h.T, h.sink(id).BestEffort, msgType)
}

func (h *Harness) sink(id int) *Sink {
	h.T.Helper()
	s := h.Sinks[id]
	if s == nil {
		h.T.Fatalf("no sink for peer %d", id)
	}
	return s
}

func ofType(t *testing.T, raws [][]byte, msgType string) [][]byte {
	t.Helper()
	var out [][]byte
	for _, raw := range raws {
		base, err := protocol.DecodeBase(raw)
		if err != nil {
			t.Fatalf("decode captured message: %v", err)
		}
		if base.Type == msgType {
			out = append(out, raw)
		}
	}
	return out
}

func unmarshal(t *testing.T, raw []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("decode %T: %v", v, err)
	}
}

// Replica is a client-side projection fed from one peer's captured stream,
// seeded the way a real client shell seeds it from WELCOME and SCENE.
type Replica struct {
	P *replica.Projection

	sink          *Sink
	fedReliable   int
	fedBestEffort int
}

// NewReplica builds the projection for one seated peer and replays
// everything its sink has captured so far.
func (h *Harness) NewReplica(id int) *Replica {
	h.T.Helper()
	w, ok := h.Welcomes[id]
	if !ok {
		h.T.Fatalf("no welcome recorded for peer %d", id)
	}
	tun := h.R.Tuning()
	p := replica.NewProjection(replica.Config{
		Role:             bus.RoleReplica,
		SelfID:           id,
		BlendFactor:      tun.Pose.BlendFactor,
		SnapEpsilon:      tun.Pose.SnapEpsilon,
		ImpulseScale:     tun.Drop.ImpulseScale,
		MinNudge:         tun.Drop.MinNudge,
		UseCooldownTicks: tun.UseCooldownTicks(),
		Logger:           log.New(io.Discard, "", 0),
	})
	p.SeedScene(h.Scene)
	p.SeedAvatar(id, w.Spawn)
	for _, pi := range w.Peers {
		p.SeedAvatar(pi.PeerID, pi.Pose)
	}
	rep := &Replica{P: p, sink: h.sink(id)}
	rep.Sync(h.T)
	return rep
}

// Sync feeds every captured message the projection has not consumed yet,
// reliable stream first. Best-effort traffic interleaving behind it is
// exactly what the protocol permits.
func (rep *Replica) Sync(t *testing.T) {
	t.Helper()
	for _, raw := range rep.sink.Reliable[rep.fedReliable:] {
		if err := rep.P.Handle(raw); err != nil {
			t.Fatalf("replica handle: %v", err)
		}
	}
	rep.fedReliable = len(rep.sink.Reliable)
	for _, raw := range rep.sink.BestEffort[rep.fedBestEffort:] {
		if err := rep.P.Handle(raw); err != nil {
			t.Fatalf("replica handle: %v", err)
		}
	}
	rep.fedBestEffort = len(rep.sink.BestEffort)
}
