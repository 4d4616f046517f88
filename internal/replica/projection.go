// Package replica is the per-node view of a session: bodies with smoothed
// poses, the holds peers carry, and the tether readout. Every node runs one
// projection, the authority included (fed call-locally by its own bus), and
// all of them mutate only through encoded bus messages. Snapshot replay
// goes through the same handlers as live traffic.
package replica

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"

	"tetherbound.gg/internal/bus"
	"tetherbound.gg/internal/protocol"
	"tetherbound.gg/internal/sim/scene"
	"tetherbound.gg/internal/sim/spatial"
)

type Config struct {
	Role   bus.Role
	SelfID int

	// BlendFactor is the fraction of remaining distance covered per step;
	// SnapEpsilon is where blending declares convergence.
	BlendFactor float64
	SnapEpsilon float64

	ImpulseScale float64
	MinNudge     float64

	// UseCooldownTicks debounces repeated use events per key so a spammed
	// trigger does not restart the interaction animation every frame.
	// Zero disables the debounce.
	UseCooldownTicks uint64

	Logger *log.Logger
}

// Body is one posed thing in the scene: an avatar or a prop.
type Body struct {
	ID        string
	Displayed spatial.Transform
	Target    spatial.Transform
	// Owned bodies are simulated on this node; network poses for them are
	// echoes and are dropped.
	Owned bool
	// Carried props follow their holder's mount instead of pose traffic.
	Carried bool
}

// Hold mirrors one committed grab.
type Hold struct {
	Peer  int
	Mount string
}

// Event is what the projection tells the presentation layer: attach this,
// detach that, kick this body with an impulse, play that animation.
type Event struct {
	Kind    string // "grab", "drop", "use", "warp", "impulse"
	Key     string
	Body    string
	Peer    int
	Mount   string
	Pose    spatial.Transform
	Impulse spatial.Vec3
}

type Projection struct {
	cfg    Config
	logger *log.Logger

	bodies  map[string]*Body
	holds   map[string]Hold
	poseSeq map[string]uint64
	lastUse map[string]uint64

	applySeq uint64
	tether   protocol.TetherMsg
	events   []Event

	// counters for ops surfaces
	stalePoses uint64
	unresolved uint64
}

func NewProjection(cfg Config) *Projection {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.BlendFactor <= 0 {
		cfg.BlendFactor = 0.25
	}
	if cfg.SnapEpsilon <= 0 {
		cfg.SnapEpsilon = 0.01
	}
	return &Projection{
		cfg:     cfg,
		logger:  cfg.Logger,
		bodies:  make(map[string]*Body),
		holds:   make(map[string]Hold),
		poseSeq: make(map[string]uint64),
		lastUse: make(map[string]uint64),
	}
}

// AvatarBody names a peer's avatar on the wire.
func AvatarBody(peerID int) string { return fmt.Sprintf("A%d", peerID) }

// SeedScene registers prop bodies at their manifest poses. On the authority
// free props are owned (its environment simulates them).
func (p *Projection) SeedScene(s *scene.Scene) {
	for i := range s.Props {
		pr := &s.Props[i]
		p.bodies[pr.Key] = &Body{
			ID:        pr.Key,
			Displayed: pr.Start,
			Target:    pr.Start,
			Owned:     p.cfg.Role == bus.RoleAuthority,
		}
	}
}

// SeedAvatar registers a peer's avatar body at its spawn pose.
func (p *Projection) SeedAvatar(peerID int, spawn spatial.Transform) {
	id := AvatarBody(peerID)
	p.bodies[id] = &Body{
		ID:        id,
		Displayed: spawn,
		Target:    spawn,
		Owned:     peerID == p.cfg.SelfID,
	}
}

func (p *Projection) RemoveAvatar(peerID int) {
	id := AvatarBody(peerID)
	delete(p.bodies, id)
	delete(p.poseSeq, id)
}

// Handle decodes one bus message and applies it. Unknown bodies and keys
// are skipped with a log line; later traffic repairs the view.
func (p *Projection) Handle(raw []byte) error {
	base, err := protocol.DecodeBase(raw)
	if err != nil {
		return fmt.Errorf("replica: decode: %w", err)
	}
	switch base.Type {
	case protocol.TypeApply:
		var m protocol.ApplyMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("replica: APPLY: %w", err)
		}
		p.handleApply(m)
	case protocol.TypeWarp:
		var m protocol.WarpMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("replica: WARP: %w", err)
		}
		p.handleWarp(m)
	case protocol.TypePose:
		var m protocol.PoseMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("replica: POSE: %w", err)
		}
		p.handlePose(m)
	case protocol.TypeTether:
		var m protocol.TetherMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("replica: TETHER: %w", err)
		}
		p.tether = m
	case protocol.TypePeer:
		var m protocol.PeerMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("replica: PEER: %w", err)
		}
		p.handlePeer(m)
	case protocol.TypeSnapshot:
		var m protocol.SnapshotMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("replica: SNAPSHOT: %w", err)
		}
		p.ApplySnapshot(m)
	default:
		// Other types (WELCOME, SCENE, REJECT, PONG) belong to the client
		// shell, not the projection.
	}
	return nil
}

func (p *Projection) handleApply(m protocol.ApplyMsg) {
	if m.Seq > p.applySeq {
		p.applySeq = m.Seq
	}
	switch m.Effect {
	case protocol.VerbGrab:
		p.applyGrab(m.Key, m.PeerID, m.Mount)
	case protocol.VerbDrop:
		pose := spatial.Transform{}
		if m.Pose != nil {
			pose = *m.Pose
		}
		var dir spatial.Vec3
		if m.ImpulseDir != nil {
			dir = *m.ImpulseDir
		}
		p.applyDrop(m.Key, pose, dir)
	case protocol.VerbUse:
		p.applyUse(m.Key, m.PeerID, m.Tick)
	default:
		p.logger.Printf("replica: APPLY with unknown effect %q", m.Effect)
	}
}

// applyGrab attaches a prop to a peer's mount. A repeat of the current hold
// is a no-op, which is what makes snapshot replay idempotent.
func (p *Projection) applyGrab(key string, peer int, mount string) {
	if h, ok := p.holds[key]; ok && h.Peer == peer && h.Mount == mount {
		return
	}
	b, ok := p.bodies[key]
	if !ok {
		p.unresolved++
		p.logger.Printf("replica: grab %q: body not present, skipping", key)
		return
	}
	p.holds[key] = Hold{Peer: peer, Mount: mount}
	b.Carried = true
	p.events = append(p.events, Event{Kind: "grab", Key: key, Body: key, Peer: peer, Mount: mount})
}

// applyDrop detaches and places the prop exactly at the transmitted pose,
// then kicks it so the physics body wakes. The nudge is deterministic; a
// zero impulse direction (snapshot replay) still produces it.
func (p *Projection) applyDrop(key string, pose spatial.Transform, dir spatial.Vec3) {
	b, ok := p.bodies[key]
	if !ok {
		p.unresolved++
		p.logger.Printf("replica: drop %q: body not present, skipping", key)
		return
	}
	delete(p.holds, key)
	b.Carried = false
	b.Displayed = pose
	b.Target = pose

	impulse := dir.Normalized().Scale(p.cfg.ImpulseScale).Add(spatial.Up.Scale(p.cfg.MinNudge))
	p.events = append(p.events, Event{Kind: "drop", Key: key, Body: key, Pose: pose})
	p.events = append(p.events, Event{Kind: "impulse", Key: key, Body: key, Impulse: impulse})
}

// applyUse surfaces a "play the interaction animation" event. The animation
// restarts if already playing, so rapid repeats inside the cooldown window
// are swallowed here rather than stacking restarts.
func (p *Projection) applyUse(key string, peer int, tick uint64) {
	if _, ok := p.bodies[key]; !ok {
		p.unresolved++
		p.logger.Printf("replica: use %q: body not present, skipping", key)
		return
	}
	if cd := p.cfg.UseCooldownTicks; cd > 0 {
		if last, ok := p.lastUse[key]; ok && tick >= last && tick-last < cd {
			return
		}
	}
	p.lastUse[key] = tick
	p.events = append(p.events, Event{Kind: "use", Key: key, Body: key, Peer: peer})
}

// handleWarp is the one sanctioned snap: both displayed and target move.
func (p *Projection) handleWarp(m protocol.WarpMsg) {
	if m.Seq > p.applySeq {
		p.applySeq = m.Seq
	}
	b, ok := p.bodies[m.Body]
	if !ok {
		p.unresolved++
		p.logger.Printf("replica: warp %q: body not present, skipping", m.Body)
		return
	}
	b.Displayed = m.Pose
	b.Target = m.Pose
	p.events = append(p.events, Event{Kind: "warp", Body: m.Body, Peer: m.MoverID, Pose: m.Pose})
}

func (p *Projection) handlePose(m protocol.PoseMsg) {
	b, ok := p.bodies[m.Body]
	if !ok {
		p.unresolved++
		return
	}
	if b.Owned {
		// Own echo, call-local or relayed. The local simulation wins.
		return
	}
	if b.Carried {
		return
	}
	if last, ok := p.poseSeq[m.Body]; ok && m.Seq <= last {
		p.stalePoses++
		return
	}
	p.poseSeq[m.Body] = m.Seq
	b.Target = m.Pose
}

func (p *Projection) handlePeer(m protocol.PeerMsg) {
	switch m.Event {
	case "join":
		if _, ok := p.bodies[m.Body]; !ok {
			p.SeedAvatar(m.PeerID, m.Pose)
		}
	case "leave":
		p.RemoveAvatar(m.PeerID)
	}
}

// ApplySnapshot replays the authority's ownership records through the same
// grab/drop handlers live traffic uses. Applying the same snapshot twice
// leaves the projection unchanged.
func (p *Projection) ApplySnapshot(m protocol.SnapshotMsg) {
	if m.Seq > p.applySeq {
		p.applySeq = m.Seq
	}
	for _, rec := range m.Records {
		if rec.Holder != 0 {
			p.applyGrab(rec.Key, rec.Holder, rec.Mount)
		} else {
			// Free records take the drop path with a neutral impulse
			// direction: same handler as live traffic, and it clears any
			// hold this side wrongly still believes in.
			p.applyDrop(rec.Key, rec.Pose, spatial.Vec3{})
		}
	}
	if m.Tether != nil {
		p.tether = *m.Tether
	}
}

// Step advances pose smoothing one simulation step. Unowned, uncarried
// bodies close a fixed fraction of the gap; inside the epsilon they finish.
func (p *Projection) Step() {
	for _, b := range p.bodies {
		if b.Owned || b.Carried {
			continue
		}
		if b.Displayed.Pos.Dist(b.Target.Pos) <= p.cfg.SnapEpsilon &&
			absYaw(spatial.YawDelta(b.Displayed.Yaw, b.Target.Yaw)) <= p.cfg.SnapEpsilon {
			b.Displayed = b.Target
			continue
		}
		b.Displayed = b.Displayed.Toward(b.Target, p.cfg.BlendFactor)
	}
}

func absYaw(d float64) float64 {
	if d < 0 {
		return -d
	}
	return d
}

// SetOwnPose records the locally simulated pose of this node's own avatar.
func (p *Projection) SetOwnPose(pose spatial.Transform) {
	id := AvatarBody(p.cfg.SelfID)
	if b, ok := p.bodies[id]; ok && b.Owned {
		b.Displayed = pose
		b.Target = pose
	}
}

func (p *Projection) Body(id string) (Body, bool) {
	b, ok := p.bodies[id]
	if !ok {
		return Body{}, false
	}
	return *b, true
}

// Holds returns the hold table as key-sorted pairs.
func (p *Projection) Holds() []protocol.SnapshotRecord {
	keys := make([]string, 0, len(p.holds))
	for k := range p.holds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]protocol.SnapshotRecord, 0, len(keys))
	for _, k := range keys {
		h := p.holds[k]
		rec := protocol.SnapshotRecord{Key: k, Holder: h.Peer, Mount: h.Mount}
		if b, ok := p.bodies[k]; ok {
			rec.Pose = b.Displayed
		}
		out = append(out, rec)
	}
	return out
}

func (p *Projection) Tether() protocol.TetherMsg { return p.tether }

func (p *Projection) ApplySeq() uint64 { return p.applySeq }

// Events drains the pending presentation events.
func (p *Projection) Events() []Event {
	ev := p.events
	p.events = nil
	return ev
}

// Stats are cheap counters for ops surfaces.
func (p *Projection) Stats() (stalePoses, unresolved uint64) {
	return p.stalePoses, p.unresolved
}
