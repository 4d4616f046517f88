// Package room is the authoritative core of one session. A room runs a
// single goroutine that owns every piece of shared state: the peer roster,
// the ownership table, the tether monitor, and the authority's own replica
// projection, which consumes each broadcast call-locally through the same
// encoded bytes every remote peer decodes. Transports feed the room through
// channels; nothing else may touch its state.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"tetherbound.gg/internal/bus"
	"tetherbound.gg/internal/persistence/snapshot"
	"tetherbound.gg/internal/protocol"
	"tetherbound.gg/internal/replica"
	"tetherbound.gg/internal/sim/ownership"
	"tetherbound.gg/internal/sim/scene"
	"tetherbound.gg/internal/sim/tuning"
)

type Config struct {
	ID     string
	Tuning tuning.Tuning
	Scene  *scene.Scene
	Logger *log.Logger
}

// JoinRequest asks for a new seat. Sink is the peer's transport endpoint,
// attached to the bus once the seat exists; Resp receives the outcome.
type JoinRequest struct {
	Name string
	Sink bus.Sink
	Resp chan JoinResponse
}

// AttachRequest resumes a disconnected seat. The live path resolves it by
// resume token; journal replay resolves by peer id, since tokens rotate on
// every successful resume.
type AttachRequest struct {
	ResumeToken string
	PeerID      int
	Sink        bus.Sink
	Resp        chan JoinResponse
}

type JoinResponse struct {
	OK      bool
	Code    string // E_* when not OK
	Welcome protocol.WelcomeMsg
	Scene   protocol.SceneMsg
}

// DetachRequest reports that the link carrying PeerID unwound. The room
// turns it into a leave only while Sink is still the attached one; a link
// already replaced by a resume detaches without any roster traffic.
type DetachRequest struct {
	PeerID int
	Sink   bus.Sink
}

// InboundEnvelope is one raw client message bound to the seat the transport
// authenticated at handshake. The claimed ids inside the payload are checked
// against From, never trusted.
type InboundEnvelope struct {
	From int
	Raw  []byte
}

// Room is a single-threaded authoritative session. All state must be
// accessed only from the room loop goroutine.
type Room struct {
	cfg    Config
	tun    tuning.Tuning
	scn    *scene.Scene
	logger *log.Logger

	tick atomic.Uint64

	props *ownership.Registry
	proj  *replica.Projection
	bus   *bus.Bus

	peers    map[int]*peerState
	nextPeer atomic.Uint64

	applySeq uint64
	// grabTick records when each key last committed a grab, so a loser
	// arriving in the same tick stays silent while a late grab on an
	// established hold earns a conflict notice.
	grabTick map[string]uint64
	dedupe   map[cmdKey]cmdOutcome

	tetherEvery    uint64
	dedupeTTLTicks uint64

	// metrics holds the latest Metrics view; see Metrics().
	metrics atomic.Value

	inbox   chan InboundEnvelope
	join    chan JoinRequest
	attach  chan AttachRequest
	leave   chan int
	detach  chan DetachRequest
	snapReq chan snapshotReq
	stop    chan struct{}

	stats Stats

	// Optional loggers (may be nil). Implemented in internal/persistence/*.
	tickLogger  TickLogger
	transLogger TransitionLogger
	sessionSink chan<- *snapshot.SessionV1
}

// Stats are cheap counters surfaced on the ops endpoints.
type Stats struct {
	CmdsApplied   uint64 `json:"cmds_applied"`
	CmdsRejected  uint64 `json:"cmds_rejected"`
	CmdsDeduped   uint64 `json:"cmds_deduped"`
	PosesAccepted uint64 `json:"poses_accepted"`
	PosesDropped  uint64 `json:"poses_dropped"`
	PosesStale    uint64 `json:"poses_stale"`
	Warps         uint64 `json:"warps"`
	SnapshotsSent uint64 `json:"snapshots_sent"`
	SilenceKicks  uint64 `json:"silence_kicks"`
}

const (
	defaultMount = "hand.R"
	// inventoryNoticeSeconds rides the reject notice so the client HUD
	// knows how long to show the "hands full" hint.
	inventoryNoticeSeconds = 2.0
	dedupeTTLSeconds       = 10
)

func New(cfg Config) (*Room, error) {
	if cfg.Scene == nil || len(cfg.Scene.Props) == 0 {
		return nil, fmt.Errorf("room: scene with at least one prop required")
	}
	if err := cfg.Tuning.Validate(); err != nil {
		return nil, fmt.Errorf("room: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	r := &Room{
		cfg:            cfg,
		tun:            cfg.Tuning,
		scn:            cfg.Scene,
		logger:         cfg.Logger,
		props:          ownership.NewRegistry(),
		peers:          make(map[int]*peerState),
		grabTick:       make(map[string]uint64),
		dedupe:         make(map[cmdKey]cmdOutcome),
		tetherEvery:    cfg.Tuning.TetherEveryTicks(),
		dedupeTTLTicks: uint64(dedupeTTLSeconds * cfg.Tuning.TickRateHz),
		inbox:          make(chan InboundEnvelope, 256),
		join:           make(chan JoinRequest, 8),
		attach:         make(chan AttachRequest, 8),
		leave:          make(chan int, 8),
		detach:         make(chan DetachRequest, 8),
		snapReq:        make(chan snapshotReq, 4),
		stop:           make(chan struct{}),
	}

	// Only holdable props get ownership records; fixtures have nothing to
	// own. The table is seeded eagerly from the manifest so snapshots can
	// enumerate it without touching the scene.
	for i := range cfg.Scene.Props {
		p := &cfg.Scene.Props[i]
		if !p.Class.Holdable() {
			continue
		}
		if err := r.props.Register(p.Key, p.SourcePath, p.Start); err != nil {
			return nil, fmt.Errorf("room: %w", err)
		}
	}

	r.proj = replica.NewProjection(replica.Config{
		Role:             bus.RoleAuthority,
		SelfID:           0,
		BlendFactor:      cfg.Tuning.Pose.BlendFactor,
		SnapEpsilon:      cfg.Tuning.Pose.SnapEpsilon,
		ImpulseScale:     cfg.Tuning.Drop.ImpulseScale,
		MinNudge:         cfg.Tuning.Drop.MinNudge,
		UseCooldownTicks: cfg.Tuning.UseCooldownTicks(),
		Logger:           cfg.Logger,
	})
	r.proj.SeedScene(cfg.Scene)
	r.bus = bus.New(bus.RoleAuthority, func(raw []byte) {
		if err := r.proj.Handle(raw); err != nil {
			r.logger.Printf("[room %s] local handler: %v", r.cfg.ID, err)
		}
	})
	return r, nil
}

func (r *Room) SetTickLogger(l TickLogger)             { r.tickLogger = l }
func (r *Room) SetTransitionLogger(l TransitionLogger) { r.transLogger = l }

// SetSessionSink installs a channel that receives periodic full-state
// exports. Sends never block; a backed-up sink loses that export.
func (r *Room) SetSessionSink(ch chan<- *snapshot.SessionV1) { r.sessionSink = ch }

// Channel accessors for transports. Writes park until the next tick
// boundary; the room never reads them mid-step.
func (r *Room) Inbox() chan<- InboundEnvelope { return r.inbox }
func (r *Room) Join() chan<- JoinRequest      { return r.join }
func (r *Room) Attach() chan<- AttachRequest  { return r.attach }
func (r *Room) Leave() chan<- int             { return r.leave }
func (r *Room) Detach() chan<- DetachRequest  { return r.detach }

func (r *Room) ID() string            { return r.cfg.ID }
func (r *Room) CurrentTick() uint64   { return r.tick.Load() }
func (r *Room) Tuning() tuning.Tuning { return r.tun }
func (r *Room) SceneDigest() string   { return r.scn.Digest }

// Run drives the room until ctx ends or Stop is called. Pending joins,
// attaches, leaves and inbound messages are drained into the next tick so
// every mutation happens at a tick boundary, in arrival order.
func (r *Room) Run(ctx context.Context) {
	interval := time.Second / time.Duration(r.tun.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var joins []JoinRequest
	var attaches []AttachRequest
	var leaves []int
	var inbound []InboundEnvelope

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case req := <-r.join:
			joins = append(joins, req)
		case req := <-r.attach:
			attaches = append(attaches, req)
		case id := <-r.leave:
			leaves = append(leaves, id)
		case req := <-r.detach:
			if id, ok := r.resolveDetach(req); ok {
				leaves = append(leaves, id)
			}
		case req := <-r.snapReq:
			r.serveSnapshot(req)
		case env := <-r.inbox:
			inbound = append(inbound, env)
		case <-ticker.C:
			r.step(joins, attaches, leaves, inbound)
			joins, attaches, leaves, inbound = nil, nil, nil, nil
		}
	}
}

func (r *Room) Stop() { close(r.stop) }

// resolveDetach turns a transport detach into a leave only while the
// reporting sink is still the one attached. A reader unwinding after a
// resume replaced its link resolves to nothing. The bus only changes
// inside step, so the comparison sees the roster as of the last boundary.
func (r *Room) resolveDetach(req DetachRequest) (int, bool) {
	if s, ok := r.bus.SinkFor(req.PeerID); ok && s == req.Sink {
		return req.PeerID, true
	}
	return 0, false
}

func (r *Room) step(joins []JoinRequest, attaches []AttachRequest, leaves []int, inbound []InboundEnvelope) {
	stepStart := time.Now()
	nowTick := r.tick.Load()

	recordedLeaves := make([]int, 0, len(leaves))
	for _, id := range leaves {
		if p := r.peers[id]; p != nil && p.Connected {
			r.disconnectPeer(p, nowTick, "leave")
			recordedLeaves = append(recordedLeaves, id)
		}
	}

	recordedAttaches := make([]int, 0, len(attaches))
	for _, req := range attaches {
		if id, ok := r.handleAttach(req, nowTick); ok {
			recordedAttaches = append(recordedAttaches, id)
		}
	}

	recordedJoins := make([]RecordedJoin, 0, len(joins))
	for _, req := range joins {
		resp := r.seatPeer(req, nowTick)
		if req.Resp != nil {
			req.Resp <- resp
		}
		if resp.OK {
			recordedJoins = append(recordedJoins, RecordedJoin{PeerID: resp.Welcome.PeerID, Name: req.Name})
		}
	}

	// Client messages apply in server receive order (the inbox order).
	recordedInbound := make([]RecordedInbound, 0, len(inbound))
	for _, env := range inbound {
		p := r.peers[env.From]
		if p == nil || !p.Connected {
			continue
		}
		p.LastSeenTick = nowTick
		recordedInbound = append(recordedInbound, RecordedInbound{From: env.From, Raw: json.RawMessage(append([]byte(nil), env.Raw...))})
		r.dispatch(p, env.Raw, nowTick)
	}

	if nowTick%r.tetherEvery == 0 {
		r.stepTether(nowTick)
	}

	// Once-per-second housekeeping, on the tick clock so replay agrees.
	if nowTick%uint64(r.tun.TickRateHz) == 0 {
		r.kickSilent(nowTick)
		r.expireDedupe(nowTick)
	}

	r.flushSnapshots(nowTick)

	digest := r.stateDigest(nowTick)
	if r.tickLogger != nil {
		_ = r.tickLogger.WriteTick(TickEntry{
			Tick:     nowTick,
			Joins:    recordedJoins,
			Attaches: recordedAttaches,
			Leaves:   recordedLeaves,
			Inbound:  recordedInbound,
			Digest:   digest,
		})
	}

	if r.sessionSink != nil && nowTick != 0 && nowTick%uint64(r.tun.SnapshotEveryTicks) == 0 {
		// The capture is the boundary after this step, so it carries the
		// tick the room steps next; restoring it resumes there.
		snap := r.ExportSession(nowTick + 1)
		select {
		case r.sessionSink <- snap:
		default:
			// Drop the export if the sink is backed up.
		}
	}

	r.tick.Add(1)
	r.storeMetrics(nowTick, time.Since(stepStart))
}

// StepOnce advances the room by a single tick with the same ordering
// semantics as Run. It is the entry point for deterministic replays and
// tests; never call it while Run is active.
func (r *Room) StepOnce(joins []JoinRequest, attaches []AttachRequest, leaves []int, inbound []InboundEnvelope) (tick uint64, digest string) {
	tick = r.tick.Load()
	r.step(joins, attaches, leaves, inbound)
	return tick, r.stateDigest(tick)
}

// dispatch routes one authenticated message. Unknown types are dropped; the
// reliable lane never carries anything the room does not know.
func (r *Room) dispatch(p *peerState, raw []byte, nowTick uint64) {
	base, err := protocol.DecodeBase(raw)
	if err != nil {
		r.sendReject(p.ID, "", nowTick, protocol.ErrProtoBadRequest, "unreadable message", 0)
		return
	}
	switch base.Type {
	case protocol.TypeCmd:
		r.handleCmd(p, raw, nowTick)
	case protocol.TypePose:
		r.handlePose(p, raw, nowTick)
	case protocol.TypePing:
		r.handlePing(p, raw, nowTick)
	default:
		r.logger.Printf("[room %s] peer %d sent unexpected %s", r.cfg.ID, p.ID, base.Type)
	}
}

func (r *Room) expireDedupe(nowTick uint64) {
	for k, out := range r.dedupe {
		if nowTick >= out.ExpireTick {
			delete(r.dedupe, k)
		}
	}
}

func (r *Room) transition(e TransitionEntry) {
	if r.transLogger != nil {
		_ = r.transLogger.WriteTransition(e)
	}
}
