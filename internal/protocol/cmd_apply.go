package protocol

import "tetherbound.gg/internal/sim/spatial"

// Command verbs and apply effects.
const (
	VerbGrab = "grab"
	VerbDrop = "drop"
	VerbUse  = "use"
)

// CMD (client -> authority), reliable. A directed request to mutate shared
// state; the authority validates and either broadcasts an APPLY or stays
// silent. PeerID is the sender's claim and is checked against the id the
// transport bound at handshake.
type CmdMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	CmdID           string `json:"cmd_id"`
	PeerID          int    `json:"peer_id"`
	Verb            string `json:"verb"`
	Key             string `json:"key"`

	// grab: which attachment point carries the prop
	Mount string `json:"mount,omitempty"`

	// drop: optional throw direction; the authority falls back to the
	// holder's facing and always computes the placement pose itself
	ImpulseDir *spatial.Vec3 `json:"impulse_dir,omitempty"`
}

// APPLY (authority -> all, call-local on the authority), reliable. The only
// way ownership effects reach a projection, live or via snapshot replay.
// Seq increases by one per committed transition.
type ApplyMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	Seq             uint64 `json:"seq"`
	Effect          string `json:"effect"` // grab, drop, use
	Key             string `json:"key"`
	PeerID          int    `json:"peer_id"`

	Mount      string             `json:"mount,omitempty"`
	Pose       *spatial.Transform `json:"pose,omitempty"`
	ImpulseDir *spatial.Vec3      `json:"impulse_dir,omitempty"`
}

// WARP (authority -> all, call-local), reliable. The tether relocation: one
// body snaps to a pose computed next to its anchor. Receivers apply it
// without smoothing.
type WarpMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	Tick            uint64            `json:"tick"`
	Seq             uint64            `json:"seq"`
	Body            string            `json:"body"`
	Pose            spatial.Transform `json:"pose"`
	MoverID         int               `json:"mover_id"`
	AnchorID        int               `json:"anchor_id"`
}

// POSE (owner -> authority -> others), best-effort. Seq is per body,
// assigned by the body's simulation owner; receivers drop anything not newer
// than the last seq they applied.
type PoseMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	Body            string            `json:"body"`
	Seq             uint64            `json:"seq"`
	Pose            spatial.Transform `json:"pose"`
	Vel             *spatial.Vec3     `json:"vel,omitempty"`
	Tick            uint64            `json:"tick,omitempty"`
}

// TETHER (authority -> one peer), best-effort. The per-peer tether readout
// pushed every monitor tick. When the restrain policy is active, SpeedScale
// and PullDir describe the movement envelope the client must enforce.
type TetherMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	Tick            uint64        `json:"tick"`
	PeerID          int           `json:"peer_id"`
	PartnerID       int           `json:"partner_id"` // 0 when unpaired
	Distance        float64       `json:"distance"`
	Proximity       float64       `json:"proximity"` // 0 inside warn, 1 at hard
	Sanity          float64       `json:"sanity"`    // 0..100
	Fx              float64       `json:"fx"`        // screen effect drive, 0..1
	Restrained      bool          `json:"restrained,omitempty"`
	SpeedScale      float64       `json:"speed_scale,omitempty"`
	PullDir         *spatial.Vec3 `json:"pull_dir,omitempty"`
}
