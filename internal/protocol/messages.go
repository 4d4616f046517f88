package protocol

import "tetherbound.gg/internal/sim/spatial"

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	PlayerName      string `json:"player_name"`
	// SessionID selects a hosted session; empty means the server default.
	SessionID   string    `json:"session_id,omitempty"`
	ResumeToken string    `json:"resume_token,omitempty"`
	Caps        HelloCaps `json:"caps,omitempty"`
}

type HelloCaps struct {
	// MaxQueue caps the reliable out-queue the server keeps for this client.
	MaxQueue int `json:"max_queue,omitempty"`
}

// WELCOME (server -> client), reliable, first message after a valid HELLO.
// Spawn is where the client must instantiate its own avatar; Peers lists
// everyone already seated so their avatars can be seeded before any POSE
// traffic arrives.
type WelcomeMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	SessionID       string            `json:"session_id"`
	PeerID          int               `json:"peer_id"`
	HostID          int               `json:"host_id"`
	ResumeToken     string            `json:"resume_token"`
	TickRateHz      int               `json:"tick_rate_hz"`
	PoseRateHz      float64           `json:"pose_rate_hz"`
	InventoryCap    int               `json:"inventory_cap"`
	Spawn           spatial.Transform `json:"spawn"`
	Tether          TetherParams      `json:"tether"`
	Scene           DigestRef         `json:"scene"`
	Peers           []PeerInfo        `json:"peers"`
}

// TetherParams echoes the thresholds the session runs with so client HUDs
// agree with the authority.
type TetherParams struct {
	WarnDist     float64 `json:"warn_dist"`
	HardDist     float64 `json:"hard_dist"`
	GraceSeconds float64 `json:"grace_seconds"`
	Policy       string  `json:"policy"` // "warp" or "restrain"
}

type DigestRef struct {
	Digest string `json:"digest"` // sha256 hex
	Count  int    `json:"count"`
}

type PeerInfo struct {
	PeerID int               `json:"peer_id"`
	Name   string            `json:"name"`
	Body   string            `json:"body"`
	Pose   spatial.Transform `json:"pose"`
}

// SCENE (server -> client), reliable: the prop manifest, sent right after
// WELCOME as a single part.
type SceneMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Digest          string      `json:"digest"`
	Data            interface{} `json:"data"`
}

// PEER (server -> all), reliable roster delta. Join events carry the pose
// the avatar spawns at so replicas seed the body in place.
type PeerMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	Tick            uint64            `json:"tick"`
	Event           string            `json:"event"` // "join" or "leave"
	PeerID          int               `json:"peer_id"`
	Name            string            `json:"name,omitempty"`
	Body            string            `json:"body"`
	Pose            spatial.Transform `json:"pose,omitempty"`
}

// REJECT (server -> requester only), reliable. Sent for validation failures
// worth surfacing; races stay silent.
type RejectMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	Tick            uint64  `json:"tick"`
	CmdID           string  `json:"cmd_id,omitempty"`
	Code            string  `json:"code"`
	Message         string  `json:"message,omitempty"`
	RetryAfterSec   float64 `json:"retry_after_seconds,omitempty"`
}

// PING (client -> server) / PONG (server -> client), best-effort heartbeat.
// T is the sender's clock in unix milliseconds, echoed back untouched; the
// client measures RTT itself and reports the last figure on its next PING.
type PingMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	T               int64   `json:"t"`
	RTTMillis       float64 `json:"rtt_ms,omitempty"`
}

type PongMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	T               int64  `json:"t"`
	ServerTick      uint64 `json:"server_tick"`
}

// SNAPSHOT (server -> one joiner), reliable. Records are key-sorted and are
// replayed through the same grab/drop handlers as live traffic.
type SnapshotMsg struct {
	Type            string           `json:"type"`
	ProtocolVersion string           `json:"protocol_version"`
	Tick            uint64           `json:"tick"`
	Seq             uint64           `json:"seq"`
	Records         []SnapshotRecord `json:"records"`
	Tether          *TetherMsg       `json:"tether,omitempty"`
}

type SnapshotRecord struct {
	Key    string            `json:"key"`
	Holder int               `json:"holder"` // 0 = free
	Mount  string            `json:"mount,omitempty"`
	Pose   spatial.Transform `json:"pose"`
}
