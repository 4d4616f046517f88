package protocol

import "encoding/json"

const Version = "1.0"

// Peer id conventions. Zero never travels as a sender: it marks "no peer"
// (a free hold, an unpaired tether). The authority's decisions are tied to
// a fixed designated seat.
const (
	NoPeer      = 0
	AuthorityID = 1
)

// Message types.
const (
	TypeHello    = "HELLO"
	TypeWelcome  = "WELCOME"
	TypeScene    = "SCENE"
	TypePeer     = "PEER"
	TypeCmd      = "CMD"
	TypeApply    = "APPLY"
	TypeWarp     = "WARP"
	TypeSnapshot = "SNAPSHOT"
	TypeReject   = "REJECT"
	TypePose     = "POSE"
	TypeTether   = "TETHER"
	TypePing     = "PING"
	TypePong     = "PONG"
)

// Lane is the delivery class of a message type. Every message is one-way;
// nothing on the wire returns a value.
//
// Reliable messages arrive exactly once and in send order per receiver.
// Best-effort messages may be dropped or reordered; consumers must tolerate
// both, and must tolerate best-effort traffic interleaving arbitrarily with
// the reliable stream.
type Lane int

const (
	LaneReliable Lane = iota
	LaneBestEffort
)

// LaneFor reports the delivery class a message type travels on. Pose,
// tether and heartbeat traffic is refreshed continuously, so losing one
// message costs nothing; everything else mutates state and must not be lost.
func LaneFor(msgType string) Lane {
	switch msgType {
	case TypePose, TypeTether, TypePing, TypePong:
		return LaneBestEffort
	default:
		return LaneReliable
	}
}

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
