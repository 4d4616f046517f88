package room

import "encoding/json"

// TickEntry is one tick's complete input record plus the digest of the
// state it produced. Re-stepping a restored session against its tick log
// must land on the same digests; that is the whole consistency check.
type TickEntry struct {
	Tick     uint64            `json:"tick"`
	Joins    []RecordedJoin    `json:"joins,omitempty"`
	Attaches []int             `json:"attaches,omitempty"`
	Leaves   []int             `json:"leaves,omitempty"`
	Inbound  []RecordedInbound `json:"inbound,omitempty"`
	Digest   string            `json:"digest"`
}

type RecordedJoin struct {
	PeerID int    `json:"peer_id"`
	Name   string `json:"name"`
}

// RecordedInbound keeps the raw bytes: replay feeds them through the exact
// dispatch path the live session used.
type RecordedInbound struct {
	From int             `json:"from"`
	Raw  json.RawMessage `json:"raw"`
}

// TransitionEntry is the human-facing audit line: who did what to which
// prop, and what got refused.
type TransitionEntry struct {
	Tick   uint64 `json:"tick"`
	Kind   string `json:"kind"` // join, attach, leave, silence, grab, drop, use, reject, race, spoof, warp, snapshot
	Peer   int    `json:"peer,omitempty"`
	Key    string `json:"key,omitempty"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// TickLogger persists tick entries. Implemented in internal/persistence.
type TickLogger interface {
	WriteTick(e TickEntry) error
}

// TransitionLogger persists transition entries. Implemented in
// internal/persistence.
type TransitionLogger interface {
	WriteTransition(e TransitionEntry) error
}
