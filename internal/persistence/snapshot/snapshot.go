// Package snapshot reads and writes full session state as a zstd-compressed
// gob stream, prefixed with one plain JSON header line so tooling can peek
// at a file without decoding the body.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

type Header struct {
	Version   int    `json:"version"`
	SessionID string `json:"session_id"`
	Tick      uint64 `json:"tick"`
}

// SessionV1 is everything a room needs to resume: the seats, the ownership
// table, the counters, and the open command dedupe entries. Tuning values
// that shape replay are captured alongside so a verifier can refuse a
// mismatched configuration instead of silently diverging.
type SessionV1 struct {
	Header Header `json:"header"`

	TickRate     int    `json:"tick_rate_hz"`
	MaxPeers     int    `json:"max_peers"`
	InventoryCap int    `json:"inventory_cap"`
	SceneDigest  string `json:"scene_digest"`

	TetherPolicy     string  `json:"tether_policy"`
	WarnDist         float64 `json:"warn_dist"`
	HardDist         float64 `json:"hard_dist"`
	GraceSeconds     float64 `json:"grace_seconds"`
	DrainPerSecond   float64 `json:"drain_per_second"`
	RecoverPerSecond float64 `json:"recover_per_second"`

	Peers   []PeerV1   `json:"peers"`
	Records []RecordV1 `json:"records"`

	Counters CountersV1 `json:"counters"`
	Dedupe   []DedupeV1 `json:"dedupe,omitempty"`
}

type CountersV1 struct {
	NextPeer uint64 `json:"next_peer"`
	ApplySeq uint64 `json:"apply_seq"`
}

// PeerV1 is one seat. Resume tokens are persisted so seats stay claimable
// across a server restart; peers restore disconnected either way.
type PeerV1 struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Body        string `json:"body"`
	ResumeToken string `json:"resume_token,omitempty"`

	SpawnPos [3]float64 `json:"spawn_pos"`
	SpawnYaw float64    `json:"spawn_yaw"`
	Pos      [3]float64 `json:"pos"`
	Yaw      float64    `json:"yaw"`
	PoseSeq  uint64     `json:"pose_seq"`

	LastSeenTick uint64 `json:"last_seen_tick"`

	PartnerID   int     `json:"partner_id"`
	Distance    float64 `json:"distance"`
	Proximity   float64 `json:"proximity"`
	Sanity      float64 `json:"sanity"`
	Fx          float64 `json:"fx"`
	OverHardSec float64 `json:"over_hard_sec"`
	CooldownSec float64 `json:"cooldown_sec"`

	CmdWindow  RateWindowV1 `json:"cmd_window"`
	PoseWindow RateWindowV1 `json:"pose_window"`
}

type RateWindowV1 struct {
	StartTick uint64 `json:"start_tick"`
	Count     int    `json:"count"`
}

type RecordV1 struct {
	Key        string     `json:"key"`
	SourcePath string     `json:"source_path,omitempty"`
	Holder     int        `json:"holder"`
	Mount      string     `json:"mount,omitempty"`
	Pos        [3]float64 `json:"pos"`
	Yaw        float64    `json:"yaw"`
}

type DedupeV1 struct {
	Peer       int     `json:"peer"`
	CmdID      string  `json:"cmd_id"`
	Code       string  `json:"code,omitempty"`
	Message    string  `json:"message,omitempty"`
	RetryAfter float64 `json:"retry_after,omitempty"`
	ExpireTick uint64  `json:"expire_tick"`
}

func WriteSession(path string, snap *SessionV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := gob.NewEncoder(bw).Encode(snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func ReadSession(path string) (*SessionV1, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// Skip the header line; the gob body repeats it.
	if _, err := br.ReadBytes('\n'); err != nil {
		return nil, err
	}

	var snap SessionV1
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	return &snap, nil
}

// PeekHeader reads only the JSON header line of a session file.
func PeekHeader(path string) (Header, error) {
	var hdr Header
	f, err := os.Open(path)
	if err != nil {
		return hdr, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return hdr, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return hdr, err
	}
	if err := json.Unmarshal(line, &hdr); err != nil {
		return hdr, fmt.Errorf("session header: %w", err)
	}
	return hdr, nil
}
