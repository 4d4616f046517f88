// Package archive preserves end-of-session snapshots outside the working
// snapshots directory, which rotates. One archive directory per ended
// session run, snapshot copy plus a meta.json for tooling.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"tetherbound.gg/internal/persistence/snapshot"
)

type SessionArchiveMeta struct {
	SessionID   string `json:"session_id"`
	EndTick     uint64 `json:"end_tick"`
	SceneDigest string `json:"scene_digest,omitempty"`
	TickRate    int    `json:"tick_rate_hz"`
	Peers       int    `json:"peers"`
	Snapshot    string `json:"snapshot"`
	CreatedAt   string `json:"created_at"`
}

// ArchiveSession copies the session's final snapshot into
// `<sessionDir>/archives/end_<TICK>/` next to a meta.json describing it.
// A session that never produced a snapshot archives nothing; that is not
// an error.
func ArchiveSession(sessionDir, snapshotPath string, snap *snapshot.SessionV1) (archivedPath string, archived bool, err error) {
	if snap == nil || snapshotPath == "" {
		return "", false, nil
	}
	if _, err := os.Stat(snapshotPath); err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}

	archiveDir := filepath.Join(sessionDir, "archives", fmt.Sprintf("end_%09d", snap.Header.Tick))
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", false, err
	}

	dst := filepath.Join(archiveDir, filepath.Base(snapshotPath))
	if err := copyFile(snapshotPath, dst); err != nil {
		return "", false, err
	}

	meta := SessionArchiveMeta{
		SessionID:   snap.Header.SessionID,
		EndTick:     snap.Header.Tick,
		SceneDigest: snap.SceneDigest,
		TickRate:    snap.TickRate,
		Peers:       len(snap.Peers),
		Snapshot:    filepath.Base(dst),
		CreatedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(archiveDir, "meta.json"), b, 0o644)
	}

	return dst, true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
