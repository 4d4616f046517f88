package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tetherbound.gg/internal/persistence/indexdb"
	"tetherbound.gg/internal/persistence/snapshot"
	"tetherbound.gg/internal/sim/room"
	"tetherbound.gg/internal/sim/scene"
	"tetherbound.gg/internal/sim/tuning"
)

// runtimeIndex is what the server needs from an index backend. Both the
// SQLite and the HTTP ingest implementations satisfy it.
type runtimeIndex interface {
	room.TickLogger
	room.TransitionLogger
	Close() error
	UpsertSession(sessionID string, tune tuning.Tuning, scn *scene.Scene) error
	RecordSnapshot(path string, snap *snapshot.SessionV1)
	RecordArchive(endTick uint64, archivedPath string)
}

func openRuntimeIndex(sessionDir, sessionID string, disableDB bool, logger *log.Logger) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("TB_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		dbPath := filepath.Join(sessionDir, "index", "session.sqlite")
		return indexdb.OpenSQLite(dbPath)
	case "http":
		endpoint := strings.TrimSpace(os.Getenv("TB_INDEX_INGEST_URL"))
		token := strings.TrimSpace(os.Getenv("TB_INDEX_TOKEN"))
		if endpoint == "" {
			return nil, fmt.Errorf("TB_INDEX_BACKEND=http but TB_INDEX_INGEST_URL is empty")
		}
		flushMS := envInt("TB_INDEX_FLUSH_MS", 500)
		batchSize := envInt("TB_INDEX_BATCH_SIZE", 128)
		idx, err := indexdb.OpenHTTP(indexdb.HTTPConfig{
			Endpoint:      endpoint,
			Token:         token,
			SessionID:     sessionID,
			BatchSize:     batchSize,
			FlushInterval: time.Duration(flushMS) * time.Millisecond,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported TB_INDEX_BACKEND: %s", backend)
	}
}
