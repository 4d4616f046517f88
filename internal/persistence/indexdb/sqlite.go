// Package indexdb keeps a queryable read model of one session in SQLite
// (or behind an HTTP ingest endpoint). It is strictly secondary: writes
// ride a buffered channel into a single writer goroutine and are dropped
// when the queue is full, so the room loop never blocks on the database.
// The JSONL journals remain the source of truth.
package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"tetherbound.gg/internal/persistence/snapshot"
	"tetherbound.gg/internal/sim/room"
	"tetherbound.gg/internal/sim/scene"
	"tetherbound.gg/internal/sim/tuning"
)

// Stats counts index-side losses. Queue fields cover both backends; the
// flush counters only move on the HTTP backend.
type Stats struct {
	QueueDepth    int
	QueueCapacity int

	DropTickTotal       uint64
	DropTransitionTotal uint64
	DropSnapshotTotal   uint64
	DropArchiveTotal    uint64

	QueueDroppedTotal uint64
	FlushFailTotal    uint64
}

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick       atomic.Uint64
	dropTransition atomic.Uint64
	dropSnapshot   atomic.Uint64
	dropArchive    atomic.Uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqTransition
	reqSnapshot
	reqArchive
)

type req struct {
	kind reqKind

	tick       room.TickEntry
	transition room.TransitionEntry
	snapshot   snapshotRow
	archive    archiveRow
}

type snapshotRow struct {
	Tick    uint64
	Path    string
	Peers   int
	Records int
	Held    int
}

type archiveRow struct {
	EndTick    uint64
	Path       string
	RecordedAt string
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// A couple of minutes of 30 Hz ticks even when transitions are chatty.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-only write pattern; NORMAL is enough durability
	// for a rebuildable read model.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS config (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			digest TEXT NOT NULL,
			joins INTEGER NOT NULL,
			leaves INTEGER NOT NULL,
			inbound INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS joins (
			tick INTEGER NOT NULL,
			peer INTEGER NOT NULL,
			name TEXT NOT NULL,
			PRIMARY KEY (tick, peer)
		);`,
		`CREATE TABLE IF NOT EXISTS leaves (
			tick INTEGER NOT NULL,
			peer INTEGER NOT NULL,
			PRIMARY KEY (tick, peer)
		);`,
		`CREATE TABLE IF NOT EXISTS inbound (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			peer INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_inbound_peer_tick ON inbound(peer, tick);`,
		`CREATE TABLE IF NOT EXISTS transitions (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			peer INTEGER NOT NULL,
			prop_key TEXT,
			code TEXT,
			detail TEXT,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_peer_tick ON transitions(peer, tick);`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_kind_tick ON transitions(kind, tick);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			tick INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			peers INTEGER NOT NULL,
			records INTEGER NOT NULL,
			held INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS archives (
			end_tick INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) WriteTick(entry room.TickEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, tick: entry}:
	default:
		s.dropTick.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) WriteTransition(entry room.TransitionEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTransition, transition: entry}:
	default:
		s.dropTransition.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap *snapshot.SessionV1) {
	if s == nil || s.closed.Load() || snap == nil {
		return
	}
	held := 0
	for _, rec := range snap.Records {
		if rec.Holder != 0 {
			held++
		}
	}
	r := snapshotRow{
		Tick:    snap.Header.Tick,
		Path:    path,
		Peers:   len(snap.Peers),
		Records: len(snap.Records),
		Held:    held,
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
		s.dropSnapshot.Add(1)
	}
}

func (s *SQLiteIndex) RecordArchive(endTick uint64, archivedPath string) {
	if s == nil || s.closed.Load() || archivedPath == "" {
		return
	}
	r := archiveRow{
		EndTick:    endTick,
		Path:       archivedPath,
		RecordedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	select {
	case s.ch <- req{kind: reqArchive, archive: r}:
	default:
		s.dropArchive.Add(1)
	}
}

// UpsertSession records the configuration the session runs with. Called
// once at startup, directly against the database.
func (s *SQLiteIndex) UpsertSession(sessionID string, tune tuning.Tuning, scn *scene.Scene) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	type row struct {
		name   string
		digest string
		data   []byte
	}
	var rows []row
	if b, err := json.Marshal(tune); err == nil && len(b) > 0 {
		sum := sha256.Sum256(b)
		rows = append(rows, row{name: "tuning", digest: hex.EncodeToString(sum[:]), data: b})
	}
	if scn != nil {
		if b, err := json.Marshal(scn.Manifest); err == nil && len(b) > 0 {
			rows = append(rows, row{name: "scene", digest: scn.Digest, data: b})
		}
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	meta := [][2]string{
		{"schema_version", "1"},
		{"session_id", sessionID},
	}
	if scn != nil {
		meta = append(meta, [2]string{"scene_digest", scn.Digest})
	}
	meta = append(meta, [2]string{"tick_rate_hz", fmt.Sprintf("%d", tune.TickRateHz)})
	for _, kv := range meta {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`, kv[0], kv[1]); err != nil {
			return err
		}
	}

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO config(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.Exec(r.name, r.digest, string(r.data), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:          len(s.ch),
		QueueCapacity:       cap(s.ch),
		DropTickTotal:       s.dropTick.Load(),
		DropTransitionTotal: s.dropTransition.Load(),
		DropSnapshotTotal:   s.dropSnapshot.Load(),
		DropArchiveTotal:    s.dropArchive.Load(),
	}
}

func (s *SQLiteIndex) loop() {
	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(tick,digest,joins,leaves,inbound,raw_json) VALUES(?,?,?,?,?,?)`)
	insertJoin, _ := s.db.Prepare(`INSERT OR REPLACE INTO joins(tick,peer,name) VALUES(?,?,?)`)
	insertLeave, _ := s.db.Prepare(`INSERT OR REPLACE INTO leaves(tick,peer) VALUES(?,?)`)
	insertInbound, _ := s.db.Prepare(`INSERT OR REPLACE INTO inbound(tick,seq,peer,raw_json) VALUES(?,?,?,?)`)
	insertTransition, _ := s.db.Prepare(`INSERT OR REPLACE INTO transitions(tick,seq,kind,peer,prop_key,code,detail,raw_json) VALUES(?,?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(tick,path,peers,records,held) VALUES(?,?,?,?,?)`)
	insertArchive, _ := s.db.Prepare(`INSERT OR REPLACE INTO archives(end_tick,path,recorded_at) VALUES(?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, insertJoin, insertLeave, insertInbound, insertTransition, insertSnapshot, insertArchive} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	ctx := context.Background()
	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 512
		commitMaxWait = 2 * time.Second

		lastTransTick uint64
		transSeq      int
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			raw, _ := json.Marshal(r.tick)
			if insertTick != nil {
				if _, err := tx.Stmt(insertTick).Exec(
					int64(r.tick.Tick),
					r.tick.Digest,
					len(r.tick.Joins),
					len(r.tick.Leaves),
					len(r.tick.Inbound),
					string(raw),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
			for _, j := range r.tick.Joins {
				if insertJoin == nil {
					break
				}
				if _, err := tx.Stmt(insertJoin).Exec(int64(r.tick.Tick), j.PeerID, j.Name); err != nil {
					rollback()
					break
				}
				opCount++
			}
			for _, id := range r.tick.Leaves {
				if insertLeave == nil {
					break
				}
				if _, err := tx.Stmt(insertLeave).Exec(int64(r.tick.Tick), id); err != nil {
					rollback()
					break
				}
				opCount++
			}
			for i, in := range r.tick.Inbound {
				if insertInbound == nil {
					break
				}
				if _, err := tx.Stmt(insertInbound).Exec(int64(r.tick.Tick), i, in.From, string(in.Raw)); err != nil {
					rollback()
					break
				}
				opCount++
			}

		case reqTransition:
			e := r.transition
			if e.Tick != lastTransTick {
				lastTransTick = e.Tick
				transSeq = 0
			}
			seq := transSeq
			transSeq++
			raw, _ := json.Marshal(e)
			if insertTransition != nil {
				if _, err := tx.Stmt(insertTransition).Exec(
					int64(e.Tick),
					seq,
					e.Kind,
					e.Peer,
					e.Key,
					e.Code,
					e.Detail,
					string(raw),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqSnapshot:
			sn := r.snapshot
			if insertSnapshot != nil {
				if _, err := tx.Stmt(insertSnapshot).Exec(
					int64(sn.Tick),
					sn.Path,
					sn.Peers,
					sn.Records,
					sn.Held,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqArchive:
			a := r.archive
			if insertArchive != nil {
				if _, err := tx.Stmt(insertArchive).Exec(int64(a.EndTick), a.Path, a.RecordedAt); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}
