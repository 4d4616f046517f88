package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"tetherbound.gg/internal/persistence/archive"
	"tetherbound.gg/internal/persistence/journal"
	"tetherbound.gg/internal/persistence/snapshot"
	"tetherbound.gg/internal/sim/room"
	"tetherbound.gg/internal/sim/roommgr"
	"tetherbound.gg/internal/sim/scene"
	"tetherbound.gg/internal/sim/tuning"
)

type sessionRuntimeConfig struct {
	DataDir    string
	DisableDB  bool
	Snapshot   string
	LoadLatest bool
}

// sessionRuntime is everything one hosted session owns at process scope:
// the room plus the persistence stack behind it.
type sessionRuntime struct {
	spec   roommgr.SessionSpec
	room   *room.Room
	dir    string
	idx    runtimeIndex
	ticks  *journal.TickJournal
	trans  *journal.TransitionJournal
	snapCh chan *snapshot.SessionV1
}

// sessionSet owns the room loops and snapshot writers for every hosted
// session. Finalize runs after the loops stopped, Close after Finalize.
type sessionSet struct {
	runtimes map[string]*roommgr.Runtime
	sessions []*sessionRuntime
	mirror   *mirrorRuntime
	wg       sync.WaitGroup
}

// buildSessionRuntimes stands up one sessionRuntime per configured session
// and starts its loops. Build errors are fatal to the process, so partially
// built resources are left for exit to reclaim.
func buildSessionRuntimes(ctx context.Context, rtCfg sessionRuntimeConfig, cfg roommgr.Config, tune tuning.Tuning, scn *scene.Scene, mirror *mirrorRuntime, logger *log.Logger) (*sessionSet, error) {
	var explicit *snapshot.SessionV1
	if rtCfg.Snapshot != "" {
		snap, err := snapshot.ReadSession(rtCfg.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("read snapshot: %w", err)
		}
		if _, ok := cfg.SessionSpecByID(snap.Header.SessionID); !ok {
			return nil, fmt.Errorf("snapshot is for session %q, which is not hosted", snap.Header.SessionID)
		}
		explicit = snap
	}

	set := &sessionSet{
		runtimes: make(map[string]*roommgr.Runtime),
		mirror:   mirror,
	}
	for _, spec := range cfg.Sessions {
		rt, err := set.buildOne(ctx, rtCfg, spec, tune, scn, explicit, logger)
		if err != nil {
			return nil, err
		}
		set.sessions = append(set.sessions, rt)
		set.runtimes[spec.ID] = &roommgr.Runtime{Spec: spec, Room: rt.room}
	}
	return set, nil
}

func (s *sessionSet) buildOne(ctx context.Context, rtCfg sessionRuntimeConfig, spec roommgr.SessionSpec, tune tuning.Tuning, scn *scene.Scene, explicit *snapshot.SessionV1, logger *log.Logger) (*sessionRuntime, error) {
	dir := filepath.Join(rtCfg.DataDir, "sessions", spec.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session dir (%s): %w", spec.ID, err)
	}

	if spec.MaxPeers != 0 {
		tune.MaxPeers = spec.MaxPeers
	}
	if spec.Scene != "" {
		var err error
		scn, err = scene.Load(spec.Scene)
		if err != nil {
			return nil, fmt.Errorf("session scene (%s): %w", spec.ID, err)
		}
	}

	// Read-model index; never load-bearing for the sim.
	idx, err := openRuntimeIndex(dir, spec.ID, rtCfg.DisableDB, logger)
	if err != nil {
		return nil, fmt.Errorf("open index backend (%s): %w", spec.ID, err)
	}
	if idx != nil {
		if err := idx.UpsertSession(spec.ID, tune, scn); err != nil {
			logger.Printf("index: upsert session (%s): %v", spec.ID, err)
		}
	}

	rm, err := room.New(room.Config{
		ID:     spec.ID,
		Tuning: tune,
		Scene:  scn,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create room (%s): %w", spec.ID, err)
	}

	var resume *snapshot.SessionV1
	switch {
	case explicit != nil && explicit.Header.SessionID == spec.ID:
		resume = explicit
	case rtCfg.LoadLatest:
		if p := latestSessionSnapshot(dir); p != "" {
			resume, err = snapshot.ReadSession(p)
			if err != nil {
				return nil, fmt.Errorf("read latest snapshot (%s): %w", spec.ID, err)
			}
		}
	}
	if resume != nil {
		if err := rm.RestoreSession(resume); err != nil {
			return nil, fmt.Errorf("restore session (%s): %w", spec.ID, err)
		}
		logger.Printf("session %s resumed at tick=%d (%d seats)", spec.ID, rm.CurrentTick(), len(resume.Peers))
	}

	ticks := journal.NewTickJournal(dir)
	trans := journal.NewTransitionJournal(dir)
	rm.SetTickLogger(multiTickLogger{a: ticks, b: idx})
	rm.SetTransitionLogger(multiTransitionLogger{a: trans, b: idx})

	snapCh := make(chan *snapshot.SessionV1, 2)
	rm.SetSessionSink(snapCh)

	rt := &sessionRuntime{
		spec:   spec,
		room:   rm,
		dir:    dir,
		idx:    idx,
		ticks:  ticks,
		trans:  trans,
		snapCh: snapCh,
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.writeLoop(ctx, rt, logger)
	}()
	go func() {
		defer s.wg.Done()
		rm.Run(ctx)
	}()
	return rt, nil
}

// writeLoop drains the session sink. A backlog collapses to the newest
// export before anything touches disk.
func (s *sessionSet) writeLoop(ctx context.Context, rt *sessionRuntime, logger *log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-rt.snapCh:
		drain:
			for {
				select {
				case next := <-rt.snapCh:
					snap = next
				default:
					break drain
				}
			}
			s.writeSnapshot(rt, snap, logger)
		}
	}
}

func (s *sessionSet) writeSnapshot(rt *sessionRuntime, snap *snapshot.SessionV1, logger *log.Logger) string {
	path := filepath.Join(rt.dir, "snapshots", fmt.Sprintf("%09d.session.zst", snap.Header.Tick))
	if err := snapshot.WriteSession(path, snap); err != nil {
		logger.Printf("snapshot write (%s): %v", rt.spec.ID, err)
		return ""
	}
	s.mirror.Enqueue(path)
	if rt.idx != nil {
		rt.idx.RecordSnapshot(path, snap)
	}
	return path
}

// Finalize waits for the room loops and snapshot writers to stop, then
// writes one last export per session and archives it. Call after the HTTP
// server has shut down and before Close.
func (s *sessionSet) Finalize(logger *log.Logger) {
	s.wg.Wait()
	for _, rt := range s.sessions {
		snap := rt.room.ExportSession(rt.room.CurrentTick())
		path := s.writeSnapshot(rt, snap, logger)
		if path == "" {
			continue
		}
		archivedPath, archived, err := archive.ArchiveSession(rt.dir, path, snap)
		if err != nil {
			logger.Printf("archive session (%s): %v", rt.spec.ID, err)
			continue
		}
		if archived {
			if rt.idx != nil {
				rt.idx.RecordArchive(snap.Header.Tick, archivedPath)
			}
			s.mirror.Enqueue(archivedPath)
			s.mirror.Enqueue(filepath.Join(filepath.Dir(archivedPath), "meta.json"))
			logger.Printf("session %s archived at tick=%d", rt.spec.ID, snap.Header.Tick)
		}
	}
}

// Close flushes and closes the per-session journals and index backends.
func (s *sessionSet) Close(logger *log.Logger) {
	for _, rt := range s.sessions {
		if err := rt.ticks.Close(); err != nil {
			logger.Printf("close tick journal (%s): %v", rt.spec.ID, err)
		}
		if err := rt.trans.Close(); err != nil {
			logger.Printf("close transition journal (%s): %v", rt.spec.ID, err)
		}
		if rt.idx != nil {
			if err := rt.idx.Close(); err != nil {
				logger.Printf("close index (%s): %v", rt.spec.ID, err)
			}
		}
	}
}

// multiTickLogger fans one tick entry out to the JSONL journal and the
// index backend. Both targets handle their own errors; the room loop never
// sees a persistence failure.
type multiTickLogger struct {
	a room.TickLogger
	b room.TickLogger
}

func (m multiTickLogger) WriteTick(e room.TickEntry) error {
	if m.a != nil {
		_ = m.a.WriteTick(e)
	}
	if m.b != nil {
		_ = m.b.WriteTick(e)
	}
	return nil
}

type multiTransitionLogger struct {
	a room.TransitionLogger
	b room.TransitionLogger
}

func (m multiTransitionLogger) WriteTransition(e room.TransitionEntry) error {
	if m.a != nil {
		_ = m.a.WriteTransition(e)
	}
	if m.b != nil {
		_ = m.b.WriteTransition(e)
	}
	return nil
}
