// Package journal appends the room's tick input stream and its transition
// audit trail to hourly-rotated, zstd-compressed JSONL files. A session
// snapshot plus the tick journal from that tick forward is a complete
// replay: cmd/replay re-steps the room against it and checks every digest.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"tetherbound.gg/internal/sim/room"
)

// lineWriter appends JSON lines to <dir>/<prefix>-<UTC hour>.jsonl.zst,
// starting a fresh file when the hour rolls over. Append mode means a
// restart within the hour adds a second zstd frame to the same file;
// readers decode concatenated frames transparently.
type lineWriter struct {
	dir    string
	prefix string

	mu   sync.Mutex
	hour string
	f    *os.File
	zw   *zstd.Encoder
	bw   *bufio.Writer
}

func newLineWriter(dir, prefix string) *lineWriter {
	return &lineWriter{dir: dir, prefix: prefix}
}

func (w *lineWriter) append(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := time.Now().UTC().Format("2006-01-02-15")
	if hour != w.hour {
		if err := w.rollLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.bw.Write(b); err != nil {
		return err
	}
	if err := w.bw.WriteByte('\n'); err != nil {
		return err
	}
	return w.bw.Flush()
}

func (w *lineWriter) rollLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(w.dir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.zw = zw
	w.bw = bufio.NewWriterSize(zw, 128*1024)
	w.hour = hour
	return nil
}

func (w *lineWriter) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *lineWriter) closeLocked() error {
	if w.bw != nil {
		_ = w.bw.Flush()
	}
	var err error
	if w.zw != nil {
		err = w.zw.Close()
		w.zw = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.bw = nil
	return err
}

// TickJournal persists one line per stepped tick under <sessionDir>/ticks.
// It satisfies room.TickLogger.
type TickJournal struct{ w *lineWriter }

func NewTickJournal(sessionDir string) *TickJournal {
	return &TickJournal{w: newLineWriter(filepath.Join(sessionDir, "ticks"), "ticks")}
}

func (j *TickJournal) WriteTick(e room.TickEntry) error { return j.w.append(e) }
func (j *TickJournal) Close() error                     { return j.w.close() }

// TransitionJournal persists roster and ownership decisions under
// <sessionDir>/transitions. It satisfies room.TransitionLogger.
type TransitionJournal struct{ w *lineWriter }

func NewTransitionJournal(sessionDir string) *TransitionJournal {
	return &TransitionJournal{w: newLineWriter(filepath.Join(sessionDir, "transitions"), "transitions")}
}

func (j *TransitionJournal) WriteTransition(e room.TransitionEntry) error { return j.w.append(e) }
func (j *TransitionJournal) Close() error                                 { return j.w.close() }
