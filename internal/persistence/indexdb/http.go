package indexdb

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tetherbound.gg/internal/persistence/snapshot"
	"tetherbound.gg/internal/sim/room"
	"tetherbound.gg/internal/sim/scene"
	"tetherbound.gg/internal/sim/tuning"
)

// HTTPIndex ships the same rows the SQLite backend stores to a remote
// ingest endpoint, batched. A failed flush keeps its batch and retries on
// the next interval, so a brief endpoint outage loses nothing; only a
// saturated queue or a runaway backlog drops events.
type HTTPIndex struct {
	cfg        HTTPConfig
	httpClient *http.Client

	ch   chan ingestEvent
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	queueDropped atomic.Uint64
	flushFail    atomic.Uint64

	transMu       sync.Mutex
	lastTransTick uint64
	transSeq      int
}

type HTTPConfig struct {
	Endpoint      string
	Token         string
	SessionID     string
	BatchSize     int
	FlushInterval time.Duration
	HTTPTimeout   time.Duration
	Logger        *log.Logger
}

type ingestEvent struct {
	Kind      string `json:"kind"`
	SessionID string `json:"session_id"`
	Payload   any    `json:"payload"`
}

type ingestTick struct {
	Tick    uint64                 `json:"tick"`
	Digest  string                 `json:"digest"`
	Joins   []room.RecordedJoin    `json:"joins,omitempty"`
	Leaves  []int                  `json:"leaves,omitempty"`
	Inbound []room.RecordedInbound `json:"inbound,omitempty"`
}

type ingestTransition struct {
	Tick   uint64 `json:"tick"`
	Seq    int    `json:"seq"`
	Kind   string `json:"kind"`
	Peer   int    `json:"peer"`
	Key    string `json:"key,omitempty"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

type ingestSnapshot struct {
	Tick    uint64 `json:"tick"`
	Path    string `json:"path"`
	Peers   int    `json:"peers"`
	Records int    `json:"records"`
	Held    int    `json:"held"`
}

type ingestArchive struct {
	EndTick    uint64 `json:"end_tick"`
	Path       string `json:"path"`
	RecordedAt string `json:"recorded_at"`
}

type ingestConfig struct {
	Name      string `json:"name"`
	Digest    string `json:"digest"`
	JSON      string `json:"json"`
	UpdatedAt string `json:"updated_at"`
}

func OpenHTTP(cfg HTTPConfig) (*HTTPIndex, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.SessionID = strings.TrimSpace(cfg.SessionID)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty index ingest endpoint")
	}
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("empty session id")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	d := &HTTPIndex{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		ch:         make(chan ingestEvent, 32768),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()
	return d, nil
}

func (d *HTTPIndex) Close() error {
	if d == nil {
		return nil
	}
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.ch)
		d.wg.Wait()
	})
	return nil
}

func (d *HTTPIndex) WriteTick(entry room.TickEntry) error {
	if d == nil || d.closed.Load() {
		return nil
	}
	d.enqueue(ingestEvent{Kind: "tick", SessionID: d.cfg.SessionID, Payload: ingestTick{
		Tick:    entry.Tick,
		Digest:  entry.Digest,
		Joins:   entry.Joins,
		Leaves:  entry.Leaves,
		Inbound: entry.Inbound,
	}})
	return nil
}

func (d *HTTPIndex) WriteTransition(entry room.TransitionEntry) error {
	if d == nil || d.closed.Load() {
		return nil
	}
	d.enqueue(ingestEvent{Kind: "transition", SessionID: d.cfg.SessionID, Payload: ingestTransition{
		Tick:   entry.Tick,
		Seq:    d.nextTransSeq(entry.Tick),
		Kind:   entry.Kind,
		Peer:   entry.Peer,
		Key:    entry.Key,
		Code:   entry.Code,
		Detail: entry.Detail,
	}})
	return nil
}

func (d *HTTPIndex) RecordSnapshot(path string, snap *snapshot.SessionV1) {
	if d == nil || d.closed.Load() || snap == nil {
		return
	}
	held := 0
	for _, rec := range snap.Records {
		if rec.Holder != 0 {
			held++
		}
	}
	d.enqueue(ingestEvent{Kind: "snapshot", SessionID: d.cfg.SessionID, Payload: ingestSnapshot{
		Tick:    snap.Header.Tick,
		Path:    path,
		Peers:   len(snap.Peers),
		Records: len(snap.Records),
		Held:    held,
	}})
}

func (d *HTTPIndex) RecordArchive(endTick uint64, archivedPath string) {
	if d == nil || d.closed.Load() || strings.TrimSpace(archivedPath) == "" {
		return
	}
	d.enqueue(ingestEvent{Kind: "archive", SessionID: d.cfg.SessionID, Payload: ingestArchive{
		EndTick:    endTick,
		Path:       archivedPath,
		RecordedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}})
}

func (d *HTTPIndex) UpsertSession(sessionID string, tune tuning.Tuning, scn *scene.Scene) error {
	if d == nil || d.closed.Load() {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if b, err := json.Marshal(tune); err == nil && len(b) > 0 {
		sum := sha256.Sum256(b)
		d.enqueue(ingestEvent{Kind: "config", SessionID: sessionID, Payload: ingestConfig{
			Name:      "tuning",
			Digest:    hex.EncodeToString(sum[:]),
			JSON:      string(b),
			UpdatedAt: now,
		}})
	}
	if scn != nil {
		if b, err := json.Marshal(scn.Manifest); err == nil && len(b) > 0 {
			d.enqueue(ingestEvent{Kind: "config", SessionID: sessionID, Payload: ingestConfig{
				Name:      "scene",
				Digest:    scn.Digest,
				JSON:      string(b),
				UpdatedAt: now,
			}})
		}
	}
	return nil
}

func (d *HTTPIndex) Stats() Stats {
	if d == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(d.ch),
		QueueCapacity:     cap(d.ch),
		QueueDroppedTotal: d.queueDropped.Load(),
		FlushFailTotal:    d.flushFail.Load(),
	}
}

func (d *HTTPIndex) nextTransSeq(tick uint64) int {
	d.transMu.Lock()
	defer d.transMu.Unlock()
	if tick != d.lastTransTick {
		d.lastTransTick = tick
		d.transSeq = 0
	}
	seq := d.transSeq
	d.transSeq++
	return seq
}

func (d *HTTPIndex) enqueue(ev ingestEvent) {
	select {
	case d.ch <- ev:
	default:
		d.queueDropped.Add(1)
		d.printf("index queue full; drop kind=%s session=%s", ev.Kind, ev.SessionID)
	}
}

func (d *HTTPIndex) loop() {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	var pending []ingestEvent
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := d.sendBatch(pending); err != nil {
			d.flushFail.Add(1)
			d.printf("index flush failed batch=%d err=%v", len(pending), err)
			// Keep the batch for the next interval. Cap the backlog so a
			// dead endpoint cannot eat the heap; oldest events go first.
			if limit := 8 * d.cfg.BatchSize; len(pending) > limit {
				over := len(pending) - limit
				pending = pending[over:]
				d.queueDropped.Add(uint64(over))
			}
			return
		}
		pending = pending[:0]
	}

	for {
		select {
		case ev, ok := <-d.ch:
			if !ok {
				flush()
				return
			}
			pending = append(pending, ev)
			if len(pending) >= d.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (d *HTTPIndex) sendBatch(events []ingestEvent) error {
	body := struct {
		Events []ingestEvent `json:"events"`
	}{Events: events}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequest(http.MethodPost, d.cfg.Endpoint, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")
		if d.cfg.Token != "" {
			req.Header.Set("x-index-token", d.cfg.Token)
		}

		resp, err := d.httpClient.Do(req)
		if err == nil {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		lastErr = err
		time.Sleep(time.Duration(100*(1<<attempt)) * time.Millisecond)
	}
	return lastErr
}

func (d *HTTPIndex) printf(format string, args ...any) {
	if d != nil && d.cfg.Logger != nil {
		d.cfg.Logger.Printf(format, args...)
	}
}
