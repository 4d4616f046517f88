package indexdb

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"tetherbound.gg/internal/persistence/snapshot"
	"tetherbound.gg/internal/sim/room"
)

func TestSQLiteIndexQueueDropStats(t *testing.T) {
	// No writer goroutine: a full channel must surface as drop counters,
	// never as a blocked room loop.
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqTick, tick: room.TickEntry{Tick: 1}}

	_ = s.WriteTick(room.TickEntry{Tick: 2})
	_ = s.WriteTransition(room.TransitionEntry{Tick: 2, Kind: "grab"})
	s.RecordSnapshot("/tmp/2.session.zst", &snapshot.SessionV1{})
	s.RecordArchive(2, "/tmp/final.session.zst")

	st := s.Stats()
	if st.DropTickTotal != 1 {
		t.Fatalf("DropTickTotal=%d want=1", st.DropTickTotal)
	}
	if st.DropTransitionTotal != 1 {
		t.Fatalf("DropTransitionTotal=%d want=1", st.DropTransitionTotal)
	}
	if st.DropSnapshotTotal != 1 {
		t.Fatalf("DropSnapshotTotal=%d want=1", st.DropSnapshotTotal)
	}
	if st.DropArchiveTotal != 1 {
		t.Fatalf("DropArchiveTotal=%d want=1", st.DropArchiveTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestHTTPIndexRetainsBatchOnFlushFailure(t *testing.T) {
	var mu sync.Mutex
	reqCount := 0
	applied := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		reqCount++
		thisReq := reqCount
		mu.Unlock()

		if thisReq <= 3 {
			http.Error(w, "temporary failure", http.StatusInternalServerError)
			return
		}

		var body struct {
			Events []ingestEvent `json:"events"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		mu.Lock()
		applied += len(body.Events)
		mu.Unlock()

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	idx, err := OpenHTTP(HTTPConfig{
		Endpoint:      srv.URL,
		SessionID:     "S1",
		BatchSize:     1,
		FlushInterval: 20 * time.Millisecond,
		HTTPTimeout:   2 * time.Second,
	})
	if err != nil {
		t.Fatalf("OpenHTTP: %v", err)
	}
	defer func() { _ = idx.Close() }()

	if err := idx.WriteTick(room.TickEntry{Tick: 123, Digest: "abc"}); err != nil {
		t.Fatalf("WriteTick: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := applied >= 1
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	finalApplied := applied
	finalReqCount := reqCount
	mu.Unlock()

	if finalApplied < 1 {
		t.Fatalf("expected retained batch to be delivered eventually; applied=%d reqCount=%d", finalApplied, finalReqCount)
	}

	st := idx.Stats()
	if st.FlushFailTotal == 0 {
		t.Fatal("expected flush failures to be recorded, got 0")
	}
	if st.QueueDroppedTotal != 0 {
		t.Fatalf("unexpected queue drops: %d", st.QueueDroppedTotal)
	}
}

func TestHTTPIndexTransitionSeqResetsPerTick(t *testing.T) {
	d := &HTTPIndex{}
	if got := d.nextTransSeq(5); got != 0 {
		t.Fatalf("first seq at tick 5 = %d, want 0", got)
	}
	if got := d.nextTransSeq(5); got != 1 {
		t.Fatalf("second seq at tick 5 = %d, want 1", got)
	}
	if got := d.nextTransSeq(6); got != 0 {
		t.Fatalf("first seq at tick 6 = %d, want 0", got)
	}
}
