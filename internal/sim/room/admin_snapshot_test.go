package room

import (
	"context"
	"testing"
	"time"

	"tetherbound.gg/internal/persistence/snapshot"
	"tetherbound.gg/internal/sim/tuning"
)

func TestRequestSnapshotExportsThroughSink(t *testing.T) {
	tun := tuning.Defaults()
	tun.TickRateHz = 100
	r := newTestRoom(t, tun)

	sink := make(chan *snapshot.SessionV1, 1)
	r.SetSessionSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer rcancel()
	tick, err := r.RequestSnapshot(rctx)
	if err != nil {
		t.Fatalf("request snapshot: %v", err)
	}

	select {
	case snap := <-sink:
		if snap.Header.SessionID != "S1" {
			t.Fatalf("snapshot session=%q want S1", snap.Header.SessionID)
		}
		if snap.Header.Tick != tick {
			t.Fatalf("snapshot tick=%d, request reported %d", snap.Header.Tick, tick)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no snapshot arrived on the sink")
	}
}

func TestRequestSnapshotWithoutSinkFails(t *testing.T) {
	tun := tuning.Defaults()
	tun.TickRateHz = 100
	r := newTestRoom(t, tun)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer rcancel()
	if _, err := r.RequestSnapshot(rctx); err == nil {
		t.Fatalf("expected an error with no session sink installed")
	}
}
