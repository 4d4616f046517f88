package room

import (
	"context"
	"errors"
)

type snapshotReq struct {
	Resp chan snapshotResp
}

type snapshotResp struct {
	Tick uint64
	Err  string
}

// RequestSnapshot asks the room loop to export the session now instead of
// waiting for the periodic cadence. Safe to call from other goroutines
// (e.g. HTTP handlers); the export flows through the session sink like the
// periodic ones.
func (r *Room) RequestSnapshot(ctx context.Context) (tick uint64, err error) {
	resp := make(chan snapshotResp, 1)
	select {
	case r.snapReq <- snapshotReq{Resp: resp}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case got := <-resp:
		if got.Err != "" {
			return got.Tick, errors.New(got.Err)
		}
		return got.Tick, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// serveSnapshot runs on the loop goroutine between steps, so the export
// sees state exactly as the last boundary left it. The capture is labeled
// with the tick the room steps next; restoring it resumes there.
func (r *Room) serveSnapshot(req snapshotReq) {
	snapTick := r.tick.Load()

	resp := snapshotResp{Tick: snapTick}
	if r.sessionSink == nil {
		resp.Err = "session sink not configured"
	} else {
		select {
		case r.sessionSink <- r.ExportSession(snapTick):
		default:
			resp.Err = "session sink backpressure"
		}
	}

	select {
	case req.Resp <- resp:
	default:
		// Caller timed out; don't block the loop.
	}
}
