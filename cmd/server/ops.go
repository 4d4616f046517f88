package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"time"

	"tetherbound.gg/internal/sim/roommgr"
	"tetherbound.gg/internal/transport/watch"
	"tetherbound.gg/internal/transport/ws"
)

// buildMux wires the full HTTP surface: health, metrics, the loopback-only
// admin endpoints (state, on-demand snapshot, watch feed), optional pprof,
// and the client websocket.
func buildMux(mgr *roommgr.Manager, logger *log.Logger, mirror *mirrorRuntime, enableAdminHTTP, enablePprofHTTP bool) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})

	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		for _, sessionID := range mgr.SessionIDs() {
			rt := mgr.Runtime(sessionID)
			if rt == nil || rt.Room == nil {
				continue
			}
			writeSessionMetrics(rw, sessionID, rt)
		}
		writeMirrorMetrics(rw, mirror)
	})

	if enableAdminHTTP {
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			out := make(map[string]any)
			for _, sessionID := range mgr.SessionIDs() {
				rt := mgr.Runtime(sessionID)
				if rt == nil || rt.Room == nil {
					continue
				}
				out[sessionID] = map[string]any{
					"tick":    rt.Room.CurrentTick(),
					"metrics": rt.Room.Metrics(),
				}
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(out)
		})

		mux.HandleFunc("/admin/v1/snapshot", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rm, ok := mgr.Lookup(r.URL.Query().Get("session"))
			if !ok {
				http.Error(rw, "unknown session", http.StatusNotFound)
				return
			}
			reqCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			tick, err := rm.RequestSnapshot(reqCtx)
			rw.Header().Set("Content-Type", "application/json")
			if err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{
					"ok": false, "session": rm.ID(), "error": err.Error(),
				})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{
				"ok": true, "session": rm.ID(), "tick": tick,
			})
		})

		watchSrv := watch.NewServer(mgr, logger)
		mux.HandleFunc("/admin/v1/watch/bootstrap", watchSrv.BootstrapHandler())
		mux.HandleFunc("/admin/v1/watch/ws", watchSrv.WSHandler())
	} else {
		logger.Printf("admin endpoints disabled (TB_ENABLE_ADMIN_HTTP=false)")
	}

	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (TB_ENABLE_PPROF_HTTP=false)")
	}

	mux.HandleFunc("/v1/ws", ws.NewServer(mgr, logger).Handler())

	return mux
}

func writeSessionMetrics(rw http.ResponseWriter, sessionID string, rt *roommgr.Runtime) {
	m := rt.Room.Metrics()
	tick := rt.Room.CurrentTick()
	if m.Tick != 0 {
		tick = m.Tick
	}

	fmt.Fprintf(rw, "tetherbound_session_tick{session=%q} %d\n", sessionID, tick)
	fmt.Fprintf(rw, "tetherbound_session_peers_connected{session=%q} %d\n", sessionID, m.PeersConnected)
	fmt.Fprintf(rw, "tetherbound_session_peers_seated{session=%q} %d\n", sessionID, m.PeersSeated)
	fmt.Fprintf(rw, "tetherbound_session_props_held{session=%q} %d\n", sessionID, m.PropsHeld)
	fmt.Fprintf(rw, "tetherbound_session_props_total{session=%q} %d\n", sessionID, m.PropsTotal)
	fmt.Fprintf(rw, "tetherbound_session_min_sanity{session=%q} %.3f\n", sessionID, m.MinSanity)
	fmt.Fprintf(rw, "tetherbound_session_step_ms{session=%q} %.3f\n", sessionID, m.StepMS)

	fmt.Fprintf(rw, "tetherbound_session_queue_depth{session=%q,queue=\"inbox\"} %d\n", sessionID, m.Queues.Inbox)
	fmt.Fprintf(rw, "tetherbound_session_queue_depth{session=%q,queue=\"join\"} %d\n", sessionID, m.Queues.Join)
	fmt.Fprintf(rw, "tetherbound_session_queue_depth{session=%q,queue=\"attach\"} %d\n", sessionID, m.Queues.Attach)
	fmt.Fprintf(rw, "tetherbound_session_queue_depth{session=%q,queue=\"leave\"} %d\n", sessionID, m.Queues.Leave)
	fmt.Fprintf(rw, "tetherbound_session_queue_depth{session=%q,queue=\"detach\"} %d\n", sessionID, m.Queues.Detach)

	fmt.Fprintf(rw, "tetherbound_session_cmds_applied_total{session=%q} %d\n", sessionID, m.Stats.CmdsApplied)
	fmt.Fprintf(rw, "tetherbound_session_cmds_rejected_total{session=%q} %d\n", sessionID, m.Stats.CmdsRejected)
	fmt.Fprintf(rw, "tetherbound_session_cmds_deduped_total{session=%q} %d\n", sessionID, m.Stats.CmdsDeduped)
	fmt.Fprintf(rw, "tetherbound_session_poses_accepted_total{session=%q} %d\n", sessionID, m.Stats.PosesAccepted)
	fmt.Fprintf(rw, "tetherbound_session_poses_dropped_total{session=%q} %d\n", sessionID, m.Stats.PosesDropped)
	fmt.Fprintf(rw, "tetherbound_session_poses_stale_total{session=%q} %d\n", sessionID, m.Stats.PosesStale)
	fmt.Fprintf(rw, "tetherbound_session_warps_total{session=%q} %d\n", sessionID, m.Stats.Warps)
	fmt.Fprintf(rw, "tetherbound_session_snapshots_sent_total{session=%q} %d\n", sessionID, m.Stats.SnapshotsSent)
	fmt.Fprintf(rw, "tetherbound_session_silence_kicks_total{session=%q} %d\n", sessionID, m.Stats.SilenceKicks)

	fmt.Fprintf(rw, "tetherbound_bus_reliable_total{session=%q} %d\n", sessionID, m.Bus.Reliable)
	fmt.Fprintf(rw, "tetherbound_bus_best_effort_total{session=%q} %d\n", sessionID, m.Bus.BestEffort)
	fmt.Fprintf(rw, "tetherbound_bus_queue_breaks_total{session=%q} %d\n", sessionID, m.Bus.QueueBreaks)
}

func writeMirrorMetrics(rw http.ResponseWriter, mirror *mirrorRuntime) {
	s, ok := mirror.Stats()
	if !ok {
		return
	}
	fmt.Fprintf(rw, "# HELP tetherbound_mirror_queue_depth Files waiting to upload.\n")
	fmt.Fprintf(rw, "# TYPE tetherbound_mirror_queue_depth gauge\n")
	fmt.Fprintf(rw, "tetherbound_mirror_queue_depth %d\n", s.QueueDepth)
	fmt.Fprintf(rw, "# HELP tetherbound_mirror_queue_capacity Upload queue capacity.\n")
	fmt.Fprintf(rw, "# TYPE tetherbound_mirror_queue_capacity gauge\n")
	fmt.Fprintf(rw, "tetherbound_mirror_queue_capacity %d\n", s.QueueCapacity)
	fmt.Fprintf(rw, "# HELP tetherbound_mirror_enqueued_total Files handed to the mirror.\n")
	fmt.Fprintf(rw, "# TYPE tetherbound_mirror_enqueued_total counter\n")
	fmt.Fprintf(rw, "tetherbound_mirror_enqueued_total %d\n", s.EnqueuedTotal)
	fmt.Fprintf(rw, "# HELP tetherbound_mirror_saturated_total Enqueues that found the queue full.\n")
	fmt.Fprintf(rw, "# TYPE tetherbound_mirror_saturated_total counter\n")
	fmt.Fprintf(rw, "tetherbound_mirror_saturated_total %d\n", s.SaturatedTotal)
	fmt.Fprintf(rw, "# HELP tetherbound_mirror_dropped_total Files dropped after the enqueue wait expired.\n")
	fmt.Fprintf(rw, "# TYPE tetherbound_mirror_dropped_total counter\n")
	fmt.Fprintf(rw, "tetherbound_mirror_dropped_total %d\n", s.DroppedTotal)
	fmt.Fprintf(rw, "# HELP tetherbound_mirror_upload_ok_total Successful uploads.\n")
	fmt.Fprintf(rw, "# TYPE tetherbound_mirror_upload_ok_total counter\n")
	fmt.Fprintf(rw, "tetherbound_mirror_upload_ok_total %d\n", s.UploadOKTotal)
	fmt.Fprintf(rw, "# HELP tetherbound_mirror_upload_err_total Failed uploads.\n")
	fmt.Fprintf(rw, "# TYPE tetherbound_mirror_upload_err_total counter\n")
	fmt.Fprintf(rw, "tetherbound_mirror_upload_err_total %d\n", s.UploadErrTotal)
	fmt.Fprintf(rw, "# HELP tetherbound_mirror_last_ok_unix Unix time of the last successful upload.\n")
	fmt.Fprintf(rw, "# TYPE tetherbound_mirror_last_ok_unix gauge\n")
	fmt.Fprintf(rw, "tetherbound_mirror_last_ok_unix %d\n", s.LastOKUnix)
	fmt.Fprintf(rw, "# HELP tetherbound_mirror_last_err_unix Unix time of the last failed upload.\n")
	fmt.Fprintf(rw, "# TYPE tetherbound_mirror_last_err_unix gauge\n")
	fmt.Fprintf(rw, "tetherbound_mirror_last_err_unix %d\n", s.LastErrUnix)
}
