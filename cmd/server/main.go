// Command server hosts one or more tetherbound sessions behind a single
// HTTP listener: the client websocket endpoint, the ops surface (metrics,
// admin state, watch feed), and the per-session persistence stack.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"tetherbound.gg/internal/sim/roommgr"
	"tetherbound.gg/internal/sim/scene"
	"tetherbound.gg/internal/sim/tuning"
)

func main() {
	var (
		addr         = flag.String("addr", ":8080", "http listen address")
		configDir    = flag.String("configs", "./configs", "config directory")
		dataDir      = flag.String("data", "./data", "runtime data directory")
		tuningPath   = flag.String("tuning", "", "path to tuning.yaml (default <configs>/tuning.yaml)")
		scenePath    = flag.String("scene", "", "path to the scene manifest (default <configs>/scene.json)")
		sessionsPath = flag.String("sessions", "", "path to sessions.yaml (default <configs>/sessions.yaml; absent file hosts the single default session)")
		disableDB    = flag.Bool("disable_db", false, "disable the session index backend")

		snapPath   = flag.String("snapshot", "", "path to a session snapshot to resume from (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "resume each session from its latest on-disk snapshot when -snapshot is empty")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	sp := strings.TrimSpace(*scenePath)
	if sp == "" {
		sp = filepath.Join(*configDir, "scene.json")
	}
	scn, err := scene.Load(sp)
	if err != nil {
		logger.Fatalf("load scene: %v", err)
	}

	cp := strings.TrimSpace(*sessionsPath)
	if cp == "" {
		cp = filepath.Join(*configDir, "sessions.yaml")
		if _, statErr := os.Stat(cp); statErr != nil {
			cp = ""
		}
	}
	cfg, err := roommgr.Load(cp)
	if err != nil {
		logger.Fatalf("load sessions config: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	mirror, err := buildMirrorRuntime(*dataDir, logger)
	if err != nil {
		logger.Fatalf("init snapshot mirror: %v", err)
	}
	defer mirror.Close()

	rts, err := buildSessionRuntimes(ctx, sessionRuntimeConfig{
		DataDir:    *dataDir,
		DisableDB:  *disableDB,
		Snapshot:   strings.TrimSpace(*snapPath),
		LoadLatest: *loadLatest,
	}, cfg, tune, scn, mirror, logger)
	if err != nil {
		logger.Fatalf("build sessions: %v", err)
	}
	defer rts.Close(logger)

	mgr, err := roommgr.NewManager(cfg, rts.runtimes)
	if err != nil {
		logger.Fatalf("session manager: %v", err)
	}

	enableAdminHTTP := envBool("TB_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("TB_ENABLE_PPROF_HTTP", false)
	mux := buildMux(mgr, logger, mirror, enableAdminHTTP, enablePprofHTTP)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		// Websocket connections are hijacked, so Shutdown only waits for
		// plain HTTP requests; the room loops stop via the same ctx.
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Printf("listening on %s sessions=%v", *addr, mgr.SessionIDs())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	rts.Finalize(logger)
	logger.Printf("server stopped")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// latestSessionSnapshot scans a session's snapshots directory and returns
// the path with the highest tick, or "" when none exist yet.
func latestSessionSnapshot(sessionDir string) string {
	dir := filepath.Join(sessionDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	const suffix = ".session.zst"
	var best string
	var bestTick uint64
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(e.Name(), suffix), 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			bestTick = tick
			best = filepath.Join(dir, e.Name())
		}
	}
	return best
}

func isLoopbackRemote(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// defaultEnableAdminHTTP keeps the loopback-gated admin surface on for
// local runs and off in shared deploys unless explicitly re-enabled.
func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
