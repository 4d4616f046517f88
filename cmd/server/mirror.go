package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"tetherbound.gg/internal/persistence/r2s3"
)

// mirrorRuntime wraps the optional off-host snapshot mirror. Disabled is
// the default; every method is a no-op then, so call sites never branch.
type mirrorRuntime struct {
	enabled bool
	mirror  *r2s3.Mirror
}

func buildMirrorRuntime(dataDir string, logger *log.Logger) (*mirrorRuntime, error) {
	if !envBool("TB_MIRROR", false) {
		return &mirrorRuntime{enabled: false}, nil
	}

	endpoint := strings.TrimSpace(os.Getenv("TB_MIRROR_ENDPOINT"))
	bucket := strings.TrimSpace(os.Getenv("TB_MIRROR_BUCKET"))
	accessKeyID := strings.TrimSpace(os.Getenv("TB_MIRROR_ACCESS_KEY_ID"))
	secretAccessKey := strings.TrimSpace(os.Getenv("TB_MIRROR_SECRET_ACCESS_KEY"))
	prefix := strings.TrimSpace(os.Getenv("TB_MIRROR_PREFIX"))

	if endpoint == "" || bucket == "" || accessKeyID == "" || secretAccessKey == "" {
		return nil, fmt.Errorf("TB_MIRROR=true but TB_MIRROR_ENDPOINT/TB_MIRROR_BUCKET/TB_MIRROR_ACCESS_KEY_ID/TB_MIRROR_SECRET_ACCESS_KEY are not fully set")
	}

	client, err := r2s3.New(endpoint, bucket, accessKeyID, secretAccessKey)
	if err != nil {
		return nil, err
	}

	workers := envInt("TB_MIRROR_UPLOAD_WORKERS", 2)
	queueCap := envInt("TB_MIRROR_QUEUE_CAPACITY", 1024)
	mirror := r2s3.NewMirror(client, dataDir, prefix, workers, queueCap, 25*time.Millisecond, logger)

	return &mirrorRuntime{enabled: true, mirror: mirror}, nil
}

// Close drains pending uploads. Call it last, after the final session
// snapshots and archives were enqueued.
func (m *mirrorRuntime) Close() {
	if m == nil || m.mirror == nil {
		return
	}
	m.mirror.Close()
}

func (m *mirrorRuntime) Enqueue(localPath string) {
	if m == nil || !m.enabled || m.mirror == nil {
		return
	}
	m.mirror.EnqueueFile(localPath)
}

func (m *mirrorRuntime) Stats() (r2s3.Stats, bool) {
	if m == nil || !m.enabled || m.mirror == nil {
		return r2s3.Stats{}, false
	}
	return m.mirror.Stats(), true
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
