package r2s3

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCleanKey(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"sessions/S1/snapshots/000000900.session.zst", "sessions/S1/snapshots/000000900.session.zst"},
		{"/leading/slash", "leading/slash"},
		{"back\\slashes\\too", "back/slashes/too"},
		{"a//b/./c", "a/b/c"},
		{"../escape", ""},
		{"a/../../escape", ""},
		{"  ", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := cleanKey(c.in); got != c.want {
			t.Fatalf("cleanKey(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestObjectKeyMapsRelativeToDataDir(t *testing.T) {
	dataDir := t.TempDir()
	local := filepath.Join(dataDir, "sessions", "S1", "ticks", "ticks-2026-01-02-03.jsonl.zst")
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(local, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := &Mirror{dataDir: dataDir, prefix: "tetherbound"}
	key, err := m.objectKey(local)
	if err != nil {
		t.Fatalf("objectKey: %v", err)
	}
	if key != "tetherbound/sessions/S1/ticks/ticks-2026-01-02-03.jsonl.zst" {
		t.Fatalf("key = %q", key)
	}

	outside := filepath.Join(t.TempDir(), "stray.txt")
	if err := os.WriteFile(outside, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := m.objectKey(outside); err == nil {
		t.Fatal("want error for path outside data dir")
	}
}

func TestEnqueueFileDropsWhenSaturated(t *testing.T) {
	// No workers: the queue never drains, so the second enqueue must time
	// out and drop rather than block.
	m := &Mirror{
		client:      &Client{},
		jobs:        make(chan string, 1),
		enqueueWait: 5 * time.Millisecond,
	}
	m.EnqueueFile("/a")
	m.EnqueueFile("/b")

	st := m.Stats()
	if st.EnqueuedTotal != 2 || st.SaturatedTotal != 1 || st.DroppedTotal != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue = %d/%d", st.QueueDepth, st.QueueCapacity)
	}
}
