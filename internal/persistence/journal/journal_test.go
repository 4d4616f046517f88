package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"

	"tetherbound.gg/internal/sim/room"
)

// journalFile returns the single rotated file under dir, failing the test
// when rotation produced anything unexpected.
func journalFile(t *testing.T, dir, prefix string) string {
	t.Helper()
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir %s: %v", dir, err)
	}
	var names []string
	for _, e := range ents {
		names = append(names, e.Name())
	}
	if len(names) != 1 {
		t.Fatalf("want one journal file in %s, got %v", dir, names)
	}
	name := names[0]
	if !strings.HasPrefix(name, prefix+"-") || !strings.HasSuffix(name, ".jsonl.zst") {
		t.Fatalf("unexpected journal file name %q", name)
	}
	return filepath.Join(dir, name)
}

func readTickEntries(t *testing.T, path string) []room.TickEntry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	defer dec.Close()

	var out []room.TickEntry
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var e room.TickEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal %q: %v", sc.Text(), err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return out
}

func TestTickJournalRoundTrip(t *testing.T) {
	dir := t.TempDir()
	j := NewTickJournal(dir)

	entries := []room.TickEntry{
		{Tick: 0, Joins: []room.RecordedJoin{{PeerID: 1, Name: "ash"}}, Digest: "d0"},
		{Tick: 1, Inbound: []room.RecordedInbound{{From: 1, Raw: json.RawMessage(`{"type":"CMD","verb":"grab"}`)}}, Digest: "d1"},
		{Tick: 2, Leaves: []int{1}, Digest: "d2"},
	}
	for _, e := range entries {
		if err := j.WriteTick(e); err != nil {
			t.Fatalf("WriteTick(%d): %v", e.Tick, err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := readTickEntries(t, journalFile(t, filepath.Join(dir, "ticks"), "ticks"))
	if len(got) != len(entries) {
		t.Fatalf("read %d entries, want %d", len(got), len(entries))
	}
	for i, e := range entries {
		if got[i].Tick != e.Tick || got[i].Digest != e.Digest {
			t.Fatalf("entry %d: got tick=%d digest=%q, want tick=%d digest=%q",
				i, got[i].Tick, got[i].Digest, e.Tick, e.Digest)
		}
	}
	if len(got[0].Joins) != 1 || got[0].Joins[0].Name != "ash" {
		t.Fatalf("joins lost: %+v", got[0].Joins)
	}
	if len(got[1].Inbound) != 1 || got[1].Inbound[0].From != 1 {
		t.Fatalf("inbound lost: %+v", got[1].Inbound)
	}
	var raw struct {
		Verb string `json:"verb"`
	}
	if err := json.Unmarshal(got[1].Inbound[0].Raw, &raw); err != nil || raw.Verb != "grab" {
		t.Fatalf("inbound raw bytes not preserved: %s", got[1].Inbound[0].Raw)
	}
	if len(got[2].Leaves) != 1 || got[2].Leaves[0] != 1 {
		t.Fatalf("leaves lost: %+v", got[2].Leaves)
	}
}

// A process restart within the same hour appends a second zstd frame to
// the current file; readers must see one continuous line stream.
func TestTickJournalAppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	j := NewTickJournal(dir)
	if err := j.WriteTick(room.TickEntry{Tick: 10, Digest: "a"}); err != nil {
		t.Fatalf("WriteTick: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j = NewTickJournal(dir)
	if err := j.WriteTick(room.TickEntry{Tick: 11, Digest: "b"}); err != nil {
		t.Fatalf("WriteTick after reopen: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close after reopen: %v", err)
	}

	got := readTickEntries(t, journalFile(t, filepath.Join(dir, "ticks"), "ticks"))
	if len(got) != 2 || got[0].Tick != 10 || got[1].Tick != 11 {
		t.Fatalf("want ticks [10 11] across frames, got %+v", got)
	}
}

func TestTransitionJournalRoundTrip(t *testing.T) {
	dir := t.TempDir()
	j := NewTransitionJournal(dir)

	if err := j.WriteTransition(room.TransitionEntry{Tick: 5, Kind: "grab", Peer: 2, Key: "crate_a"}); err != nil {
		t.Fatalf("WriteTransition: %v", err)
	}
	if err := j.WriteTransition(room.TransitionEntry{Tick: 6, Kind: "reject", Peer: 2, Key: "crate_a", Code: "E_CONFLICT"}); err != nil {
		t.Fatalf("WriteTransition: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := journalFile(t, filepath.Join(dir, "transitions"), "transitions")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	defer dec.Close()

	var got []room.TransitionEntry
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		var e room.TransitionEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		got = append(got, e)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("read %d entries, want 2", len(got))
	}
	if got[0].Kind != "grab" || got[0].Peer != 2 || got[0].Key != "crate_a" {
		t.Fatalf("first entry mangled: %+v", got[0])
	}
	if got[1].Kind != "reject" || got[1].Code != "E_CONFLICT" {
		t.Fatalf("second entry mangled: %+v", got[1])
	}
}
