// Command admin inspects a tetherbound server's on-disk state: session
// directories, the SQLite index, transition journals, and saved session
// captures. The state and snapshot subcommands talk to a running server
// over its loopback admin endpoints instead.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"tetherbound.gg/internal/persistence/snapshot"
	"tetherbound.gg/internal/sim/room"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "transitions":
			transitionsCmd(os.Args[2:])
			return
		case "peek":
			peekCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	sessionID := fs.String("session", "", "session id (optional)")
	_ = fs.Parse(args)

	base := filepath.Join(*dataDir, "sessions")
	if *sessionID != "" {
		base = filepath.Join(base, *sessionID)
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		fmt.Println(e.Name())
	}
}

func transitionsCmd(args []string) {
	fs := flag.NewFlagSet("transitions", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	sessionID := fs.String("session", "", "session id")
	sinceTick := fs.Uint64("since_tick", 0, "first tick to include (inclusive)")
	toTick := fs.Uint64("to_tick", 0, "last tick to include (inclusive, optional)")
	peer := fs.Int("peer", 0, "peer id filter (optional)")
	kind := fs.String("kind", "", "kind filter: join|attach|leave|silence|grab|drop|use|reject|race|spoof|warp|snapshot (optional)")
	propKey := fs.String("key", "", "prop key filter (optional)")
	limit := fs.Int("limit", 0, "stop after N matches (optional)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*sessionID) == "" {
		fmt.Fprintln(os.Stderr, "missing -session")
		os.Exit(2)
	}

	dir := filepath.Join(*dataDir, "sessions", *sessionID, "transitions")
	names := journalFiles(dir, "transitions-")
	if len(names) == 0 {
		fmt.Fprintf(os.Stderr, "no transition journals under %s\n", dir)
		os.Exit(2)
	}

	k := strings.TrimSpace(*kind)
	key := strings.TrimSpace(*propKey)
	printed := 0
	for _, name := range names {
		stopped, err := scanJournal(filepath.Join(dir, name), func(e room.TransitionEntry) bool {
			if e.Tick < *sinceTick {
				return true
			}
			if *toTick != 0 && e.Tick > *toTick {
				return true
			}
			if *peer != 0 && e.Peer != *peer {
				return true
			}
			if k != "" && e.Kind != k {
				return true
			}
			if key != "" && e.Key != key {
				return true
			}
			printJSON(e)
			printed++
			return *limit <= 0 || printed < *limit
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "scan:", err)
			os.Exit(1)
		}
		if stopped {
			break
		}
	}
}

// scanJournal feeds every entry of one hourly transition file to visit.
// visit returns false to stop the whole scan.
func scanJournal(path string, visit func(room.TransitionEntry) bool) (stopped bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return false, err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var e room.TransitionEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return false, fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if !visit(e) {
			return true, nil
		}
	}
	return false, sc.Err()
}

func journalFiles(dir, prefix string) []string {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func peekCmd(args []string) {
	fs := flag.NewFlagSet("peek", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	sessionID := fs.String("session", "", "session id (required unless -snapshot)")
	snapPath := fs.String("snapshot", "", "session capture path (optional; defaults to latest)")
	headerOnly := fs.Bool("header", false, "print the header line only")
	heldOnly := fs.Bool("held", false, "print only props that are held")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*snapPath)
	if path == "" {
		if strings.TrimSpace(*sessionID) == "" {
			fmt.Fprintln(os.Stderr, "missing -session or -snapshot")
			os.Exit(2)
		}
		path = latestCapture(filepath.Join(*dataDir, "sessions", *sessionID))
		if path == "" {
			fmt.Fprintln(os.Stderr, "no session capture found; provide -snapshot or run the server until it writes one")
			os.Exit(2)
		}
	}

	if *headerOnly {
		hdr, err := snapshot.PeekHeader(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "peek:", err)
			os.Exit(1)
		}
		printJSON(hdr)
		return
	}

	snap, err := snapshot.ReadSession(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read capture:", err)
		os.Exit(1)
	}

	held := 0
	for _, rec := range snap.Records {
		if rec.Holder != 0 {
			held++
		}
	}
	fmt.Printf("capture %s: session=%s tick=%d rate=%d peers=%d records=%d held=%d dedupe=%d scene=%.12s\n",
		filepath.Base(path), snap.Header.SessionID, snap.Header.Tick, snap.TickRate,
		len(snap.Peers), len(snap.Records), held, len(snap.Dedupe), snap.SceneDigest)
	for _, p := range snap.Peers {
		printJSON(p)
	}
	for _, rec := range snap.Records {
		if *heldOnly && rec.Holder == 0 {
			continue
		}
		printJSON(rec)
	}
}

func latestCapture(sessionDir string) string {
	dir := filepath.Join(sessionDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTick uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".session.zst") {
			continue
		}
		base := strings.TrimSuffix(name, ".session.zst")
		tick, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			bestTick = tick
			best = filepath.Join(dir, name)
		}
	}
	return best
}
