// Command replay verifies a recorded session: it restores a snapshot,
// re-steps the room against the tick journal from that boundary forward,
// and compares every digest. A clean run proves the journal and the room
// agree on every input's effect.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"tetherbound.gg/internal/persistence/snapshot"
	"tetherbound.gg/internal/sim/room"
	"tetherbound.gg/internal/sim/scene"
	"tetherbound.gg/internal/sim/tuning"
)

func main() {
	var (
		snapPath   = flag.String("snapshot", "", "path to a .session.zst capture")
		ticksDir   = flag.String("ticks", "", "dir containing ticks-*.jsonl.zst (omit to only inspect the snapshot)")
		configDir  = flag.String("configs", "./configs", "config directory")
		scenePath  = flag.String("scene", "", "scene manifest (default <configs>/scene.json)")
		tuningPath = flag.String("tuning", "", "tuning.yaml (default <configs>/tuning.yaml)")
		fromTick   = flag.Uint64("from_tick", 0, "start verifying digests from this tick (default: the snapshot boundary)")
		toTick     = flag.Uint64("to_tick", 0, "stop after this tick (0 = end of journal)")
	)
	flag.Parse()

	if *snapPath == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot")
		os.Exit(2)
	}

	snap, err := snapshot.ReadSession(*snapPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}

	held := 0
	for _, rec := range snap.Records {
		if rec.Holder != 0 {
			held++
		}
	}
	fmt.Printf("session v%d id=%s tick=%d rate=%d peers=%d records=%d held=%d dedupe=%d scene=%.12s\n",
		snap.Header.Version, snap.Header.SessionID, snap.Header.Tick, snap.TickRate,
		len(snap.Peers), len(snap.Records), held, len(snap.Dedupe), snap.SceneDigest)

	if *ticksDir == "" {
		return
	}

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "load tuning:", err)
			os.Exit(1)
		}
		tune = tuning.Defaults()
	}
	overlaySessionTuning(&tune, snap)

	sp := strings.TrimSpace(*scenePath)
	if sp == "" {
		sp = filepath.Join(*configDir, "scene.json")
	}
	scn, err := scene.Load(sp)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load scene:", err)
		os.Exit(1)
	}

	r, err := room.New(room.Config{
		ID:     snap.Header.SessionID,
		Tuning: tune,
		Scene:  scn,
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "room:", err)
		os.Exit(1)
	}
	if err := r.RestoreSession(snap); err != nil {
		fmt.Fprintln(os.Stderr, "restore:", err)
		os.Exit(1)
	}

	startTick := r.CurrentTick()
	verifyFrom := *fromTick
	if verifyFrom == 0 {
		verifyFrom = startTick
	}

	files, err := listTickFiles(*ticksDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list ticks:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no tick journal files found in", *ticksDir)
		os.Exit(1)
	}

	var checked uint64
	for _, path := range files {
		if err := replayFile(r, path, startTick, verifyFrom, *toTick, &checked); err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
		if *toTick != 0 && r.CurrentTick() > *toTick {
			break
		}
	}
	fmt.Printf("replay ok: checked=%d ticks (from snapshot tick=%d)\n", checked, snap.Header.Tick)
}

// overlaySessionTuning copies the knobs the capture carries over the loaded
// tuning, so a drifted config file cannot silently change the verdict.
// Knobs the capture does not carry still have to match the live run.
func overlaySessionTuning(tune *tuning.Tuning, snap *snapshot.SessionV1) {
	if snap.TickRate != 0 {
		tune.TickRateHz = snap.TickRate
	}
	if snap.MaxPeers != 0 {
		tune.MaxPeers = snap.MaxPeers
	}
	if snap.InventoryCap != 0 {
		tune.InventoryCap = snap.InventoryCap
	}
	if snap.TetherPolicy != "" {
		tune.Tether.Policy = snap.TetherPolicy
		tune.Tether.WarnDist = snap.WarnDist
		tune.Tether.HardDist = snap.HardDist
		tune.Tether.GraceSeconds = snap.GraceSeconds
		tune.Tether.DrainPerSecond = snap.DrainPerSecond
		tune.Tether.RecoverPerSecond = snap.RecoverPerSecond
	}
}

func listTickFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "ticks-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

func replayFile(r *room.Room, path string, startTick, verifyFrom, toTick uint64, checked *uint64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)

	for sc.Scan() {
		var entry room.TickEntry
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if entry.Tick < startTick {
			continue
		}
		if toTick != 0 && entry.Tick > toTick {
			return nil
		}
		if entry.Tick != r.CurrentTick() {
			return fmt.Errorf("tick mismatch: want=%d got=%d (file=%s)", r.CurrentTick(), entry.Tick, filepath.Base(path))
		}

		joins := make([]room.JoinRequest, 0, len(entry.Joins))
		for _, j := range entry.Joins {
			joins = append(joins, room.JoinRequest{Name: j.Name})
		}
		attaches := make([]room.AttachRequest, 0, len(entry.Attaches))
		for _, id := range entry.Attaches {
			attaches = append(attaches, room.AttachRequest{PeerID: id})
		}
		inbound := make([]room.InboundEnvelope, 0, len(entry.Inbound))
		for _, ri := range entry.Inbound {
			inbound = append(inbound, room.InboundEnvelope{From: ri.From, Raw: ri.Raw})
		}

		tick, gotDigest := r.StepOnce(joins, attaches, entry.Leaves, inbound)
		if tick != entry.Tick {
			return fmt.Errorf("internal tick mismatch: stepped=%d entry=%d (file=%s)", tick, entry.Tick, filepath.Base(path))
		}

		if tick >= verifyFrom {
			*checked++
			if gotDigest != entry.Digest {
				return fmt.Errorf("digest mismatch at tick %d: got=%s want=%s", tick, gotDigest, entry.Digest)
			}
		}
	}
	return sc.Err()
}
