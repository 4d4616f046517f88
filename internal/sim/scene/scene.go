// Package scene loads the static manifest of a level: the props peers can
// interact with, their starting poses, and the spawn ring. The manifest is
// content-addressed; its digest travels in WELCOME so clients can detect a
// mismatched level build before anything moves.
package scene

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"tetherbound.gg/internal/sim/spatial"
)

// Class is the closed set of prop variants. Capabilities hang off the class,
// not off per-prop flags, so a manifest cannot invent a half-capable object.
type Class string

const (
	// ClassCarryable can be picked up and carried; it has no use action.
	ClassCarryable Class = "carryable"
	// ClassTool can be carried and used while held.
	ClassTool Class = "tool"
	// ClassFixture only replicates a pose; it can never be carried or used.
	ClassFixture Class = "fixture"
)

func (c Class) Valid() bool {
	switch c {
	case ClassCarryable, ClassTool, ClassFixture:
		return true
	}
	return false
}

// Holdable reports whether a grab request can target this class.
func (c Class) Holdable() bool { return c == ClassCarryable || c == ClassTool }

// Usable reports whether a use request can target this class.
func (c Class) Usable() bool { return c == ClassTool }

type Prop struct {
	// Key is the stable identity: the manifest tag when present, else the
	// structural path assigned at load.
	Key   string
	Name  string
	Class Class
	Zone  string
	// SourcePath is the structural fallback identity (zone/name/ordinal).
	// It survives re-tagging: lookups that miss on Key can still resolve
	// through it.
	SourcePath string
	Start      spatial.Transform
}

type Scene struct {
	Props  []Prop
	ByKey  map[string]*Prop
	Spawns []spatial.Transform

	// Digest is the sha256 of the manifest file as shipped.
	Digest string
	// Manifest is the decoded file, re-sent verbatim in SCENE messages.
	Manifest any
}

type manifestFile struct {
	Spawns []spatial.Transform `json:"spawn_points"`
	Props  []manifestProp      `json:"props"`
}

type manifestProp struct {
	Key   string            `json:"key,omitempty"`
	Name  string            `json:"name"`
	Class string            `json:"class"`
	Zone  string            `json:"zone"`
	Pose  spatial.Transform `json:"pose"`
}

// Load reads and indexes a scene manifest.
func Load(path string) (*Scene, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse indexes a manifest already in memory. Exposed for tests and for
// replay, which carries the manifest inside the snapshot.
func Parse(raw []byte) (*Scene, error) {
	var mf manifestFile
	if err := json.Unmarshal(raw, &mf); err != nil {
		return nil, fmt.Errorf("scene manifest: %w", err)
	}
	if len(mf.Spawns) == 0 {
		return nil, fmt.Errorf("scene manifest: no spawn_points")
	}

	s := &Scene{
		ByKey:  make(map[string]*Prop, len(mf.Props)),
		Spawns: mf.Spawns,
	}

	// Ordinals count untagged props per (zone, name) in manifest order so
	// structural paths stay stable across unrelated edits.
	ordinals := map[string]int{}

	for i, mp := range mf.Props {
		cl := Class(mp.Class)
		if !cl.Valid() {
			return nil, fmt.Errorf("scene manifest: prop %d: unknown class %q", i, mp.Class)
		}
		if mp.Name == "" {
			return nil, fmt.Errorf("scene manifest: prop %d: missing name", i)
		}
		base := mp.Zone + "/" + slug(mp.Name)
		n := ordinals[base]
		ordinals[base] = n + 1

		p := Prop{
			Key:        mp.Key,
			Name:       mp.Name,
			Class:      cl,
			Zone:       mp.Zone,
			SourcePath: fmt.Sprintf("%s/%d", base, n),
			Start:      mp.Pose,
		}
		if p.Key == "" {
			p.Key = p.SourcePath
		}
		if _, dup := s.ByKey[p.Key]; dup {
			return nil, fmt.Errorf("scene manifest: duplicate key %q", p.Key)
		}
		s.Props = append(s.Props, p)
	}
	for i := range s.Props {
		s.ByKey[s.Props[i].Key] = &s.Props[i]
	}

	s.Digest = sha256Hex(raw)
	if err := json.Unmarshal(raw, &s.Manifest); err != nil {
		return nil, fmt.Errorf("scene manifest: %w", err)
	}
	return s, nil
}

// Find resolves a prop by key, falling back to the structural source path
// the same way the ownership table does.
func (s *Scene) Find(key string) (*Prop, bool) {
	if p, ok := s.ByKey[key]; ok {
		return p, true
	}
	for i := range s.Props {
		if s.Props[i].SourcePath == key {
			return &s.Props[i], true
		}
	}
	return nil, false
}

// SpawnFor hands out spawn poses round-robin by peer id, so a rejoining
// peer lands where it first did.
func (s *Scene) SpawnFor(peerID int) spatial.Transform {
	if peerID < 1 {
		peerID = 1
	}
	return s.Spawns[(peerID-1)%len(s.Spawns)]
}

// Holdables returns the keys of every prop a grab can target, sorted.
func (s *Scene) Holdables() []string {
	var keys []string
	for i := range s.Props {
		if s.Props[i].Class.Holdable() {
			keys = append(keys, s.Props[i].Key)
		}
	}
	sort.Strings(keys)
	return keys
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func slug(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "_"))
}
