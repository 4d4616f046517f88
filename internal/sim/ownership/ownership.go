// Package ownership is the authoritative record table for who holds what.
// One record per holdable prop, keyed by stable identity; no scene-graph
// walking anywhere. The table is owned by the room goroutine and is never
// touched from anywhere else, so it carries no locks of its own.
package ownership

import (
	"errors"
	"fmt"
	"sort"

	"tetherbound.gg/internal/sim/spatial"
)

var (
	ErrUnknownKey = errors.New("ownership: unknown key")
	ErrHeld       = errors.New("ownership: already held")
	ErrLocked     = errors.New("ownership: grab in flight")
	ErrNotPending = errors.New("ownership: no pending grab for peer")
)

// Record tracks one prop through Free -> Locked -> Held -> Free. Holder and
// LockedBy are peer ids; 0 means none. At most one of them is meaningful at
// a time: LockedBy marks the pending grab, Holder the committed one.
type Record struct {
	Key        string
	SourcePath string
	Holder     int
	LockedBy   int
	Mount      string
	LastPose   spatial.Transform
}

func (r Record) Free() bool { return r.Holder == 0 && r.LockedBy == 0 }

type Registry struct {
	records map[string]*Record
}

func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Register adds a record in the Free state at a starting pose. Keys are
// unique; the structural source path is kept as a lookup alias.
func (g *Registry) Register(key, sourcePath string, start spatial.Transform) error {
	if key == "" {
		return fmt.Errorf("ownership: empty key")
	}
	if _, dup := g.records[key]; dup {
		return fmt.Errorf("ownership: duplicate key %q", key)
	}
	g.records[key] = &Record{Key: key, SourcePath: sourcePath, LastPose: start}
	return nil
}

// Resolve finds a record by primary key, falling back to the structural
// source path. The fallback keeps old references working after a manifest
// gains tags: a request formed against the untagged build still lands on
// the same record.
func (g *Registry) Resolve(key string) (*Record, bool) {
	if r, ok := g.records[key]; ok {
		return r, true
	}
	for _, r := range g.records {
		if r.SourcePath == key {
			return r, true
		}
	}
	return nil, false
}

// TryLock opens a grab transaction. It succeeds only from the Free state;
// a concurrent lock or an existing holder loses the race.
func (g *Registry) TryLock(key string, peer int) error {
	r, ok := g.Resolve(key)
	if !ok {
		return ErrUnknownKey
	}
	if r.Holder != 0 {
		return ErrHeld
	}
	if r.LockedBy != 0 {
		return ErrLocked
	}
	r.LockedBy = peer
	return nil
}

// SetHolder commits the pending grab, clearing the lock in the same
// transition. Only the peer that locked may commit.
func (g *Registry) SetHolder(key string, peer int, mount string) error {
	r, ok := g.Resolve(key)
	if !ok {
		return ErrUnknownKey
	}
	if r.LockedBy != peer {
		return fmt.Errorf("%w: %q locked by %d, commit by %d", ErrNotPending, key, r.LockedBy, peer)
	}
	r.LockedBy = 0
	r.Holder = peer
	r.Mount = mount
	return nil
}

// Unlock abandons a pending grab without committing. Harmless if the peer
// does not hold the lock.
func (g *Registry) Unlock(key string, peer int) {
	if r, ok := g.Resolve(key); ok && r.LockedBy == peer {
		r.LockedBy = 0
	}
}

// ClearHolder returns the record to Free at the given pose and reports who
// held it. Any stray lock is dropped with it.
func (g *Registry) ClearHolder(key string, pose spatial.Transform) (int, error) {
	r, ok := g.Resolve(key)
	if !ok {
		return 0, ErrUnknownKey
	}
	prev := r.Holder
	r.Holder = 0
	r.LockedBy = 0
	r.Mount = ""
	r.LastPose = pose
	return prev, nil
}

func (g *Registry) Holder(key string) (int, bool) {
	r, ok := g.Resolve(key)
	if !ok {
		return 0, false
	}
	return r.Holder, true
}

func (g *Registry) IsHeld(key string) bool {
	r, ok := g.Resolve(key)
	return ok && r.Holder != 0
}

// HeldBy lists the keys a peer is carrying, sorted.
func (g *Registry) HeldBy(peer int) []string {
	var keys []string
	for k, r := range g.records {
		if r.Holder == peer {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// HeldCount is the peer's carry load.
func (g *Registry) HeldCount(peer int) int {
	n := 0
	for _, r := range g.records {
		if r.Holder == peer {
			n++
		}
	}
	return n
}

// SetPose updates the last known pose of a free record. Held records keep
// the pose they were grabbed at; their live position is the holder's mount.
func (g *Registry) SetPose(key string, pose spatial.Transform) {
	if r, ok := g.Resolve(key); ok && r.Holder == 0 {
		r.LastPose = pose
	}
}

func (g *Registry) Len() int { return len(g.records) }

// Snapshot copies every record, key-sorted. This is the wire and persistence
// order; iteration never leaks map order anywhere.
func (g *Registry) Snapshot() []Record {
	out := make([]Record, 0, len(g.records))
	keys := make([]string, 0, len(g.records))
	for k := range g.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, *g.records[k])
	}
	return out
}

// Restore rebuilds the table from a snapshot, replacing current contents.
func (g *Registry) Restore(records []Record) {
	g.records = make(map[string]*Record, len(records))
	for i := range records {
		r := records[i]
		g.records[r.Key] = &r
	}
}
