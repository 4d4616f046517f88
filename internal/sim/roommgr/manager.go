// Package roommgr hosts the set of sessions one server process serves and
// resolves incoming connections to their rooms.
package roommgr

import (
	"fmt"
	"sort"

	"tetherbound.gg/internal/sim/room"
)

// Runtime pairs one session's spec with its live room.
type Runtime struct {
	Spec SessionSpec
	Room *room.Room
}

// Manager is the session registry the transports resolve against. The set
// of sessions is fixed at construction and rooms run their own goroutines,
// so reads need no locking; the manager only routes to them.
type Manager struct {
	runtimes  map[string]*Runtime
	defaultID string
}

func NewManager(cfg Config, runtimes map[string]*Runtime) (*Manager, error) {
	if len(runtimes) == 0 {
		return nil, fmt.Errorf("empty runtimes")
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, spec := range cfg.Sessions {
		rt := runtimes[spec.ID]
		if rt == nil || rt.Room == nil {
			return nil, fmt.Errorf("missing runtime for session %s", spec.ID)
		}
	}
	return &Manager{
		runtimes:  runtimes,
		defaultID: cfg.DefaultSessionID,
	}, nil
}

func (m *Manager) SessionIDs() []string {
	out := make([]string, 0, len(m.runtimes))
	for id := range m.runtimes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) Runtime(id string) *Runtime {
	return m.runtimes[id]
}

func (m *Manager) DefaultID() string { return m.defaultID }

// Lookup satisfies the transport resolvers. An empty session id selects the
// server default.
func (m *Manager) Lookup(sessionID string) (*room.Room, bool) {
	if sessionID == "" {
		sessionID = m.defaultID
	}
	rt := m.runtimes[sessionID]
	if rt == nil || rt.Room == nil {
		return nil, false
	}
	return rt.Room, true
}
