package roommgr

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config declares the sessions one server process hosts. Each session is an
// isolated room with its own roster, journals and snapshots.
type Config struct {
	DefaultSessionID string        `yaml:"default_session_id"`
	Sessions         []SessionSpec `yaml:"sessions"`
}

// SessionSpec is one hosted session. Zero-valued overrides keep the
// server-wide scene and tuning.
type SessionSpec struct {
	ID string `yaml:"id"`
	// Scene points at a per-session manifest; empty uses the server scene.
	Scene string `yaml:"scene,omitempty"`
	// MaxPeers overrides the tuned seat count; 0 keeps the tuned value.
	MaxPeers int `yaml:"max_peers,omitempty"`
}

// Load reads a sessions.yaml. An empty path yields the built-in single
// default session.
func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("sessions.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("sessions.yaml: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		DefaultSessionID: "MAIN",
		Sessions:         []SessionSpec{{ID: "MAIN"}},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.DefaultSessionID = strings.TrimSpace(c.DefaultSessionID)
	for i := range c.Sessions {
		c.Sessions[i].ID = strings.TrimSpace(c.Sessions[i].ID)
		c.Sessions[i].Scene = strings.TrimSpace(c.Sessions[i].Scene)
	}
	if len(c.Sessions) == 0 {
		id := c.DefaultSessionID
		if id == "" {
			id = "MAIN"
		}
		c.Sessions = []SessionSpec{{ID: id}}
	}
	if c.DefaultSessionID == "" {
		c.DefaultSessionID = c.Sessions[0].ID
	}
}

func (c Config) Validate() error {
	c.Normalize()
	if len(c.Sessions) == 0 {
		return fmt.Errorf("sessions must not be empty")
	}
	seen := map[string]bool{}
	for _, s := range c.Sessions {
		if s.ID == "" {
			return fmt.Errorf("session id must not be empty")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate session id: %s", s.ID)
		}
		seen[s.ID] = true
		if s.MaxPeers != 0 && (s.MaxPeers < 1 || s.MaxPeers > 16) {
			return fmt.Errorf("session %s max_peers out of range: %d", s.ID, s.MaxPeers)
		}
	}
	if !seen[c.DefaultSessionID] {
		return fmt.Errorf("default_session_id %q not found in sessions", c.DefaultSessionID)
	}
	return nil
}

func (c Config) SessionSpecByID(id string) (SessionSpec, bool) {
	for _, s := range c.Sessions {
		if s.ID == id {
			return s, true
		}
	}
	return SessionSpec{}, false
}
