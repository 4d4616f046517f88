package roommgr

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEmptyPathYieldsDefaultSession(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultSessionID != "MAIN" || len(cfg.Sessions) != 1 || cfg.Sessions[0].ID != "MAIN" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadParsesSessionsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.yaml")
	body := `default_session_id: LOBBY
sessions:
  - id: LOBBY
  - id: BASEMENT
    scene: ./configs/basement.json
    max_peers: 2
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultSessionID != "LOBBY" || len(cfg.Sessions) != 2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	spec, ok := cfg.SessionSpecByID("BASEMENT")
	if !ok || spec.Scene != "./configs/basement.json" || spec.MaxPeers != 2 {
		t.Fatalf("basement spec: %+v ok=%v", spec, ok)
	}
}

func TestNormalizeBackfillsDefaultID(t *testing.T) {
	cfg := Config{Sessions: []SessionSpec{{ID: "ONLY"}}}
	cfg.Normalize()
	if cfg.DefaultSessionID != "ONLY" {
		t.Fatalf("default_session_id=%q want ONLY", cfg.DefaultSessionID)
	}
}

func TestNormalizeSynthesizesSessionFromDefaultID(t *testing.T) {
	cfg := Config{DefaultSessionID: "SOLO"}
	cfg.Normalize()
	if len(cfg.Sessions) != 1 || cfg.Sessions[0].ID != "SOLO" {
		t.Fatalf("expected synthesized SOLO session, got %+v", cfg.Sessions)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"duplicate id", Config{DefaultSessionID: "A", Sessions: []SessionSpec{{ID: "A"}, {ID: "A"}}}},
		{"empty id", Config{DefaultSessionID: "A", Sessions: []SessionSpec{{ID: "A"}, {ID: "   "}}}},
		{"unknown default", Config{DefaultSessionID: "MISSING", Sessions: []SessionSpec{{ID: "A"}}}},
		{"max_peers out of range", Config{DefaultSessionID: "A", Sessions: []SessionSpec{{ID: "A", MaxPeers: 40}}}},
	}
	for _, tc := range cases {
		if err := tc.cfg.Validate(); err == nil {
			t.Fatalf("%s: expected a validation error", tc.name)
		}
	}
}
