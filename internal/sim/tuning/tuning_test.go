package tuning

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsValidate(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "tuning.yaml")
	raw := []byte(`
tick_rate_hz: 20
inventory_cap: 3
tether:
  warn_dist: 10
  hard_dist: 30
  policy: restrain
  monitor_hz: 10
  grace_seconds: 1.25
  drain_per_second: 6
  recover_per_second: 10
  restrain_speed_floor: 0.5
`)
	if err := os.WriteFile(p, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	tn, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tn.TickRateHz != 20 || tn.InventoryCap != 3 {
		t.Fatalf("overrides not applied: %+v", tn)
	}
	if tn.Tether.Policy != PolicyRestrain || tn.Tether.WarnDist != 10 {
		t.Fatalf("tether overrides not applied: %+v", tn.Tether)
	}
	// Untouched sections keep their defaults.
	if tn.Pose.SendRateHz != Defaults().Pose.SendRateHz {
		t.Fatalf("pose defaults lost: %+v", tn.Pose)
	}
}

func TestLoadRejectsBadPolicy(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "tuning.yaml")
	if err := os.WriteFile(p, []byte("tether:\n  policy: rubberband\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(p); err == nil {
		t.Fatal("expected policy validation error")
	}
}

func TestLoadRejectsInvertedThresholds(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "tuning.yaml")
	if err := os.WriteFile(p, []byte("tether:\n  warn_dist: 50\n  hard_dist: 20\n  policy: warp\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(p); err == nil {
		t.Fatal("expected threshold validation error")
	}
}
