package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tuning is the gameplay numbers of a session. Defaults() compiles the
// shipped values in; configs/tuning.yaml overrides per deployment.
type Tuning struct {
	TickRateHz         int `yaml:"tick_rate_hz"`
	SnapshotEveryTicks int `yaml:"snapshot_every_ticks"`
	MaxPeers           int `yaml:"max_peers"`

	InventoryCap int `yaml:"inventory_cap"`

	Pose   Pose   `yaml:"pose"`
	Tether Tether `yaml:"tether"`
	Drop   Drop   `yaml:"drop"`

	RateLimits RateLimits `yaml:"rate_limits"`

	HeartbeatSeconds  float64 `yaml:"heartbeat_seconds"`
	SilenceKickFactor float64 `yaml:"silence_kick_factor"`
}

type Pose struct {
	// SendRateHz is the target publish rate for body poses; the minimum
	// inter-send interval is derived from it and enforced against a
	// monotonic clock.
	SendRateHz float64 `yaml:"send_rate_hz"`
	// BlendFactor is the fraction of the remaining distance a displayed
	// pose covers per simulation step.
	BlendFactor float64 `yaml:"blend_factor"`
	// SnapEpsilon is the distance under which a displayed pose is
	// considered converged.
	SnapEpsilon float64 `yaml:"snap_epsilon"`
}

type Tether struct {
	MonitorHz    float64 `yaml:"monitor_hz"`
	WarnDist     float64 `yaml:"warn_dist"`
	HardDist     float64 `yaml:"hard_dist"`
	GraceSeconds float64 `yaml:"grace_seconds"`

	DrainPerSecond   float64 `yaml:"drain_per_second"`
	RecoverPerSecond float64 `yaml:"recover_per_second"`

	// Policy selects how separations past the grace period resolve:
	// "warp" relocates the larger peer id next to the smaller; "restrain"
	// caps movement instead. Exactly one is active.
	Policy string `yaml:"policy"`

	WarpForwardOffset   float64 `yaml:"warp_forward_offset"`
	WarpSideOffset      float64 `yaml:"warp_side_offset"`
	WarpUpOffset        float64 `yaml:"warp_up_offset"`
	WarpCooldownSeconds float64 `yaml:"warp_cooldown_seconds"`

	RestrainSpeedFloor float64 `yaml:"restrain_speed_floor"`
}

type Drop struct {
	// Placement of a released prop relative to the holder.
	ForwardOffset float64 `yaml:"forward_offset"`
	UpOffset      float64 `yaml:"up_offset"`

	ImpulseScale float64 `yaml:"impulse_scale"`
	MinNudge     float64 `yaml:"min_nudge"`
	// UseCooldownSeconds debounces a prop's use animation against
	// duplicate or replayed triggers.
	UseCooldownSeconds float64 `yaml:"use_cooldown_seconds"`
}

type RateLimits struct {
	CmdWindowTicks int `yaml:"cmd_window_ticks"`
	CmdMax         int `yaml:"cmd_max"`
	PosePerSecond  int `yaml:"pose_per_second"`
	PoseBurst      int `yaml:"pose_burst"`
}

const (
	PolicyWarp     = "warp"
	PolicyRestrain = "restrain"
)

// Defaults are the tuned values sessions run with when no file overrides
// them.
func Defaults() Tuning {
	return Tuning{
		TickRateHz:         30,
		SnapshotEveryTicks: 3000,
		MaxPeers:           4,
		InventoryCap:       2,
		Pose: Pose{
			SendRateHz:  18,
			BlendFactor: 0.25,
			SnapEpsilon: 0.01,
		},
		Tether: Tether{
			MonitorHz:           10,
			WarnDist:            25,
			HardDist:            55,
			GraceSeconds:        1.25,
			DrainPerSecond:      6,
			RecoverPerSecond:    10,
			Policy:              PolicyWarp,
			WarpForwardOffset:   2.5,
			WarpSideOffset:      1.0,
			WarpUpOffset:        0.5,
			WarpCooldownSeconds: 5,
			RestrainSpeedFloor:  0.25,
		},
		Drop: Drop{
			ForwardOffset:      1.0,
			UpOffset:           0.25,
			ImpulseScale:       2.0,
			MinNudge:           0.05,
			UseCooldownSeconds: 0.4,
		},
		RateLimits: RateLimits{
			CmdWindowTicks: 30,
			CmdMax:         10,
			PosePerSecond:  30,
			PoseBurst:      10,
		},
		HeartbeatSeconds:  2,
		SilenceKickFactor: 3,
	}
}

// Load reads overrides from path on top of the defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.TickRateHz <= 0 {
		return fmt.Errorf("tick_rate_hz must be positive")
	}
	if t.MaxPeers < 1 || t.MaxPeers > 16 {
		return fmt.Errorf("max_peers out of range: %d", t.MaxPeers)
	}
	if t.InventoryCap < 1 {
		return fmt.Errorf("inventory_cap must be at least 1")
	}
	if t.Tether.HardDist <= t.Tether.WarnDist {
		return fmt.Errorf("tether hard_dist (%v) must exceed warn_dist (%v)",
			t.Tether.HardDist, t.Tether.WarnDist)
	}
	if t.Tether.Policy != PolicyWarp && t.Tether.Policy != PolicyRestrain {
		return fmt.Errorf("tether policy must be %q or %q", PolicyWarp, PolicyRestrain)
	}
	if t.Pose.BlendFactor <= 0 || t.Pose.BlendFactor > 1 {
		return fmt.Errorf("pose blend_factor must be in (0,1]")
	}
	if t.Tether.RestrainSpeedFloor < 0 || t.Tether.RestrainSpeedFloor > 1 {
		return fmt.Errorf("restrain_speed_floor must be in [0,1]")
	}
	return nil
}

// TickSeconds is the duration of one simulation step.
func (t Tuning) TickSeconds() float64 { return 1.0 / float64(t.TickRateHz) }

// MinPoseInterval is the floor between two pose sends for one body.
func (t Tuning) MinPoseInterval() float64 {
	if t.Pose.SendRateHz <= 0 {
		return 0
	}
	return 1.0 / t.Pose.SendRateHz
}

// UseCooldownTicks is the use debounce window in simulation ticks.
func (t Tuning) UseCooldownTicks() uint64 {
	return uint64(t.Drop.UseCooldownSeconds * float64(t.TickRateHz))
}

// TetherEveryTicks is how many simulation ticks pass between tether
// evaluations. The monitor rate divides into the tick rate; a remainder
// just runs the monitor slightly faster than asked.
func (t Tuning) TetherEveryTicks() uint64 {
	if t.Tether.MonitorHz <= 0 {
		return 1
	}
	every := uint64(float64(t.TickRateHz) / t.Tether.MonitorHz)
	if every < 1 {
		every = 1
	}
	return every
}

// SilenceKickTicks is how long a peer may stay quiet before the session
// drops it.
func (t Tuning) SilenceKickTicks() uint64 {
	return uint64(t.HeartbeatSeconds * t.SilenceKickFactor * float64(t.TickRateHz))
}
