// Package tether holds the pure math of the partner tether: proximity,
// sanity drain and recovery, the screen-effect drive, warp placement, and
// the restrain movement envelope. Everything here is deterministic and
// side-effect free; the room integrates it at the monitor rate.
package tether

import "tetherbound.gg/internal/sim/spatial"

type Params struct {
	WarnDist     float64
	HardDist     float64
	GraceSeconds float64

	DrainPerSecond   float64
	RecoverPerSecond float64

	ForwardOffset   float64
	SideOffset      float64
	UpOffset        float64
	CooldownSeconds float64

	SpeedFloor float64
}

// Proximity maps distance into [0,1]: 0 at or inside the warn threshold,
// 1 at or past the hard threshold, linear between.
func Proximity(distance float64, p Params) float64 {
	return spatial.Clamp01((distance - p.WarnDist) / (p.HardDist - p.WarnDist))
}

// Fx is the screen-effect intensity: separation or low sanity, whichever is
// worse right now.
func Fx(proximity, sanity float64) float64 {
	low := 1 - sanity/100
	if proximity > low {
		return spatial.Clamp01(proximity)
	}
	return spatial.Clamp01(low)
}

// State is one peer's tether readout between monitor ticks.
type State struct {
	PartnerID int
	Distance  float64
	Proximity float64
	Sanity    float64
	Fx        float64

	// OverHardSec accumulates while the peer stays past the hard
	// threshold and resets the moment it re-enters.
	OverHardSec float64
	// CooldownSec suppresses another warp of this peer right after one.
	CooldownSec float64
}

func NewState() State { return State{Sanity: 100} }

// Advance integrates one monitor tick of dt seconds against the measured
// partner distance. partner == 0 means unpaired (solo peer): sanity
// recovers and nothing accumulates.
func (s State) Advance(partner int, distance float64, p Params, dt float64) State {
	s.PartnerID = partner
	if s.CooldownSec > 0 {
		s.CooldownSec -= dt
		if s.CooldownSec < 0 {
			s.CooldownSec = 0
		}
	}

	if partner == 0 {
		s.Distance = 0
		s.Proximity = 0
		s.OverHardSec = 0
		s.Sanity = spatial.Clamp(s.Sanity+p.RecoverPerSecond*dt, 0, 100)
		s.Fx = Fx(0, s.Sanity)
		return s
	}

	s.Distance = distance
	s.Proximity = Proximity(distance, p)

	if distance > p.WarnDist {
		s.Sanity -= p.DrainPerSecond * s.Proximity * dt
	} else {
		s.Sanity += p.RecoverPerSecond * dt
	}
	s.Sanity = spatial.Clamp(s.Sanity, 0, 100)

	if distance > p.HardDist {
		s.OverHardSec += dt
	} else {
		s.OverHardSec = 0
	}

	s.Fx = Fx(s.Proximity, s.Sanity)
	return s
}

// WarpDue reports whether this peer's separation has outlived the grace
// period. The caller still gates on the mover's cooldown.
func (s State) WarpDue(p Params) bool {
	return s.OverHardSec > p.GraceSeconds
}

// AfterWarp resets the separation timer and arms the mover cooldown.
func (s State) AfterWarp(p Params) State {
	s.OverHardSec = 0
	s.CooldownSec = p.CooldownSeconds
	return s
}

// SplitPair names the two roles of a separated pair: the numerically larger
// peer id moves, the smaller stays put.
func SplitPair(a, b int) (mover, anchor int) {
	if a > b {
		return a, b
	}
	return b, a
}

// WarpPose places the mover beside its anchor: ahead by the forward offset,
// sideways by the side offset with the sign of the mover id, lifted by the
// up offset, facing the anchor's way.
func WarpPose(anchor spatial.Transform, moverID int, p Params) spatial.Transform {
	pos := anchor.Pos.
		Add(anchor.Forward().Scale(p.ForwardOffset)).
		Add(anchor.Right().Scale(p.SideOffset * spatial.Sign(moverID))).
		Add(spatial.Up.Scale(p.UpOffset))
	return spatial.Transform{Pos: pos, Yaw: anchor.Yaw}
}

// Envelope is the movement restriction the restrain policy pushes to a
// peer: velocity confined to the half-space toward the partner, speed
// scaled down as separation grows.
type Envelope struct {
	Restrained bool
	SpeedScale float64
	PullDir    spatial.Vec3
}

// Restrain computes the envelope for a peer at selfPos with its partner at
// partnerPos. Inside the warn threshold movement is free.
func Restrain(selfPos, partnerPos spatial.Vec3, p Params) Envelope {
	d := selfPos.Dist(partnerPos)
	if d <= p.WarnDist {
		return Envelope{SpeedScale: 1}
	}
	t := Proximity(d, p)
	return Envelope{
		Restrained: true,
		SpeedScale: 1 - (1-p.SpeedFloor)*t,
		PullDir:    partnerPos.Sub(selfPos).Normalized(),
	}
}

// NearestPartner picks the closest other peer from positions keyed by peer
// id. Ties break toward the smaller id so pairing is deterministic.
func NearestPartner(self int, positions map[int]spatial.Vec3) (partner int, distance float64) {
	selfPos, ok := positions[self]
	if !ok {
		return 0, 0
	}
	best := 0
	bestD := 0.0
	for id, pos := range positions {
		if id == self {
			continue
		}
		d := selfPos.Dist(pos)
		if best == 0 || d < bestD || (d == bestD && id < best) {
			best, bestD = id, d
		}
	}
	return best, bestD
}
