// Package spatial holds the small amount of 3D math the session layer needs:
// float vectors, yaw-only orientation, and the blend helpers used by pose
// smoothing. Positions are metres, yaw is radians around +Y, world up is +Y.
package spatial

import "math"

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

var Up = Vec3{Y: 1}

func (v Vec3) Add(o Vec3) Vec3      { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3      { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) Scale(s float64) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }

func (v Vec3) Dot(o Vec3) float64 { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }

func (v Vec3) Len() float64 { return math.Sqrt(v.Dot(v)) }

func (v Vec3) Dist(o Vec3) float64 { return v.Sub(o).Len() }

// Normalized returns the unit vector, or the zero vector when v is too short
// to carry a direction.
func (v Vec3) Normalized() Vec3 {
	l := v.Len()
	if l < 1e-9 {
		return Vec3{}
	}
	return v.Scale(1 / l)
}

func (v Vec3) Lerp(o Vec3, t float64) Vec3 {
	return Vec3{
		X: v.X + (o.X-v.X)*t,
		Y: v.Y + (o.Y-v.Y)*t,
		Z: v.Z + (o.Z-v.Z)*t,
	}
}

// Transform is a pose on the wire and in state: position plus yaw. Pitch and
// roll never replicate; avatars and props stay upright.
type Transform struct {
	Pos Vec3    `json:"pos"`
	Yaw float64 `json:"yaw"`
}

// Forward is the facing direction in the ground plane. Yaw 0 faces +Z.
func (t Transform) Forward() Vec3 {
	return Vec3{X: math.Sin(t.Yaw), Z: math.Cos(t.Yaw)}
}

// Right is up cross forward: +X when facing +Z.
func (t Transform) Right() Vec3 {
	return Vec3{X: math.Cos(t.Yaw), Z: -math.Sin(t.Yaw)}
}

// Toward moves t a fraction of the way to target: positions lerp, yaw takes
// the shortest arc. frac is clamped to [0,1].
func (t Transform) Toward(target Transform, frac float64) Transform {
	frac = Clamp(frac, 0, 1)
	return Transform{
		Pos: t.Pos.Lerp(target.Pos, frac),
		Yaw: NormalizeYaw(t.Yaw + YawDelta(t.Yaw, target.Yaw)*frac),
	}
}

// YawDelta is the signed shortest-arc difference to - from, in (-pi, pi].
func YawDelta(from, to float64) float64 {
	d := math.Mod(to-from, 2*math.Pi)
	if d > math.Pi {
		d -= 2 * math.Pi
	}
	if d <= -math.Pi {
		d += 2 * math.Pi
	}
	return d
}

// NormalizeYaw wraps into (-pi, pi].
func NormalizeYaw(y float64) float64 { return YawDelta(0, y) }

func Clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func Clamp01(x float64) float64 { return Clamp(x, 0, 1) }

// Sign returns +1 for non-negative n, -1 otherwise. Used for the warp side
// offset, which alternates by peer id.
func Sign(n int) float64 {
	if n < 0 {
		return -1
	}
	return 1
}
