package nmath

import "math"

// Quaternion is a rotation in (X, Y, Z, W) component order.
type Quaternion struct {
	X, Y, Z, W float32
}

// QuaternionIdentity is the no-rotation quaternion.
var QuaternionIdentity = Quaternion{0, 0, 0, 1}

func (q Quaternion) Dot(o Quaternion) float32 {
	return q.X*o.X + q.Y*o.Y + q.Z*o.Z + q.W*o.W
}

// Normalize returns q scaled to unit length. The zero quaternion
// normalizes to identity rather than NaN.
func (q Quaternion) Normalize() Quaternion {
	mag := float32(math.Sqrt(float64(q.Dot(q))))
	if mag == 0 {
		return QuaternionIdentity
	}
	inv := 1 / mag
	return Quaternion{q.X * inv, q.Y * inv, q.Z * inv, q.W * inv}
}

// Neg returns the antipodal quaternion, which represents the same rotation.
func (q Quaternion) Neg() Quaternion {
	return Quaternion{-q.X, -q.Y, -q.Z, -q.W}
}

// AngleTo returns the absolute angular difference between two unit
// quaternions in radians, treating q and -q as the same rotation.
func (q Quaternion) AngleTo(o Quaternion) float32 {
	d := q.Dot(o)
	if d < 0 {
		d = -d
	}
	if d > 1 {
		d = 1
	}
	return float32(2 * math.Acos(float64(d)))
}

// Lerp blends toward o with hemisphere correction and renormalizes.
// Good enough for small per-frame steps; not a true slerp.
func (q Quaternion) Lerp(o Quaternion, t float32) Quaternion {
	if t <= 0 {
		return q
	}
	if t >= 1 {
		return o
	}
	if q.Dot(o) < 0 {
		o = o.Neg()
	}
	return Quaternion{
		q.X + (o.X-q.X)*t,
		q.Y + (o.Y-q.Y)*t,
		q.Z + (o.Z-q.Z)*t,
		q.W + (o.W-q.W)*t,
	}.Normalize()
}
