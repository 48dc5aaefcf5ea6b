package nmath

import "math"

// Vector2 is a 2D float vector. Value type; all operations return copies.
type Vector2 struct {
	X, Y float32
}

// Vector3 is a 3D float vector. Value type; all operations return copies.
type Vector3 struct {
	X, Y, Z float32
}

func (v Vector3) Add(o Vector3) Vector3 {
	return Vector3{v.X + o.X, v.Y + o.Y, v.Z + o.Z}
}

func (v Vector3) Sub(o Vector3) Vector3 {
	return Vector3{v.X - o.X, v.Y - o.Y, v.Z - o.Z}
}

func (v Vector3) Scale(s float32) Vector3 {
	return Vector3{v.X * s, v.Y * s, v.Z * s}
}

func (v Vector3) Dot(o Vector3) float32 {
	return v.X*o.X + v.Y*o.Y + v.Z*o.Z
}

func (v Vector3) Length() float32 {
	return float32(math.Sqrt(float64(v.Dot(v))))
}

// Distance returns the Euclidean distance between v and o.
func (v Vector3) Distance(o Vector3) float32 {
	return v.Sub(o).Length()
}

// Lerp interpolates linearly from v toward o. t is clamped to [0, 1].
func (v Vector3) Lerp(o Vector3, t float32) Vector3 {
	if t <= 0 {
		return v
	}
	if t >= 1 {
		return o
	}
	return Vector3{
		v.X + (o.X-v.X)*t,
		v.Y + (o.Y-v.Y)*t,
		v.Z + (o.Z-v.Z)*t,
	}
}
