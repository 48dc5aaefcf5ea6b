// Package replicate streams object state (transform, rigidbody, animator)
// over the rpc transport: threshold-gated adaptive sending on the owning
// side, prediction and smoothing on the observing side, with 16-bit
// quantization keeping the records small.
package replicate

import (
	"math"

	"github.com/Lewxa2011/FireNet/internal/nmath"
)

// quantRange for quaternion components; smallest-three guarantees the three
// kept components fit in [-1/sqrt2, 1/sqrt2].
const quatComponentRange = 0.7071068

// Quantize maps v in [-rng, rng] to a 16-bit integer. Out-of-range values
// clamp.
func Quantize(v, rng float64) int {
	if rng <= 0 {
		return 0
	}
	n := (v + rng) / (2 * rng)
	if n < 0 {
		n = 0
	} else if n > 1 {
		n = 1
	}
	return int(math.Round(n * 65535))
}

// Dequantize is the inverse of Quantize.
func Dequantize(q int, rng float64) float64 {
	if q < 0 {
		q = 0
	} else if q > 65535 {
		q = 65535
	}
	return (float64(q)/65535)*2*rng - rng
}

// QuantizeVec packs a vector into three 16-bit values.
func QuantizeVec(v nmath.Vector3, rng float64) (int, int, int) {
	return Quantize(float64(v.X), rng), Quantize(float64(v.Y), rng), Quantize(float64(v.Z), rng)
}

// DequantizeVec unpacks QuantizeVec output.
func DequantizeVec(x, y, z int, rng float64) nmath.Vector3 {
	return nmath.Vector3{
		X: float32(Dequantize(x, rng)),
		Y: float32(Dequantize(y, rng)),
		Z: float32(Dequantize(z, rng)),
	}
}

// PackQuaternion encodes a unit quaternion as the index of its largest
// component plus the other three quantized to 16 bits. The largest component
// is forced positive first, so its sign never needs to travel.
func PackQuaternion(q nmath.Quaternion) (idx, a, b, c int) {
	comps := [4]float64{float64(q.X), float64(q.Y), float64(q.Z), float64(q.W)}
	idx = 0
	largest := math.Abs(comps[0])
	for i := 1; i < 4; i++ {
		if abs := math.Abs(comps[i]); abs > largest {
			largest = abs
			idx = i
		}
	}
	if comps[idx] < 0 {
		for i := range comps {
			comps[i] = -comps[i]
		}
	}
	packed := make([]int, 0, 3)
	for i := 0; i < 4; i++ {
		if i == idx {
			continue
		}
		packed = append(packed, Quantize(comps[i], quatComponentRange))
	}
	return idx, packed[0], packed[1], packed[2]
}

// UnpackQuaternion reverses PackQuaternion, reconstructing the dropped
// component from the unit-norm constraint.
func UnpackQuaternion(idx, a, b, c int) nmath.Quaternion {
	vals := [3]float64{
		Dequantize(a, quatComponentRange),
		Dequantize(b, quatComponentRange),
		Dequantize(c, quatComponentRange),
	}
	var comps [4]float64
	sum := 0.0
	vi := 0
	for i := 0; i < 4; i++ {
		if i == idx {
			continue
		}
		comps[i] = vals[vi]
		sum += vals[vi] * vals[vi]
		vi++
	}
	rest := 1 - sum
	if rest < 0 {
		rest = 0
	}
	comps[idx] = math.Sqrt(rest)
	return nmath.Quaternion{
		X: float32(comps[0]),
		Y: float32(comps[1]),
		Z: float32(comps[2]),
		W: float32(comps[3]),
	}.Normalize()
}

// Field bits for delta-encoded transform records.
const (
	FieldPosition = 1 << iota
	FieldRotation
	FieldVelocity
	FieldScale
)

// FieldAll covers every transform field.
const FieldAll = FieldPosition | FieldRotation | FieldVelocity | FieldScale
