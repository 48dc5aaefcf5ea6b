package replicate

import (
	"fmt"
	"math"
	"time"

	"github.com/Lewxa2011/FireNet/internal/config"
	"github.com/Lewxa2011/FireNet/internal/nmath"
	"github.com/Lewxa2011/FireNet/internal/rpc"
)

// Reserved replication methods. Non-buffered; stale samples are worthless.
const (
	MethodTransform = "__fn_transform"
	MethodRigidbody = "__fn_rigidbody"
	MethodAnimator  = "__fn_animator"
)

// Sender is the outbound half of the rpc transport.
type Sender interface {
	Send(method string, target rpc.Target, params ...any) error
}

// TransformState is one sampled snapshot of an object's motion.
type TransformState struct {
	Position nmath.Vector3
	Rotation nmath.Quaternion
	Velocity nmath.Vector3
	Scale    nmath.Vector3
}

// TransformSync is the owning side of transform replication: it samples the
// object every frame and ships a delta-encoded record when thresholds say
// the remote picture has drifted, at a rate that adapts to how fast the
// object is actually moving.
type TransformSync struct {
	cfg      config.ReplicationConfig
	objectID string
	send     Sender

	lastSent   TransformState
	lastAt     time.Time
	lastSample time.Time
	lastSpeed  float64
	speed      float64 // smoothed, drives the adaptive interval
	accel      float64 // smoothed |d speed / dt|, tightens the interval on bursts
	started    bool
}

// accelGain converts the smoothed acceleration (units/s²) into the same
// scale as speed for the activity estimate.
const accelGain = 0.1

func NewTransformSync(cfg config.ReplicationConfig, objectID string, send Sender) *TransformSync {
	return &TransformSync{cfg: cfg, objectID: objectID, send: send}
}

// Update samples the current state and sends when warranted. Call once per
// frame from the owning loop.
func (ts *TransformSync) Update(now time.Time, cur TransformState) error {
	raw := float64(cur.Velocity.Length())
	if !ts.lastSample.IsZero() {
		if dt := now.Sub(ts.lastSample).Seconds(); dt > 0 {
			ts.accel = ts.accel*0.9 + math.Abs(raw-ts.lastSpeed)/dt*0.1
		}
	}
	ts.lastSample = now
	ts.lastSpeed = raw
	ts.speed = ts.speed*0.9 + raw*0.1

	if !ts.started {
		ts.started = true
		return ts.ship(now, cur, FieldAll)
	}

	mask := ts.dirtyMask(cur)
	heartbeat := now.Sub(ts.lastAt) >= ts.cfg.Heartbeat

	// Shadow prediction: when observers extrapolating the last record would
	// be off by more than the cap, send now regardless of the interval.
	predicted := PredictPosition(ts.lastSent.Position, ts.lastSent.Velocity, now.Sub(ts.lastAt))
	forced := ts.cfg.PredictionErrCap > 0 &&
		float64(cur.Position.Distance(predicted)) > ts.cfg.PredictionErrCap

	if mask == 0 && !heartbeat && !forced {
		return nil
	}
	if !heartbeat && !forced && now.Sub(ts.lastAt) < ts.interval() {
		return nil
	}
	if mask == 0 {
		mask = FieldAll
	}
	if forced {
		mask |= FieldPosition | FieldVelocity
	}
	return ts.ship(now, cur, mask)
}

// interval slides between the configured bounds: fast or accelerating movers
// send near the floor, idle objects back off to the ceiling.
func (ts *TransformSync) interval() time.Duration {
	lo, hi := ts.cfg.MinSendInterval, ts.cfg.MaxSendInterval
	if hi <= lo {
		return lo
	}
	ref := ts.cfg.VelocityThreshold * 10
	if ref <= 0 {
		ref = 1
	}
	f := (ts.speed + ts.accel*accelGain) / ref
	if f > 1 {
		f = 1
	}
	return hi - time.Duration(float64(hi-lo)*f)
}

func (ts *TransformSync) dirtyMask(cur TransformState) int {
	mask := 0
	if float64(cur.Position.Distance(ts.lastSent.Position)) > ts.cfg.PositionThreshold {
		mask |= FieldPosition
	}
	deg := float64(cur.Rotation.AngleTo(ts.lastSent.Rotation)) * 180 / math.Pi
	if deg > ts.cfg.RotationThreshold {
		mask |= FieldRotation
	}
	if float64(cur.Velocity.Sub(ts.lastSent.Velocity).Length()) > ts.cfg.VelocityThreshold {
		mask |= FieldVelocity
	}
	if float64(cur.Scale.Sub(ts.lastSent.Scale).Length()) > ts.cfg.ScaleThreshold {
		mask |= FieldScale
	}
	return mask
}

func (ts *TransformSync) ship(now time.Time, cur TransformState, mask int) error {
	params := EncodeTransform(ts.objectID, mask, cur, ts.cfg.QuantizeRange)
	if err := ts.send.Send(MethodTransform, rpc.TargetOthers, params...); err != nil {
		return err
	}
	ts.lastSent = cur
	ts.lastAt = now
	return nil
}

// EncodeTransform flattens the masked fields into codec-friendly params:
// object id, field mask, then quantized 16-bit components per present field.
// A non-positive quantize range selects the raw encoding, shipping native
// vector and quaternion values instead.
func EncodeTransform(objectID string, mask int, st TransformState, rng float64) []any {
	params := []any{objectID, mask}
	if rng <= 0 {
		if mask&FieldPosition != 0 {
			params = append(params, st.Position)
		}
		if mask&FieldRotation != 0 {
			params = append(params, st.Rotation)
		}
		if mask&FieldVelocity != 0 {
			params = append(params, st.Velocity)
		}
		if mask&FieldScale != 0 {
			params = append(params, st.Scale)
		}
		return params
	}
	if mask&FieldPosition != 0 {
		x, y, z := QuantizeVec(st.Position, rng)
		params = append(params, x, y, z)
	}
	if mask&FieldRotation != 0 {
		idx, a, b, c := PackQuaternion(st.Rotation)
		params = append(params, idx, a, b, c)
	}
	if mask&FieldVelocity != 0 {
		x, y, z := QuantizeVec(st.Velocity, rng)
		params = append(params, x, y, z)
	}
	if mask&FieldScale != 0 {
		x, y, z := QuantizeVec(st.Scale, rng)
		params = append(params, x, y, z)
	}
	return params
}

// DecodeTransform parses EncodeTransform output, raw or quantized. Fields
// absent from the mask keep their zero value; the caller merges onto its
// previous state.
func DecodeTransform(params []any, rng float64) (objectID string, mask int, st TransformState, err error) {
	if len(params) < 2 {
		return "", 0, st, fmt.Errorf("transform record too short: %d params", len(params))
	}
	objectID, ok := params[0].(string)
	if !ok {
		return "", 0, st, fmt.Errorf("transform record: bad object id %T", params[0])
	}
	mask, ok = asInt(params[1])
	if !ok {
		return "", 0, st, fmt.Errorf("transform record: bad mask %T", params[1])
	}
	rest := params[2:]

	// Raw records carry native values; the payload type disambiguates.
	if len(rest) > 0 {
		switch rest[0].(type) {
		case nmath.Vector3, nmath.Quaternion:
			st, err = decodeRawFields(mask, rest)
			return objectID, mask, st, err
		}
	}
	take := func(n int) ([]int, error) {
		if len(rest) < n {
			return nil, fmt.Errorf("transform record truncated")
		}
		out := make([]int, n)
		for i := 0; i < n; i++ {
			v, ok := asInt(rest[i])
			if !ok {
				return nil, fmt.Errorf("transform record: bad component %T", rest[i])
			}
			out[i] = v
		}
		rest = rest[n:]
		return out, nil
	}
	if mask&FieldPosition != 0 {
		v, err := take(3)
		if err != nil {
			return "", 0, st, err
		}
		st.Position = DequantizeVec(v[0], v[1], v[2], rng)
	}
	if mask&FieldRotation != 0 {
		v, err := take(4)
		if err != nil {
			return "", 0, st, err
		}
		st.Rotation = UnpackQuaternion(v[0], v[1], v[2], v[3])
	}
	if mask&FieldVelocity != 0 {
		v, err := take(3)
		if err != nil {
			return "", 0, st, err
		}
		st.Velocity = DequantizeVec(v[0], v[1], v[2], rng)
	}
	if mask&FieldScale != 0 {
		v, err := take(3)
		if err != nil {
			return "", 0, st, err
		}
		st.Scale = DequantizeVec(v[0], v[1], v[2], rng)
	}
	return objectID, mask, st, nil
}

func decodeRawFields(mask int, rest []any) (st TransformState, err error) {
	next := func() (any, error) {
		if len(rest) == 0 {
			return nil, fmt.Errorf("transform record truncated")
		}
		v := rest[0]
		rest = rest[1:]
		return v, nil
	}
	if mask&FieldPosition != 0 {
		v, err := next()
		if err != nil {
			return st, err
		}
		pos, ok := v.(nmath.Vector3)
		if !ok {
			return st, fmt.Errorf("transform record: bad position %T", v)
		}
		st.Position = pos
	}
	if mask&FieldRotation != 0 {
		v, err := next()
		if err != nil {
			return st, err
		}
		rot, ok := v.(nmath.Quaternion)
		if !ok {
			return st, fmt.Errorf("transform record: bad rotation %T", v)
		}
		st.Rotation = rot
	}
	if mask&FieldVelocity != 0 {
		v, err := next()
		if err != nil {
			return st, err
		}
		vel, ok := v.(nmath.Vector3)
		if !ok {
			return st, fmt.Errorf("transform record: bad velocity %T", v)
		}
		st.Velocity = vel
	}
	if mask&FieldScale != 0 {
		v, err := next()
		if err != nil {
			return st, err
		}
		sc, ok := v.(nmath.Vector3)
		if !ok {
			return st, fmt.Errorf("transform record: bad scale %T", v)
		}
		st.Scale = sc
	}
	return st, nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
