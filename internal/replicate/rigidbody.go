package replicate

import (
	"fmt"
	"time"

	"github.com/Lewxa2011/FireNet/internal/config"
	"github.com/Lewxa2011/FireNet/internal/nmath"
	"github.com/Lewxa2011/FireNet/internal/rpc"
)

// RigidbodyState carries the physics-only channel, replicated at its own
// cadence separate from the transform.
type RigidbodyState struct {
	Velocity        nmath.Vector3
	AngularVelocity nmath.Vector3
	IsKinematic     bool
}

// RigidbodySync ships rigidbody state on a fixed interval, skipping sends
// while nothing moved. A kinematic flip always sends immediately.
type RigidbodySync struct {
	cfg      config.ReplicationConfig
	objectID string
	send     Sender

	lastSent RigidbodyState
	lastAt   time.Time
	started  bool
}

func NewRigidbodySync(cfg config.ReplicationConfig, objectID string, send Sender) *RigidbodySync {
	return &RigidbodySync{cfg: cfg, objectID: objectID, send: send}
}

func (rs *RigidbodySync) Update(now time.Time, cur RigidbodyState) error {
	kinematicFlip := rs.started && cur.IsKinematic != rs.lastSent.IsKinematic
	if !kinematicFlip {
		if rs.started && now.Sub(rs.lastAt) < rs.cfg.RigidbodyInterval {
			return nil
		}
		moved := float64(cur.Velocity.Sub(rs.lastSent.Velocity).Length()) > rs.cfg.VelocityThreshold ||
			float64(cur.AngularVelocity.Sub(rs.lastSent.AngularVelocity).Length()) > rs.cfg.VelocityThreshold
		if rs.started && !moved {
			return nil
		}
	}

	params := EncodeRigidbody(rs.objectID, cur, rs.cfg.QuantizeRange)
	if err := rs.send.Send(MethodRigidbody, rpc.TargetOthers, params...); err != nil {
		return err
	}
	rs.lastSent = cur
	rs.lastAt = now
	rs.started = true
	return nil
}

func EncodeRigidbody(objectID string, st RigidbodyState, rng float64) []any {
	vx, vy, vz := QuantizeVec(st.Velocity, rng)
	ax, ay, az := QuantizeVec(st.AngularVelocity, rng)
	return []any{objectID, vx, vy, vz, ax, ay, az, st.IsKinematic}
}

func DecodeRigidbody(params []any, rng float64) (objectID string, st RigidbodyState, err error) {
	if len(params) < 8 {
		return "", st, fmt.Errorf("rigidbody record too short: %d params", len(params))
	}
	objectID, ok := params[0].(string)
	if !ok {
		return "", st, fmt.Errorf("rigidbody record: bad object id %T", params[0])
	}
	comps := make([]int, 6)
	for i := 0; i < 6; i++ {
		v, ok := asInt(params[1+i])
		if !ok {
			return "", st, fmt.Errorf("rigidbody record: bad component %T", params[1+i])
		}
		comps[i] = v
	}
	kinematic, ok := params[7].(bool)
	if !ok {
		return "", st, fmt.Errorf("rigidbody record: bad kinematic flag %T", params[7])
	}
	st.Velocity = DequantizeVec(comps[0], comps[1], comps[2], rng)
	st.AngularVelocity = DequantizeVec(comps[3], comps[4], comps[5], rng)
	st.IsKinematic = kinematic
	return objectID, st, nil
}
