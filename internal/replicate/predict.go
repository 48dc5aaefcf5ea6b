package replicate

import (
	"time"

	"github.com/Lewxa2011/FireNet/internal/config"
	"github.com/Lewxa2011/FireNet/internal/nmath"
)

// RemoteTransform is the observing side: it holds the last authoritative
// snapshot, extrapolates it between updates and eases the rendered state
// toward the prediction. Not safe for concurrent use; drive it from the
// frame loop that also dispatches RPCs.
type RemoteTransform struct {
	cfg config.ReplicationConfig

	target   TransformState // latest authoritative state, extrapolated
	rendered TransformState // what the frame loop should display
	gravity  bool
	primed   bool
}

func NewRemoteTransform(cfg config.ReplicationConfig) *RemoteTransform {
	return &RemoteTransform{cfg: cfg}
}

// UseGravity enables the gravity term during extrapolation, for objects
// simulated as falling bodies.
func (rt *RemoteTransform) UseGravity(on bool) { rt.gravity = on }

// Apply merges one decoded snapshot. Unmasked fields keep the previous
// authoritative value. The first snapshot primes the rendered state directly.
func (rt *RemoteTransform) Apply(mask int, st TransformState) {
	if mask&FieldPosition != 0 {
		rt.target.Position = st.Position
	}
	if mask&FieldRotation != 0 {
		rt.target.Rotation = st.Rotation
	}
	if mask&FieldVelocity != 0 {
		rt.target.Velocity = st.Velocity
	}
	if mask&FieldScale != 0 {
		rt.target.Scale = st.Scale
	}
	if !rt.primed {
		rt.rendered = rt.target
		rt.primed = true
	}
}

// Step advances prediction and smoothing by one frame and returns the state
// to display. Beyond SnapDistance the rendered position teleports instead of
// chasing.
func (rt *RemoteTransform) Step(dt time.Duration) TransformState {
	if !rt.primed {
		return rt.rendered
	}
	sec := float32(dt.Seconds())

	// Dead reckoning on the authoritative copy.
	rt.target.Position = rt.target.Position.Add(rt.target.Velocity.Scale(sec))
	if rt.gravity {
		rt.target.Velocity.Y += float32(rt.cfg.Gravity) * sec
	}

	if float64(rt.rendered.Position.Distance(rt.target.Position)) > rt.cfg.SnapDistance {
		rt.rendered = rt.target
		return rt.rendered
	}

	t := float32(rt.cfg.LerpRate) * sec
	if t > 1 {
		t = 1
	}
	rt.rendered.Position = rt.rendered.Position.Lerp(rt.target.Position, t)
	rt.rendered.Rotation = rt.rendered.Rotation.Lerp(rt.target.Rotation, t)
	rt.rendered.Scale = rt.rendered.Scale.Lerp(rt.target.Scale, t)
	rt.rendered.Velocity = rt.target.Velocity
	return rt.rendered
}

// Rendered returns the current displayed state without advancing it.
func (rt *RemoteTransform) Rendered() TransformState { return rt.rendered }

// PredictPosition is the pure dead-reckoning step shared by both sides.
func PredictPosition(pos, vel nmath.Vector3, dt time.Duration) nmath.Vector3 {
	return pos.Add(vel.Scale(float32(dt.Seconds())))
}
