package replicate

import (
	"fmt"
	"time"

	"github.com/Lewxa2011/FireNet/internal/config"
	"github.com/Lewxa2011/FireNet/internal/rpc"
)

// MethodAnimTrigger is the one-shot trigger channel; triggers never batch
// with the periodic parameter sync because a dropped or merged trigger is a
// missed animation.
const MethodAnimTrigger = "__fn_anim_trigger"

// AnimatorSync replicates an animator's parameter map (bools, ints and
// floats) by diffing against the last acknowledged send on a fixed cadence.
type AnimatorSync struct {
	cfg      config.ReplicationConfig
	objectID string
	send     Sender

	lastSent map[string]any
	lastAt   time.Time
}

func NewAnimatorSync(cfg config.ReplicationConfig, objectID string, send Sender) *AnimatorSync {
	return &AnimatorSync{
		cfg:      cfg,
		objectID: objectID,
		send:     send,
		lastSent: make(map[string]any),
	}
}

// Update diffs the current parameter map and ships changed entries. Values
// must be bool, int or float64.
func (as *AnimatorSync) Update(now time.Time, params map[string]any) error {
	if now.Sub(as.lastAt) < as.cfg.AnimatorInterval {
		return nil
	}
	changed := make(map[string]any)
	for k, v := range params {
		if prev, ok := as.lastSent[k]; !ok || prev != v {
			changed[k] = v
		}
	}
	if len(changed) == 0 {
		return nil
	}

	wire := make([]any, 0, 1+2*len(changed))
	wire = append(wire, as.objectID)
	for k, v := range changed {
		wire = append(wire, k, v)
	}
	if err := as.send.Send(MethodAnimator, rpc.TargetOthers, wire...); err != nil {
		return err
	}
	for k, v := range changed {
		as.lastSent[k] = v
	}
	as.lastAt = now
	return nil
}

// Trigger fires a one-shot animation trigger immediately, bypassing the
// parameter cadence.
func (as *AnimatorSync) Trigger(name string) error {
	return as.send.Send(MethodAnimTrigger, rpc.TargetOthers, as.objectID, name)
}

// DecodeAnimator parses an animator parameter record into its object id and
// changed-parameter map.
func DecodeAnimator(params []any) (objectID string, changed map[string]any, err error) {
	if len(params) < 1 || (len(params)-1)%2 != 0 {
		return "", nil, fmt.Errorf("animator record: bad shape, %d params", len(params))
	}
	objectID, ok := params[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("animator record: bad object id %T", params[0])
	}
	changed = make(map[string]any, (len(params)-1)/2)
	for i := 1; i < len(params); i += 2 {
		name, ok := params[i].(string)
		if !ok {
			return "", nil, fmt.Errorf("animator record: bad name %T", params[i])
		}
		changed[name] = params[i+1]
	}
	return objectID, changed, nil
}
