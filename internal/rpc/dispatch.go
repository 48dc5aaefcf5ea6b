package rpc

import (
	"time"

	"go.uber.org/zap"
)

// Tick drains the inbound queue under the per-tick item and time budget and
// dispatches to registered objects. Call once per simulation tick from the
// main loop; handlers run on the caller's goroutine.
func (t *Transport) Tick() int {
	deadline := time.Now().Add(t.deps.Cfg.DispatchBudget)
	dispatched := 0
	for dispatched < t.deps.Cfg.DispatchItems {
		remaining := t.deps.Cfg.DispatchItems - dispatched
		if remaining > 8 {
			remaining = 8
		}
		batch := t.inbox.popBatch(remaining)
		if len(batch) == 0 {
			break
		}
		for _, msg := range batch {
			t.dispatchOne(msg)
			dispatched++
		}
		if time.Now().After(deadline) {
			break
		}
	}
	return dispatched
}

func (t *Transport) dispatchOne(msg *Message) {
	// Directed messages for somebody else are dropped here rather than in
	// the poll loop so the cursor logic stays delivery-agnostic.
	if msg.TargetID != "" && msg.TargetID != t.deps.LocalID {
		return
	}

	switch msg.Method {
	case methodSpawn:
		t.handleSpawn(msg)
		return
	case methodDespawn:
		t.handleDespawn(msg)
		return
	}

	for _, obj := range t.registry.Snapshot() {
		t.invoke(obj, msg)
	}
}

// invoke shields the loop from a misbehaving handler.
func (t *Transport) invoke(obj NetworkObject, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			t.deps.Log.Error("rpc handler panic",
				zap.String("object", obj.NetworkID()),
				zap.String("method", msg.Method),
				zap.Any("panic", r))
		}
	}()
	obj.OnRemoteCall(msg.Method, msg.Params)
}
