package rpc

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Lewxa2011/FireNet/internal/nmath"
)

// Reserved method names carrying object lifecycle. Sent buffered so late
// joiners reconstruct world state from the backlog.
const (
	methodSpawn   = reservedPrefix + "spawn"
	methodDespawn = reservedPrefix + "despawn"
)

// SpawnInfo describes an object being instantiated, locally or from a remote
// spawn message.
type SpawnInfo struct {
	ObjectID string
	Prefab   string
	Position nmath.Vector3
	Rotation nmath.Quaternion
	Payload  string
	IsMine   bool
}

// SpawnFactory instantiates the local representation for a prefab.
type SpawnFactory func(info SpawnInfo) NetworkObject

// RegisterFactory binds a prefab identifier to its factory. Spawn messages
// for unregistered prefabs are dropped with a warning.
func (t *Transport) RegisterFactory(prefab string, f SpawnFactory) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.factories[prefab] = f
}

// Spawn instantiates a locally-owned object and announces it to the room.
func (t *Transport) Spawn(prefab string, pos nmath.Vector3, rot nmath.Quaternion, payload string) (NetworkObject, error) {
	t.mu.Lock()
	factory, ok := t.factories[prefab]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("spawn: unknown prefab %q", prefab)
	}

	info := SpawnInfo{
		ObjectID: uuid.NewString(),
		Prefab:   prefab,
		Position: pos,
		Rotation: rot,
		Payload:  payload,
		IsMine:   true,
	}
	obj := factory(info)
	if obj == nil {
		return nil, fmt.Errorf("spawn: factory for %q returned nil", prefab)
	}
	t.registry.Register(obj, true)

	if err := t.Send(methodSpawn, TargetOthersBuffered,
		prefab, info.ObjectID, pos, rot, payload); err != nil {
		t.registry.Deregister(info.ObjectID)
		return nil, err
	}
	return obj, nil
}

// Despawn removes a local object and announces the removal.
func (t *Transport) Despawn(objectID string) error {
	t.registry.Deregister(objectID)
	return t.Send(methodDespawn, TargetOthersBuffered, objectID)
}

func (t *Transport) handleSpawn(msg *Message) {
	if len(msg.Params) < 5 {
		t.deps.Log.Warn("spawn message skipped, short params", zap.Int("len", len(msg.Params)))
		return
	}
	prefab, ok1 := msg.Params[0].(string)
	objectID, ok2 := msg.Params[1].(string)
	pos, ok3 := msg.Params[2].(nmath.Vector3)
	rot, ok4 := msg.Params[3].(nmath.Quaternion)
	payload, ok5 := msg.Params[4].(string)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		t.deps.Log.Warn("spawn message skipped, bad params", zap.String("key", msg.Key))
		return
	}
	if existing, _ := t.registry.Get(objectID); existing != nil {
		// Buffered replay can re-deliver a spawn we already applied.
		return
	}

	t.mu.Lock()
	factory, ok := t.factories[prefab]
	t.mu.Unlock()
	if !ok {
		t.deps.Log.Warn("spawn message skipped, unknown prefab", zap.String("prefab", prefab))
		return
	}

	obj := factory(SpawnInfo{
		ObjectID: objectID,
		Prefab:   prefab,
		Position: pos,
		Rotation: rot,
		Payload:  payload,
		IsMine:   false,
	})
	if obj == nil {
		return
	}
	t.registry.Register(obj, false)
	t.deps.Log.Debug("remote object spawned",
		zap.String("prefab", prefab), zap.String("id", objectID))
}

func (t *Transport) handleDespawn(msg *Message) {
	if len(msg.Params) < 1 {
		return
	}
	objectID, ok := msg.Params[0].(string)
	if !ok {
		return
	}
	t.registry.Deregister(objectID)
	t.deps.Log.Debug("remote object despawned", zap.String("id", objectID))
}
