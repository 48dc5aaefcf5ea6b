package rpc

import "sync"

// NetworkObject is the capability interface a replicated behavior implements
// to receive remote calls.
type NetworkObject interface {
	NetworkID() string
	OnRemoteCall(method string, params []any)
}

type registered struct {
	obj    NetworkObject
	isMine bool
}

// Registry maps object ids to live in-process objects. It is cleared
// entirely on room exit.
type Registry struct {
	mu      sync.Mutex
	objects map[string]registered
}

func NewRegistry() *Registry {
	return &Registry{objects: make(map[string]registered)}
}

// Register binds obj under its network id. isMine marks local ownership.
func (r *Registry) Register(obj NetworkObject, isMine bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects[obj.NetworkID()] = registered{obj: obj, isMine: isMine}
}

func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.objects, id)
}

// Get returns the object and its ownership flag, or nil if unknown.
func (r *Registry) Get(id string) (NetworkObject, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.objects[id]
	if !ok {
		return nil, false
	}
	return reg.obj, reg.isMine
}

// IsMine reports local ownership of id; false for unknown objects.
func (r *Registry) IsMine(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.objects[id].isMine
}

// Snapshot returns the current objects. Used by dispatch so handler calls
// run outside the lock.
func (r *Registry) Snapshot() []NetworkObject {
	r.mu.Lock()
	defer r.mu.Unlock()
	objs := make([]NetworkObject, 0, len(r.objects))
	for _, reg := range r.objects {
		objs = append(objs, reg.obj)
	}
	return objs
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects)
}

// Clear empties the registry. Called on room exit.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects = make(map[string]registered)
}
