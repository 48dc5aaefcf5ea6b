package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store backend. One MemoryStore is shared by
// any number of MemoryClient handles; each handle carries its own
// on-disconnect registrations, so multiple simulated peers can share a
// single store the way real clients share a database.
type MemoryStore struct {
	mu     sync.Mutex
	root   map[string]any
	lastTS int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{root: make(map[string]any)}
}

// Client opens a handle with its own disconnect-trigger set.
func (m *MemoryStore) Client() *MemoryClient {
	return &MemoryClient{store: m}
}

// nextTS returns a strictly monotonic microsecond timestamp. Callers hold mu.
func (m *MemoryStore) nextTS() int64 {
	ts := time.Now().UnixMicro()
	if ts <= m.lastTS {
		ts = m.lastTS + 1
	}
	m.lastTS = ts
	return ts
}

func (m *MemoryStore) set(path string, value any) {
	parts := splitPath(path)
	if len(parts) == 0 {
		if mv, ok := value.(map[string]any); ok {
			m.root = deepCopy(mv).(map[string]any)
		}
		return
	}
	node := m.root
	for _, p := range parts[:len(parts)-1] {
		child, ok := node[p].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[p] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = deepCopy(value)
}

func (m *MemoryStore) remove(path string) {
	parts := splitPath(path)
	if len(parts) == 0 {
		m.root = make(map[string]any)
		return
	}
	node := m.root
	for _, p := range parts[:len(parts)-1] {
		child, ok := node[p].(map[string]any)
		if !ok {
			return
		}
		node = child
	}
	delete(node, parts[len(parts)-1])
}

func (m *MemoryStore) get(path string) any {
	var node any = m.root
	for _, p := range splitPath(path) {
		mv, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = mv[p]
	}
	return deepCopy(node)
}

func (m *MemoryStore) applyPatch(patch map[string]any) {
	for path, value := range patch {
		if value == nil {
			m.remove(path)
		} else {
			m.set(path, value)
		}
	}
}

// MemoryClient is one client's handle on a shared MemoryStore.
type MemoryClient struct {
	store *MemoryStore

	mu     sync.Mutex
	onDisc []DisconnectOp
	closed bool
}

var _ Store = (*MemoryClient)(nil)

func (c *MemoryClient) Set(_ context.Context, path string, value any) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.set(path, value)
	return nil
}

func (c *MemoryClient) Update(_ context.Context, patch map[string]any) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.applyPatch(patch)
	return nil
}

func (c *MemoryClient) Remove(_ context.Context, path string) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.remove(path)
	return nil
}

func (c *MemoryClient) Get(_ context.Context, path string) (any, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	return c.store.get(path), nil
}

func (c *MemoryClient) Push(_ context.Context, path string, value any) (string, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	key := FormatPushKey(c.store.nextTS())
	c.store.set(path+"/"+key, value)
	return key, nil
}

func (c *MemoryClient) Query(_ context.Context, path string, q Query) ([]Entry, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	node, ok := c.store.get(path).(map[string]any)
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(node))
	for k := range node {
		if q.StartAfter != "" && k <= q.StartAfter {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if q.Limit > 0 && len(keys) > q.Limit {
		keys = keys[:q.Limit]
	}
	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, Entry{Key: k, Value: node[k]})
	}
	return entries, nil
}

func (c *MemoryClient) OnDisconnect(_ context.Context, op DisconnectOp) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisc = append(c.onDisc, op)
	return nil
}

func (c *MemoryClient) ClearOnDisconnect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisc = nil
	return nil
}

// Close fires any still-registered disconnect ops, mirroring a real store
// dropping the connection. Graceful shutdown clears them first.
func (c *MemoryClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ops := c.onDisc
	c.onDisc = nil
	c.mu.Unlock()

	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	for _, op := range ops {
		applyDisconnectOp(c.store, op)
	}
	return nil
}

func applyDisconnectOp(s *MemoryStore, op DisconnectOp) {
	switch op.Kind {
	case DisconnectSet:
		s.set(op.Path, op.Value)
	case DisconnectRemove:
		s.remove(op.Path)
	case DisconnectUpdate:
		s.applyPatch(op.Patch)
	}
}

func deepCopy(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, cv := range tv {
			out[k] = deepCopy(cv)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, cv := range tv {
			out[i] = deepCopy(cv)
		}
		return out
	default:
		return v
	}
}
