// Package store defines the realtime key-value store the session layer
// synchronizes through, plus two implementations: an in-process MemoryStore
// and a websocket Client for the stored gateway.
//
// Paths are slash-separated ("rooms/R/players/u1"). Values are JSON-shaped:
// map[string]any, []any, string, float64, bool or nil.
package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Entry is one child returned by Query, ordered by key.
type Entry struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Query selects children of a path ordered by key ascending.
type Query struct {
	StartAfter string `json:"startAfter,omitempty"` // exclusive lower bound on key
	Limit      int    `json:"limit,omitempty"`      // 0 = unlimited
}

// DisconnectOp is a mutation the store applies server-side when the client's
// connection drops, independent of any graceful shutdown code running.
type DisconnectOp struct {
	Kind  string         `json:"kind"` // "set", "remove" or "update"
	Path  string         `json:"path,omitempty"`
	Value any            `json:"value,omitempty"`
	Patch map[string]any `json:"patch,omitempty"`
}

const (
	DisconnectSet    = "set"
	DisconnectRemove = "remove"
	DisconnectUpdate = "update"
)

// Store is the remote synchronization medium. All methods are safe for
// concurrent use. A missing path reads as nil, not an error.
type Store interface {
	Set(ctx context.Context, path string, value any) error
	// Update applies a multi-path patch atomically. Keys are absolute paths;
	// a nil value deletes that path.
	Update(ctx context.Context, patch map[string]any) error
	Remove(ctx context.Context, path string) error
	Get(ctx context.Context, path string) (any, error)
	// Push appends value under path with a server-assigned key that encodes a
	// strictly monotonic timestamp. Keys sort in push order.
	Push(ctx context.Context, path string, value any) (string, error)
	Query(ctx context.Context, path string, q Query) ([]Entry, error)
	// OnDisconnect registers op to fire when this client's connection drops.
	OnDisconnect(ctx context.Context, op DisconnectOp) error
	// ClearOnDisconnect cancels every registered disconnect op.
	ClearOnDisconnect(ctx context.Context) error
	Close() error
}

// pushKeyWidth keeps push keys lexicographically ordered as zero-padded
// decimal microsecond timestamps.
const pushKeyWidth = 20

// FormatPushKey renders a timestamp as a sortable push key.
func FormatPushKey(ts int64) string {
	return fmt.Sprintf("%0*d", pushKeyWidth, ts)
}

// ParsePushKey recovers the timestamp encoded in a push key.
func ParsePushKey(key string) (int64, error) {
	ts, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("push key %q: %w", key, err)
	}
	return ts, nil
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
