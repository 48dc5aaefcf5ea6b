// Package rpc carries named method calls between room members through the
// room's message log in the store. Delivery is at-least-once and ordered by
// the store's push timestamps; arrival is quantized by the poll interval.
package rpc

import (
	"fmt"

	"github.com/Lewxa2011/FireNet/internal/codec"
	"github.com/Lewxa2011/FireNet/internal/store"
)

// Target selects the receivers of a message.
type Target int

const (
	// TargetAll delivers to every room member including the sender.
	TargetAll Target = iota
	// TargetOthers delivers to every member except the sender.
	TargetOthers
	// TargetAllBuffered is TargetAll retained for late joiners.
	TargetAllBuffered
	// TargetOthersBuffered is TargetOthers retained for late joiners.
	TargetOthersBuffered
	// TargetHost delivers only to the current master client, resolved at
	// send time.
	TargetHost
)

func (t Target) String() string {
	switch t {
	case TargetAll:
		return "All"
	case TargetOthers:
		return "Others"
	case TargetAllBuffered:
		return "AllBuffered"
	case TargetOthersBuffered:
		return "OthersBuffered"
	case TargetHost:
		return "Host"
	}
	return fmt.Sprintf("Target(%d)", int(t))
}

// Buffered reports whether messages with this target survive cleanup until
// room teardown.
func (t Target) Buffered() bool {
	return t == TargetAllBuffered || t == TargetOthersBuffered
}

// IncludesSelf reports whether the sender also dispatches the message
// locally.
func (t Target) IncludesSelf() bool {
	return t == TargetAll || t == TargetAllBuffered
}

// Message is one decoded RPC log entry.
type Message struct {
	Key       string // store push key, doubles as the pagination cursor
	Method    string
	SenderID  string
	TargetID  string // non-empty restricts delivery to one player
	Params    []any
	Timestamp int64 // microseconds, store-assigned
	Target    Target
	Buffered  bool
}

func messageRecord(m *Message) (map[string]any, error) {
	params, err := codec.Encode(m.Params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", m.Method, err)
	}
	rec := map[string]any{
		"method":   m.Method,
		"senderId": m.SenderID,
		"params":   params,
		"target":   int(m.Target),
		"buffered": m.Buffered,
	}
	if m.TargetID != "" {
		rec["targetId"] = m.TargetID
	}
	return rec, nil
}

func decodeMessage(key string, v any) (*Message, error) {
	rec, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("message %s: not a record", key)
	}
	method, ok := rec["method"].(string)
	if !ok || method == "" {
		return nil, fmt.Errorf("message %s: missing method", key)
	}
	sender, ok := rec["senderId"].(string)
	if !ok || sender == "" {
		return nil, fmt.Errorf("message %s: missing senderId", key)
	}
	ts, err := store.ParsePushKey(key)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", key, err)
	}

	m := &Message{
		Key:       key,
		Method:    method,
		SenderID:  sender,
		Timestamp: ts,
	}
	m.TargetID, _ = rec["targetId"].(string)
	m.Buffered, _ = rec["buffered"].(bool)
	if n, ok := asInt(rec["target"]); ok {
		m.Target = Target(n)
	}
	if raw, ok := rec["params"].(string); ok && raw != "" {
		params, err := codec.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", key, err)
		}
		m.Params = params
	}
	return m, nil
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
