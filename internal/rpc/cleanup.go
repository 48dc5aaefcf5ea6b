package rpc

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Lewxa2011/FireNet/internal/store"
)

// Cleanup deletes this sender's non-buffered messages. Called synchronously
// on the departure path; buffered messages stay for late joiners until room
// teardown.
func (t *Transport) Cleanup(ctx context.Context) error {
	entries, err := t.deps.Store.Query(ctx, t.deps.Path, store.Query{})
	if err != nil {
		return err
	}
	patch := make(map[string]any)
	for _, entry := range entries {
		msg, err := decodeMessage(entry.Key, entry.Value)
		if err != nil {
			continue
		}
		if msg.SenderID == t.deps.LocalID && !msg.Buffered {
			patch[t.deps.Path+"/"+entry.Key] = nil
		}
	}
	if len(patch) == 0 {
		return nil
	}
	return t.deps.Store.Update(ctx, patch)
}

// sweepLoop is the master client's housekeeping: non-buffered messages older
// than the retention window are deleted regardless of sender. Buffered
// messages are exempt.
func (t *Transport) sweepLoop() {
	defer t.loopWG.Done()

	ticker := time.NewTicker(t.deps.Cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.loopCtx.Done():
			return
		case <-ticker.C:
		}
		if !t.deps.IsMaster() {
			continue
		}
		if err := t.sweepOnce(t.loopCtx); err != nil {
			if t.loopCtx.Err() != nil {
				return
			}
			t.deps.Log.Warn("rpc sweep failed", zap.Error(err))
		}
	}
}

func (t *Transport) sweepOnce(ctx context.Context) error {
	entries, err := t.deps.Store.Query(ctx, t.deps.Path, store.Query{})
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-t.deps.Cfg.Retention).UnixMicro()
	patch := make(map[string]any)
	for _, entry := range entries {
		msg, err := decodeMessage(entry.Key, entry.Value)
		if err != nil {
			// Undecodable entries still age out.
			if ts, tsErr := store.ParsePushKey(entry.Key); tsErr == nil && ts < cutoff {
				patch[t.deps.Path+"/"+entry.Key] = nil
			}
			continue
		}
		if !msg.Buffered && msg.Timestamp < cutoff {
			patch[t.deps.Path+"/"+entry.Key] = nil
		}
	}
	if len(patch) == 0 {
		return nil
	}
	if err := t.deps.Store.Update(ctx, patch); err != nil {
		return err
	}
	t.deps.Log.Debug("rpc sweep removed messages", zap.Int("count", len(patch)))
	return nil
}
