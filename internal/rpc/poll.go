package rpc

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Lewxa2011/FireNet/internal/store"
)

// pollLoop retrieves new messages past the cursor. The interval tightens to
// the floor while full batches keep coming back.
func (t *Transport) pollLoop() {
	defer t.loopWG.Done()

	interval := t.deps.Cfg.PollInterval
	for {
		select {
		case <-t.loopCtx.Done():
			return
		case <-time.After(interval):
		}

		full, err := t.pollOnce(t.loopCtx)
		if err != nil {
			if t.loopCtx.Err() != nil {
				return
			}
			t.deps.Log.Warn("rpc poll failed", zap.Error(err))
			interval = t.deps.Cfg.PollInterval
			continue
		}
		if full {
			interval = t.deps.Cfg.MinPollInterval
		} else {
			interval = t.deps.Cfg.PollInterval
		}
	}
}

// pollOnce fetches one batch. The cursor advances to the highest key seen
// even when individual entries are skipped, so a bad record cannot wedge the
// loop. Reports whether the batch came back full.
func (t *Transport) pollOnce(ctx context.Context) (bool, error) {
	entries, err := t.deps.Store.Query(ctx, t.deps.Path, store.Query{
		StartAfter: t.cursor.Load(),
		Limit:      t.deps.Cfg.MaxPollBatch,
	})
	if err != nil {
		return false, err
	}
	if len(entries) == 0 {
		return false, nil
	}

	now := time.Now().UnixMicro()
	retention := t.deps.Cfg.Retention.Microseconds()
	for _, entry := range entries {
		if entry.Key > t.cursor.Load() {
			t.cursor.Store(entry.Key)
		}
		msg, err := decodeMessage(entry.Key, entry.Value)
		if err != nil {
			t.deps.Log.Warn("rpc message skipped", zap.Error(err))
			continue
		}
		if msg.SenderID == t.deps.LocalID {
			continue
		}
		// Stale non-buffered entries are ineligible even if the master
		// has not swept them yet.
		if !msg.Buffered && now-msg.Timestamp > retention {
			continue
		}
		t.inbox.push(msg)
	}
	return len(entries) >= t.deps.Cfg.MaxPollBatch, nil
}
