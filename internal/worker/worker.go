// Package worker runs remote-store operations off the simulation loop.
// Operations are queued, batched, throttled and timed out here so the main
// loop never blocks on network latency.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Lewxa2011/FireNet/internal/config"
)

// Op is one no-argument remote-store operation. The context carries the
// per-operation timeout.
type Op func(ctx context.Context) error

type queuedOp struct {
	run      Op
	label    string
	enqueued time.Time
}

// Stats are cumulative operation counters, readable from any goroutine.
type Stats struct {
	Processed int64
	Failed    int64
	TimedOut  int64
	Dropped   int64
}

// Worker owns the background drain loop. Each accepted operation is
// attempted at most once; overflow and stale entries are dropped, never
// blocking the caller.
type Worker struct {
	cfg config.WorkerConfig
	log *zap.Logger

	mu      sync.Mutex
	queue   []queuedOp
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	processed atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
	dropped   atomic.Int64
}

func New(cfg config.WorkerConfig, log *zap.Logger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		cfg:    cfg,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

// Enqueue accepts op for eventual execution. Returns false when the queue is
// full or the worker is stopped; the operation is dropped either way.
func (w *Worker) Enqueue(label string, op Op) bool {
	w.mu.Lock()
	if w.stopped || len(w.queue) >= w.cfg.QueueSize {
		stopped := w.stopped
		w.mu.Unlock()
		w.dropped.Inc()
		if stopped {
			w.log.Debug("op dropped, worker stopped", zap.String("op", label))
		} else {
			w.log.Warn("op dropped, queue full",
				zap.String("op", label),
				zap.Int("capacity", w.cfg.QueueSize))
		}
		return false
	}
	w.queue = append(w.queue, queuedOp{run: op, label: label, enqueued: time.Now()})
	w.mu.Unlock()
	return true
}

// Stopped reports whether Stop has been called. A stopped worker never
// accepts ops again; callers wanting one must construct a new Worker.
func (w *Worker) Stopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

// QueueLen reports the current queue depth.
func (w *Worker) QueueLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *Worker) Stats() Stats {
	return Stats{
		Processed: w.processed.Load(),
		Failed:    w.failed.Load(),
		TimedOut:  w.timedOut.Load(),
		Dropped:   w.dropped.Load(),
	}
}

// Stop prevents further enqueueing, cancels in-flight work and waits for the
// loop up to the shutdown grace. A missed join is logged, not fatal.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.cancel()

	select {
	case <-w.done:
	case <-time.After(w.cfg.ShutdownGrace):
		w.log.Warn("worker loop did not exit within grace",
			zap.Duration("grace", w.cfg.ShutdownGrace))
	}
}

func (w *Worker) loop() {
	defer close(w.done)

	batchSize := w.cfg.MinBatch
	delay := w.cfg.MaxDelay

	for {
		if w.ctx.Err() != nil {
			return
		}

		batch, depth := w.takeBatch(batchSize)
		if len(batch) > 0 {
			start := time.Now()
			w.runBatch(batch)
			batchSize, delay = w.adapt(batchSize, delay, time.Since(start), depth)
		}

		select {
		case <-w.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// takeBatch dequeues up to n fresh ops, discarding any older than the
// staleness ceiling. Returns the batch and the depth left behind.
func (w *Worker) takeBatch(n int) ([]queuedOp, int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	batch := make([]queuedOp, 0, n)
	for len(w.queue) > 0 && len(batch) < n {
		op := w.queue[0]
		w.queue = w.queue[1:]
		if now.Sub(op.enqueued) > w.cfg.StaleAfter {
			w.dropped.Inc()
			w.log.Warn("op dropped, stale",
				zap.String("op", op.label),
				zap.Duration("age", now.Sub(op.enqueued)))
			continue
		}
		batch = append(batch, op)
	}
	return batch, len(w.queue)
}

// runBatch executes ops concurrently, each under its own timeout. Failures
// are logged and counted, never propagated.
func (w *Worker) runBatch(batch []queuedOp) {
	g, ctx := errgroup.WithContext(w.ctx)
	for _, op := range batch {
		op := op
		g.Go(func() error {
			opCtx, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
			defer cancel()
			if err := w.runOne(opCtx, op); err != nil {
				if opCtx.Err() == context.DeadlineExceeded {
					w.timedOut.Inc()
					w.log.Warn("op timed out", zap.String("op", op.label))
				} else {
					w.failed.Inc()
					w.log.Warn("op failed", zap.String("op", op.label), zap.Error(err))
				}
				return nil
			}
			w.processed.Inc()
			return nil
		})
	}
	g.Wait()
}

func (w *Worker) runOne(ctx context.Context, op queuedOp) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("op panic: %v", r)
		}
	}()
	return op.run(ctx)
}

// adapt tunes batch size and inter-batch delay toward the target latency.
// Deep queues force the delay floor so backlog drains quickly.
func (w *Worker) adapt(batchSize int, delay time.Duration, elapsed time.Duration, depth int) (int, time.Duration) {
	if elapsed < w.cfg.TargetLatency {
		if batchSize < w.cfg.MaxBatch {
			batchSize++
		}
		delay = delay * 4 / 5
	} else {
		if batchSize > w.cfg.MinBatch {
			batchSize--
		}
		delay = delay * 5 / 4
	}
	if depth > batchSize*2 {
		delay = w.cfg.MinDelay
	}
	if delay < w.cfg.MinDelay {
		delay = w.cfg.MinDelay
	}
	if delay > w.cfg.MaxDelay {
		delay = w.cfg.MaxDelay
	}
	return batchSize, delay
}
