package rpc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/Lewxa2011/FireNet/internal/config"
	"github.com/Lewxa2011/FireNet/internal/store"
	"github.com/Lewxa2011/FireNet/internal/worker"
)

// ErrNotInRoom is returned for sends after the transport closed.
var ErrNotInRoom = errors.New("rpc: not in a room")

// Deps are the collaborators a Transport needs. MasterID is resolved at send
// time for Host-targeted messages.
type Deps struct {
	Store    store.Store
	Worker   *worker.Worker
	Log      *zap.Logger
	Cfg      config.RPCConfig
	Path     string // the room's rpc subtree
	LocalID  string
	MasterID func() string
	IsMaster func() bool
}

// reservedPrefix marks the module's own lifecycle and replication methods.
// Their first parameter is always the object id.
const reservedPrefix = "__fn_"

type coalesceKey struct {
	sender string
	method string
	object string // keeps per-object replication streams from merging
}

type pendingSend struct {
	msg   *Message
	timer *time.Timer
}

// Transport owns the room's RPC plumbing: outbound sends with coalescing and
// rate capping, the background poll loop, the bounded inbound queue, per-tick
// dispatch, and cleanup. One Transport lives per joined room.
type Transport struct {
	deps     Deps
	registry *Registry
	inbox    *inbox

	mu        sync.Mutex
	pending   map[coalesceKey]*pendingSend
	windowAt  time.Time
	windowCnt int
	closed    bool

	factories map[string]SpawnFactory

	cursor   atomic.String
	sent     atomic.Int64
	rateDrop atomic.Int64

	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup
}

func NewTransport(deps Deps) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		deps:       deps,
		registry:   NewRegistry(),
		inbox:      newInbox(deps.Cfg.InboundQueue, deps.Log),
		pending:    make(map[coalesceKey]*pendingSend),
		factories:  make(map[string]SpawnFactory),
		loopCtx:    ctx,
		loopCancel: cancel,
	}
	return t
}

// Registry exposes the network-object registry for replication codecs.
func (t *Transport) Registry() *Registry { return t.registry }

// Start launches the poll and cleanup-sweep loops.
func (t *Transport) Start() {
	t.loopWG.Add(2)
	go t.pollLoop()
	go t.sweepLoop()
}

// Send validates, rate-caps, optionally coalesces and ships one message.
// Host targeting with no known master is dropped with a log, not an error.
func (t *Transport) Send(method string, target Target, params ...any) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrNotInRoom
	}

	if !t.allowSendLocked(time.Now()) {
		t.mu.Unlock()
		t.rateDrop.Inc()
		t.deps.Log.Warn("rpc send dropped, rate cap",
			zap.String("method", method),
			zap.Int("cap", t.deps.Cfg.SendsPerSecond))
		return nil
	}

	msg := &Message{
		Method:   method,
		SenderID: t.deps.LocalID,
		Params:   params,
		Target:   target,
		Buffered: target.Buffered(),
	}
	if target == TargetHost {
		master := t.deps.MasterID()
		if master == "" {
			t.mu.Unlock()
			t.deps.Log.Warn("rpc host send dropped, no master known",
				zap.String("method", method))
			return nil
		}
		msg.TargetID = master
	}

	if !msg.Buffered && t.deps.Cfg.CoalesceWindow > 0 {
		key := coalesceKey{sender: msg.SenderID, method: method}
		if strings.HasPrefix(method, reservedPrefix) && len(params) > 0 {
			key.object, _ = params[0].(string)
		}
		if p, ok := t.pending[key]; ok {
			// Rapid repeat: newest value wins, no extra record.
			p.msg.Params = params
			p.msg.TargetID = msg.TargetID
			t.mu.Unlock()
			t.echoLocal(msg)
			return nil
		}
		p := &pendingSend{msg: msg}
		p.timer = time.AfterFunc(t.deps.Cfg.CoalesceWindow, func() { t.flush(key) })
		t.pending[key] = p
		t.mu.Unlock()
		t.echoLocal(msg)
		return nil
	}

	t.mu.Unlock()
	t.echoLocal(msg)
	t.enqueuePush(msg)
	return nil
}

// SendTo ships a non-buffered message addressed to a single player.
func (t *Transport) SendTo(method, targetID string, params ...any) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrNotInRoom
	}
	if !t.allowSendLocked(time.Now()) {
		t.mu.Unlock()
		t.rateDrop.Inc()
		t.deps.Log.Warn("rpc send dropped, rate cap", zap.String("method", method))
		return nil
	}
	t.mu.Unlock()

	t.enqueuePush(&Message{
		Method:   method,
		SenderID: t.deps.LocalID,
		TargetID: targetID,
		Params:   params,
		Target:   TargetOthers,
	})
	return nil
}

// allowSendLocked implements the per-second outbound cap.
func (t *Transport) allowSendLocked(now time.Time) bool {
	if t.deps.Cfg.SendsPerSecond <= 0 {
		return true
	}
	if now.Sub(t.windowAt) >= time.Second {
		t.windowAt = now
		t.windowCnt = 0
	}
	if t.windowCnt >= t.deps.Cfg.SendsPerSecond {
		return false
	}
	t.windowCnt++
	return true
}

// echoLocal queues a copy for local dispatch when the target kind includes
// the sender. Local delivery never depends on the remote write landing.
func (t *Transport) echoLocal(msg *Message) {
	if !msg.Target.IncludesSelf() {
		return
	}
	echo := *msg
	echo.Timestamp = time.Now().UnixMicro()
	t.inbox.push(&echo)
}

// flush moves a coalesced entry out of the pending table and ships it.
func (t *Transport) flush(key coalesceKey) {
	t.mu.Lock()
	p, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	closed := t.closed
	t.mu.Unlock()
	if !ok || closed {
		return
	}
	t.enqueuePush(p.msg)
}

// enqueuePush hands the store write to the worker.
func (t *Transport) enqueuePush(msg *Message) {
	rec, err := messageRecord(msg)
	if err != nil {
		t.deps.Log.Warn("rpc send dropped, encode failed",
			zap.String("method", msg.Method), zap.Error(err))
		return
	}
	path := t.deps.Path
	t.deps.Worker.Enqueue("rpc."+msg.Method, func(ctx context.Context) error {
		_, err := t.deps.Store.Push(ctx, path, rec)
		if err == nil {
			t.sent.Inc()
		}
		return err
	})
}

// Close stops the loops, cancels pending coalesced sends and clears the
// object registry. Remaining non-buffered messages are removed by Cleanup.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for key, p := range t.pending {
		p.timer.Stop()
		delete(t.pending, key)
	}
	t.mu.Unlock()

	t.loopCancel()
	t.loopWG.Wait()
	t.registry.Clear()
}

// inbox is the bounded thread-safe inbound queue. Overflow drops the oldest
// entries so fresh state wins.
type inbox struct {
	mu      sync.Mutex
	items   []*Message
	cap     int
	log     *zap.Logger
	dropped atomic.Int64
}

func newInbox(capacity int, log *zap.Logger) *inbox {
	return &inbox{cap: capacity, log: log}
}

func (q *inbox) push(m *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.cap {
		drop := len(q.items) - q.cap + 1
		q.items = q.items[drop:]
		q.dropped.Add(int64(drop))
		q.log.Warn("inbound rpc dropped, queue full", zap.Int("dropped", drop))
	}
	q.items = append(q.items, m)
}

func (q *inbox) popBatch(n int) []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	if n <= 0 || n > len(q.items) {
		n = len(q.items)
	}
	batch := q.items[:n]
	q.items = append([]*Message(nil), q.items[n:]...)
	return batch
}

func (q *inbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
