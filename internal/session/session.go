// Package session owns the connection/room state machine, the player roster
// and master-client election. All mutable state is written by the goroutine
// driving the session (API calls and Tick); background loops only fetch and
// enqueue, following the single-writer loop discipline.
package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Lewxa2011/FireNet/internal/config"
	"github.com/Lewxa2011/FireNet/internal/rpc"
	"github.com/Lewxa2011/FireNet/internal/store"
	"github.com/Lewxa2011/FireNet/internal/worker"
)

// Authenticator issues a stable opaque user id for arbitrary credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, credentials string) (string, error)
}

// rosterUpdate is one fetched room snapshot waiting to be applied on Tick.
type rosterUpdate struct {
	room   *Room
	roster map[string]*Player
}

// Session is the client-side session context. Not safe for concurrent use by
// multiple goroutines; drive it from one loop.
type Session struct {
	cfg    *config.Config
	store  store.Store
	auth   Authenticator
	log    *zap.Logger
	worker *worker.Worker

	mu        sync.Mutex
	state     ConnectionState
	local     *Player
	room      *Room
	roster    map[string]*Player
	seenOrder []string // roster observation order, drives first-seen election
	pending   []rosterUpdate
	discAlone bool // current on-disconnect registration covers the whole room

	transport  *rpc.Transport
	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup

	subMu  sync.Mutex
	subs   map[int]Callbacks
	nextID int
}

func New(cfg *config.Config, st store.Store, auth Authenticator, log *zap.Logger) *Session {
	return &Session{
		cfg:    cfg,
		store:  st,
		auth:   auth,
		log:    log,
		worker: worker.New(cfg.Worker, log.Named("worker")),
		state:  StateDisconnected,
		subs:   make(map[int]Callbacks),
	}
}

// Subscribe registers host callbacks. The returned function unsubscribes;
// all subscriptions are torn down on Disconnect.
func (s *Session) Subscribe(cb Callbacks) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = cb
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Session) emit(fire func(Callbacks)) {
	s.subMu.Lock()
	cbs := make([]Callbacks, 0, len(s.subs))
	for _, cb := range s.subs {
		cbs = append(cbs, cb)
	}
	s.subMu.Unlock()
	for _, cb := range cbs {
		fire(cb)
	}
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LocalPlayer returns a copy of the authenticated local player, or nil.
func (s *Session) LocalPlayer() *Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local == nil {
		return nil
	}
	p := *s.local
	return &p
}

// CurrentRoom returns a copy of the local room projection, or nil.
func (s *Session) CurrentRoom() *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return nil
	}
	r := *s.room
	return &r
}

// Players returns a copy of the current roster.
func (s *Session) Players() []Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Player, 0, len(s.roster))
	for _, p := range s.roster {
		out = append(out, *p)
	}
	return out
}

// IsMasterClient reports whether the local player currently holds the master
// role.
func (s *Session) IsMasterClient() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isMasterLocked()
}

func (s *Session) isMasterLocked() bool {
	return s.room != nil && s.local != nil && s.room.MasterClientID == s.local.UserID
}

// RPC returns the room's transport, or nil outside a room.
func (s *Session) RPC() *rpc.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// Worker exposes the operation worker, mainly for stats.
func (s *Session) Worker() *worker.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.worker
}

// ConnectToMaster authenticates and moves to ConnectedToMaster. Valid only
// from Disconnected.
func (s *Session) ConnectToMaster(ctx context.Context, credentials, nickName string) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: ConnectToMaster from %s", ErrInvalidState, state)
	}
	s.state = StateConnecting
	if s.worker.Stopped() {
		// Reconnecting after Disconnect; the previous worker went down with
		// the old connection and would silently drop every write.
		s.worker = worker.New(s.cfg.Worker, s.log.Named("worker"))
	}
	s.mu.Unlock()

	userID, err := s.auth.Authenticate(ctx, credentials)
	if err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		return fmt.Errorf("authenticate: %w", err)
	}

	s.mu.Lock()
	s.local = &Player{UserID: userID, NickName: nickName}
	s.state = StateConnectedToMaster
	s.mu.Unlock()

	s.log.Info("connected to master", zap.String("userId", userID))
	s.emit(func(cb Callbacks) {
		if cb.OnConnected != nil {
			cb.OnConnected()
		}
	})
	return nil
}

// Disconnect leaves any joined room, tears down subscriptions and stops the
// worker. Failures along the way are logged, never allowed to hang shutdown.
func (s *Session) Disconnect(ctx context.Context) {
	s.mu.Lock()
	inRoom := s.state == StateConnectedToRoom
	s.mu.Unlock()

	if inRoom {
		if err := s.LeaveRoom(ctx); err != nil {
			s.log.Warn("leave during disconnect failed", zap.Error(err))
		}
	}

	s.mu.Lock()
	s.state = StateDisconnecting
	s.mu.Unlock()

	s.worker.Stop()

	s.mu.Lock()
	s.state = StateDisconnected
	s.local = nil
	s.mu.Unlock()

	s.emit(func(cb Callbacks) {
		if cb.OnDisconnected != nil {
			cb.OnDisconnected()
		}
	})

	s.subMu.Lock()
	s.subs = make(map[int]Callbacks)
	s.subMu.Unlock()

	s.log.Info("disconnected")
}

// Tick applies queued roster snapshots and dispatches inbound RPCs. Call
// once per simulation tick from the loop that owns the session.
func (s *Session) Tick() {
	s.mu.Lock()
	updates := s.pending
	s.pending = nil
	transport := s.transport
	s.mu.Unlock()

	for _, u := range updates {
		s.applyRoster(u)
	}
	if transport != nil {
		transport.Tick()
	}
}

// enqueueRoster hands a fetched snapshot to the next Tick.
func (s *Session) enqueueRoster(u rosterUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnectedToRoom {
		return
	}
	s.pending = append(s.pending, u)
}
