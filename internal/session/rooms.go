package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"go.uber.org/zap"

	"github.com/Lewxa2011/FireNet/internal/rpc"
	"github.com/Lewxa2011/FireNet/internal/store"
)

// roomPatch flattens a room record into sibling absolute paths so a single
// atomic Update can write it without clobbering the players subtree.
func roomPatch(r *Room) map[string]any {
	base := roomPath(r.Name)
	rec := roomRecord(r)
	patch := make(map[string]any, len(rec))
	for k, v := range rec {
		patch[base+"/"+k] = v
	}
	return patch
}

// CreateRoom writes a new room with the local player as master, then runs
// the join sequence. Valid only from ConnectedToMaster.
func (s *Session) CreateRoom(ctx context.Context, name string, opts RoomOptions) error {
	local, err := s.beginJoin()
	if err != nil {
		return err
	}

	existing, err := s.store.Get(ctx, roomPath(name))
	if err != nil {
		return s.failJoin(name, fmt.Errorf("check room %s: %w", name, err))
	}
	if existing != nil {
		return s.failJoin(name, fmt.Errorf("create room %s: %w", name, ErrRoomExists))
	}

	maxPlayers := opts.MaxPlayers
	if maxPlayers <= 0 {
		maxPlayers = s.cfg.Room.DefaultMaxPlayers
	}
	room := &Room{
		Name:           name,
		MasterClientID: local.UserID,
		MaxPlayers:     maxPlayers,
		PlayerCount:    1,
		IsOpen:         opts.IsOpen,
		IsVisible:      opts.IsVisible,
		Properties:     opts.Properties,
	}
	me := local
	me.IsMasterClient = true

	patch := roomPatch(room)
	patch[playerPath(name, me.UserID)] = playerRecord(&me)
	if err := s.store.Update(ctx, patch); err != nil {
		return s.failJoin(name, fmt.Errorf("write room %s: %w", name, err))
	}

	if err := s.finishJoin(ctx, room, map[string]*Player{me.UserID: &me}); err != nil {
		// Roll the room back; creation must not leave a half-made record.
		if rmErr := s.store.Remove(ctx, roomPath(name)); rmErr != nil {
			s.log.Warn("rollback of created room failed",
				zap.String("room", name), zap.Error(rmErr))
		}
		return s.failJoin(name, err)
	}
	return nil
}

// JoinRoom adds the local player to an existing room. Valid only from
// ConnectedToMaster.
func (s *Session) JoinRoom(ctx context.Context, name string) error {
	local, err := s.beginJoin()
	if err != nil {
		return err
	}

	v, err := s.store.Get(ctx, roomPath(name))
	if err != nil {
		return s.failJoin(name, fmt.Errorf("fetch room %s: %w", name, err))
	}
	if v == nil {
		return s.failJoin(name, fmt.Errorf("join room %s: %w", name, ErrRoomNotFound))
	}
	room, ok := decodeRoom(name, v)
	if !ok {
		return s.failJoin(name, fmt.Errorf("join room %s: malformed record: %w", name, ErrRoomNotFound))
	}
	roster := decodeRoster(v)
	if !room.IsOpen {
		return s.failJoin(name, fmt.Errorf("join room %s: %w", name, ErrRoomClosed))
	}
	if room.MaxPlayers > 0 && len(roster) >= room.MaxPlayers {
		return s.failJoin(name, fmt.Errorf("join room %s: %w", name, ErrRoomFull))
	}

	me := local
	room.PlayerCount = len(roster) + 1
	patch := map[string]any{
		playerPath(name, me.UserID):     playerRecord(&me),
		roomPath(name) + "/playerCount": room.PlayerCount,
	}
	if err := s.store.Update(ctx, patch); err != nil {
		return s.failJoin(name, fmt.Errorf("write player into %s: %w", name, err))
	}

	roster[me.UserID] = &me
	if err := s.finishJoin(ctx, room, roster); err != nil {
		return s.failJoin(name, err)
	}
	return nil
}

// JoinOrCreateRoom joins when the room exists, creates it otherwise. Never
// leaves the machine parked in JoiningRoom.
func (s *Session) JoinOrCreateRoom(ctx context.Context, name string, opts RoomOptions) error {
	err := s.JoinRoom(ctx, name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrRoomNotFound) {
		return err
	}
	return s.CreateRoom(ctx, name, opts)
}

// JoinRandomRoom picks uniformly among open, visible rooms with capacity.
func (s *Session) JoinRandomRoom(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateConnectedToMaster {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: JoinRandomRoom from %s", ErrInvalidState, state)
	}
	s.mu.Unlock()

	v, err := s.store.Get(ctx, "rooms")
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}
	var candidates []string
	if all, ok := v.(map[string]any); ok {
		for name, rv := range all {
			room, ok := decodeRoom(name, rv)
			if !ok {
				continue
			}
			roster := decodeRoster(rv)
			if !room.IsOpen || !room.IsVisible {
				continue
			}
			if room.MaxPlayers > 0 && len(roster) >= room.MaxPlayers {
				continue
			}
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		s.emit(func(cb Callbacks) {
			if cb.OnJoinFailed != nil {
				cb.OnJoinFailed(ErrNoRoomsAvailable.Error())
			}
		})
		return ErrNoRoomsAvailable
	}
	return s.JoinRoom(ctx, candidates[rand.Intn(len(candidates))])
}

// beginJoin moves ConnectedToMaster → JoiningRoom and returns a copy of the
// local player.
func (s *Session) beginJoin() (Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnectedToMaster {
		return Player{}, fmt.Errorf("%w: join from %s", ErrInvalidState, s.state)
	}
	s.state = StateJoiningRoom
	local := *s.local
	local.IsMasterClient = false
	return local, nil
}

// failJoin falls back to ConnectedToMaster and surfaces the reason.
func (s *Session) failJoin(name string, err error) error {
	s.mu.Lock()
	s.state = StateConnectedToMaster
	s.mu.Unlock()
	s.log.Warn("join failed", zap.String("room", name), zap.Error(err))
	s.emit(func(cb Callbacks) {
		if cb.OnJoinFailed != nil {
			cb.OnJoinFailed(err.Error())
		}
	})
	return err
}

// finishJoin captures the room, registers the disconnect safety net, starts
// the background loops and announces the join.
func (s *Session) finishJoin(ctx context.Context, room *Room, roster map[string]*Player) error {
	s.mu.Lock()
	local := s.local
	alone := len(roster) <= 1

	s.room = room
	s.roster = roster
	s.seenOrder = rosterOrder(roster, local.UserID)
	s.discAlone = alone

	transport := rpc.NewTransport(rpc.Deps{
		Store:    s.store,
		Worker:   s.worker,
		Log:      s.log.Named("rpc"),
		Cfg:      s.cfg.RPC,
		Path:     RPCPath(room.Name),
		LocalID:  local.UserID,
		MasterID: s.masterID,
		IsMaster: s.IsMasterClient,
	})
	s.transport = transport
	s.state = StateConnectedToRoom

	loopCtx, cancel := context.WithCancel(context.Background())
	s.loopCancel = cancel
	s.mu.Unlock()

	// The disconnect trigger is the safety net for ungraceful exits: the
	// last member's drop deletes the room, anybody else's drop deletes just
	// their player record.
	if err := s.registerDisconnect(ctx, room.Name, local.UserID, alone); err != nil {
		cancel()
		transport.Close()
		s.mu.Lock()
		s.teardownRoomLocked()
		s.mu.Unlock()
		return fmt.Errorf("register disconnect trigger: %w", err)
	}

	transport.Start()
	s.loopWG.Add(2)
	go s.rosterLoop(loopCtx)
	go s.presenceLoop(loopCtx)

	s.log.Info("joined room",
		zap.String("room", room.Name),
		zap.String("master", room.MasterClientID),
		zap.Int("players", len(roster)))
	s.emit(func(cb Callbacks) {
		if cb.OnJoinedRoom != nil {
			cb.OnJoinedRoom(room.Name)
		}
	})
	return nil
}

func (s *Session) masterID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return ""
	}
	return s.room.MasterClientID
}

func (s *Session) registerDisconnect(ctx context.Context, room, userID string, alone bool) error {
	if err := s.store.ClearOnDisconnect(ctx); err != nil {
		return err
	}
	op := store.DisconnectOp{Kind: store.DisconnectRemove, Path: playerPath(room, userID)}
	if alone {
		op.Path = roomPath(room)
	}
	return s.store.OnDisconnect(ctx, op)
}

// LeaveRoom removes the local player, hands off or deletes the room, and
// returns to ConnectedToMaster. Cleanup failures are logged and never block
// the local teardown.
func (s *Session) LeaveRoom(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateConnectedToRoom {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: LeaveRoom from %s", ErrInvalidState, state)
	}
	room := s.room
	local := s.local
	remaining := make(map[string]*Player, len(s.roster))
	for id, p := range s.roster {
		if id != local.UserID {
			remaining[id] = p
		}
	}
	seenOrder := append([]string(nil), s.seenOrder...)
	transport := s.transport
	cancel := s.loopCancel
	s.mu.Unlock()

	cancel()
	s.loopWG.Wait()
	transport.Close()

	if err := transport.Cleanup(ctx); err != nil {
		s.log.Warn("rpc cleanup failed", zap.String("room", room.Name), zap.Error(err))
	}

	var departErr error
	if len(remaining) == 0 {
		// Last one out deletes the room, buffered messages included.
		departErr = s.store.Remove(ctx, roomPath(room.Name))
	} else {
		patch := map[string]any{
			playerPath(room.Name, local.UserID):  nil,
			roomPath(room.Name) + "/playerCount": len(remaining),
		}
		if room.MasterClientID == local.UserID {
			succ := electSuccessor(s.cfg.Room.Election, remaining, seenOrder, local.UserID)
			patch[roomPath(room.Name)+"/masterClientId"] = succ
			patch[playerPath(room.Name, succ)+"/isMasterClient"] = true
			s.log.Info("master handed off",
				zap.String("room", room.Name), zap.String("successor", succ))
		}
		departErr = s.store.Update(ctx, patch)
	}
	if departErr != nil {
		s.log.Warn("departure write failed", zap.String("room", room.Name), zap.Error(departErr))
	}

	if err := s.store.ClearOnDisconnect(ctx); err != nil {
		s.log.Warn("clear disconnect trigger failed", zap.Error(err))
	}

	s.mu.Lock()
	s.teardownRoomLocked()
	s.mu.Unlock()

	s.log.Info("left room", zap.String("room", room.Name))
	s.emit(func(cb Callbacks) {
		if cb.OnLeftRoom != nil {
			cb.OnLeftRoom()
		}
	})
	return departErr
}

// teardownRoomLocked resets all room-scoped state. Caller holds mu.
func (s *Session) teardownRoomLocked() {
	s.room = nil
	s.roster = nil
	s.seenOrder = nil
	s.pending = nil
	s.transport = nil
	s.loopCancel = nil
	s.discAlone = false
	if s.local != nil {
		s.local.IsMasterClient = false
	}
	s.state = StateConnectedToMaster
}
