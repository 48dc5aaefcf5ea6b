package session

import (
	"context"
	"fmt"
)

// SetPlayerProperties merges custom properties onto the local player record.
// Nil values delete keys. Local state updates immediately; the write goes
// through the worker.
func (s *Session) SetPlayerProperties(props map[string]any) error {
	s.mu.Lock()
	if s.state != StateConnectedToRoom {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: SetPlayerProperties from %s", ErrInvalidState, state)
	}
	room := s.room.Name
	userID := s.local.UserID
	if s.local.Properties == nil {
		s.local.Properties = make(map[string]any)
	}
	base := playerPath(room, userID) + "/customProperties"
	patch := make(map[string]any, len(props))
	for k, v := range props {
		patch[base+"/"+k] = v
		if v == nil {
			delete(s.local.Properties, k)
		} else {
			s.local.Properties[k] = v
		}
	}
	if me, ok := s.roster[userID]; ok {
		me.Properties = s.local.Properties
	}
	s.mu.Unlock()

	s.worker.Enqueue("props.player", func(ctx context.Context) error {
		return s.store.Update(ctx, patch)
	})
	return nil
}

// SetRoomProperties merges custom properties onto the room record. Master
// client only.
func (s *Session) SetRoomProperties(props map[string]any) error {
	s.mu.Lock()
	if s.state != StateConnectedToRoom {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: SetRoomProperties from %s", ErrInvalidState, state)
	}
	if !s.isMasterLocked() {
		s.mu.Unlock()
		return fmt.Errorf("%w: SetRoomProperties requires the master client", ErrInvalidState)
	}
	room := s.room.Name
	if s.room.Properties == nil {
		s.room.Properties = make(map[string]any)
	}
	base := roomPath(room) + "/customProperties"
	patch := make(map[string]any, len(props))
	for k, v := range props {
		patch[base+"/"+k] = v
		if v == nil {
			delete(s.room.Properties, k)
		} else {
			s.room.Properties[k] = v
		}
	}
	s.mu.Unlock()

	s.worker.Enqueue("props.room", func(ctx context.Context) error {
		return s.store.Update(ctx, patch)
	})
	return nil
}

// SetRoomOpen flips whether new joins are admitted. Master client only.
func (s *Session) SetRoomOpen(open bool) error {
	s.mu.Lock()
	if s.state != StateConnectedToRoom || !s.isMasterLocked() {
		s.mu.Unlock()
		return fmt.Errorf("%w: SetRoomOpen requires the master client in a room", ErrInvalidState)
	}
	room := s.room.Name
	s.room.IsOpen = open
	s.mu.Unlock()

	path := roomPath(room) + "/isOpen"
	s.worker.Enqueue("props.room-open", func(ctx context.Context) error {
		return s.store.Set(ctx, path, open)
	})
	return nil
}
