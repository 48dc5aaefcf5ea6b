package session

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Lewxa2011/FireNet/internal/store"
)

// rosterOrder seeds the first-seen ordering from an initial roster: the local
// player first, everybody else in id order.
func rosterOrder(roster map[string]*Player, localID string) []string {
	order := make([]string, 0, len(roster))
	order = append(order, localID)
	others := make([]string, 0, len(roster))
	for id := range roster {
		if id != localID {
			others = append(others, id)
		}
	}
	sort.Strings(others)
	return append(order, others...)
}

// electSuccessor picks the next master among candidates, never the excluded
// id. Unknown policies fall back to lowest-id, which every client computes
// identically from the same roster.
func electSuccessor(policy string, candidates map[string]*Player, order []string, excluding string) string {
	if policy == ElectFirstSeen {
		for _, id := range order {
			if id == excluding {
				continue
			}
			if _, ok := candidates[id]; ok {
				return id
			}
		}
	}
	best := ""
	for id := range candidates {
		if id == excluding {
			continue
		}
		if best == "" || id < best {
			best = id
		}
	}
	return best
}

// rosterLoop periodically fetches the room snapshot and hands it to Tick.
// Fetch only; all roster mutation happens on the session's own goroutine.
func (s *Session) rosterLoop(ctx context.Context) {
	defer s.loopWG.Done()

	s.mu.Lock()
	room := s.room.Name
	interval := s.cfg.Session.RosterSyncInterval
	s.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		v, err := s.store.Get(ctx, roomPath(room))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("roster fetch failed", zap.String("room", room), zap.Error(err))
			continue
		}
		if v == nil {
			// Room vanished under us, likely reaped by the disconnect
			// trigger of the last other member.
			s.enqueueRoster(rosterUpdate{})
			continue
		}
		decoded, ok := decodeRoom(room, v)
		if !ok {
			s.log.Warn("roster snapshot malformed", zap.String("room", room))
			continue
		}
		s.enqueueRoster(rosterUpdate{room: decoded, roster: decodeRoster(v)})
	}
}

// presenceLoop refreshes the local player's lastSeen heartbeat through the
// worker so presence writes share its backpressure.
func (s *Session) presenceLoop(ctx context.Context) {
	defer s.loopWG.Done()

	s.mu.Lock()
	room := s.room.Name
	userID := s.local.UserID
	interval := s.cfg.Session.PresenceInterval
	w := s.worker
	s.mu.Unlock()

	path := playerPath(room, userID) + "/lastSeen"
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ms := time.Now().UnixMilli()
		w.Enqueue("presence", func(opCtx context.Context) error {
			return s.store.Set(opCtx, path, ms)
		})
	}
}

// applyRoster merges one fetched snapshot into local state and fires the
// enter/leave callbacks. Runs on the Tick goroutine.
func (s *Session) applyRoster(u rosterUpdate) {
	if u.room == nil {
		s.handleRoomVanished()
		return
	}

	s.mu.Lock()
	if s.state != StateConnectedToRoom || s.room == nil || s.room.Name != u.room.Name {
		s.mu.Unlock()
		return
	}
	local := s.local
	old := s.roster

	roster := u.roster
	if roster == nil {
		roster = make(map[string]*Player)
	}
	if _, ok := roster[local.UserID]; !ok {
		// Our record is gone remotely (a sweep raced our heartbeat); keep it
		// locally and rewrite it in the background.
		me := *local
		roster[local.UserID] = &me
		s.rewriteSelf(u.room.Name, &me)
	}

	var joined, left []Player
	for id, p := range roster {
		if _, ok := old[id]; !ok && id != local.UserID {
			joined = append(joined, *p)
		}
	}
	for id, p := range old {
		if _, ok := roster[id]; !ok && id != local.UserID {
			left = append(left, *p)
		}
	}

	// Maintain observation order for first-seen election.
	seen := make(map[string]bool, len(s.seenOrder))
	for _, id := range s.seenOrder {
		seen[id] = true
	}
	keep := s.seenOrder[:0]
	for _, id := range s.seenOrder {
		if _, ok := roster[id]; ok {
			keep = append(keep, id)
		}
	}
	s.seenOrder = keep
	newIDs := make([]string, 0, len(joined))
	for _, p := range joined {
		if !seen[p.UserID] {
			newIDs = append(newIDs, p.UserID)
		}
	}
	sort.Strings(newIDs)
	s.seenOrder = append(s.seenOrder, newIDs...)

	room := u.room
	if _, ok := roster[room.MasterClientID]; !ok {
		// Recorded master is gone without a handoff. Every client elects the
		// same successor; only the winner persists the result.
		succ := electSuccessor(s.cfg.Room.Election, roster, s.seenOrder, "")
		if succ != "" {
			room.MasterClientID = succ
			roster[succ].IsMasterClient = true
			s.log.Info("master re-elected",
				zap.String("room", room.Name), zap.String("master", succ))
			if succ == local.UserID {
				s.persistElection(room.Name, succ)
			}
		}
	}
	local.IsMasterClient = room.MasterClientID == local.UserID

	if local.IsMasterClient && room.PlayerCount != len(roster) {
		room.PlayerCount = len(roster)
		s.reconcileCount(room.Name, len(roster))
	}

	s.room = room
	s.roster = roster

	// Re-arm the disconnect trigger when aloneness flips: the last member's
	// drop must take the whole room with it.
	alone := len(roster) <= 1
	if alone != s.discAlone {
		s.discAlone = alone
		s.rearmDisconnect(room.Name, local.UserID, alone)
	}
	s.mu.Unlock()

	for _, p := range joined {
		p := p
		s.log.Info("player entered", zap.String("userId", p.UserID))
		s.emit(func(cb Callbacks) {
			if cb.OnPlayerEntered != nil {
				cb.OnPlayerEntered(p)
			}
		})
	}
	for _, p := range left {
		p := p
		s.log.Info("player left", zap.String("userId", p.UserID))
		s.emit(func(cb Callbacks) {
			if cb.OnPlayerLeft != nil {
				cb.OnPlayerLeft(p)
			}
		})
	}
}

// handleRoomVanished tears down local room state when the remote record is
// gone. No departure writes; there is nothing left to write to.
func (s *Session) handleRoomVanished() {
	s.mu.Lock()
	if s.state != StateConnectedToRoom {
		s.mu.Unlock()
		return
	}
	room := s.room.Name
	transport := s.transport
	cancel := s.loopCancel
	s.mu.Unlock()

	s.log.Warn("room removed remotely, leaving", zap.String("room", room))
	cancel()
	s.loopWG.Wait()
	transport.Close()

	ctx, ctxCancel := context.WithTimeout(context.Background(), time.Second)
	if err := s.store.ClearOnDisconnect(ctx); err != nil {
		s.log.Warn("clear disconnect trigger failed", zap.Error(err))
	}
	ctxCancel()

	s.mu.Lock()
	s.teardownRoomLocked()
	s.mu.Unlock()
	s.emit(func(cb Callbacks) {
		if cb.OnLeftRoom != nil {
			cb.OnLeftRoom()
		}
	})
}

func (s *Session) rewriteSelf(room string, p *Player) {
	path := playerPath(room, p.UserID)
	rec := playerRecord(p)
	s.worker.Enqueue("roster.rewrite-self", func(ctx context.Context) error {
		return s.store.Set(ctx, path, rec)
	})
}

// persistElection records the locally-won election. A single atomic patch so
// the flag and the room field never disagree.
func (s *Session) persistElection(room, userID string) {
	patch := map[string]any{
		roomPath(room) + "/masterClientId":           userID,
		playerPath(room, userID) + "/isMasterClient": true,
	}
	s.worker.Enqueue("roster.election", func(ctx context.Context) error {
		return s.store.Update(ctx, patch)
	})
}

func (s *Session) reconcileCount(room string, count int) {
	path := roomPath(room) + "/playerCount"
	s.worker.Enqueue("roster.player-count", func(ctx context.Context) error {
		return s.store.Set(ctx, path, count)
	})
}

// rearmDisconnect swaps the registered trigger in one worker op. Clear and
// re-register must not be split across ops; batch ops run concurrently.
func (s *Session) rearmDisconnect(room, userID string, alone bool) {
	op := store.DisconnectOp{Kind: store.DisconnectRemove, Path: playerPath(room, userID)}
	if alone {
		op.Path = roomPath(room)
	}
	s.worker.Enqueue("roster.disconnect-trigger", func(ctx context.Context) error {
		if err := s.store.ClearOnDisconnect(ctx); err != nil {
			return err
		}
		return s.store.OnDisconnect(ctx, op)
	})
}
