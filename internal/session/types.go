package session

import (
	"errors"
	"fmt"
)

// ConnectionState is the single process-wide connection lifecycle state.
// Transitions are sequential; room operations require ConnectedToMaster or
// ConnectedToRoom.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnectedToMaster
	StateJoiningRoom
	StateConnectedToRoom
	StateDisconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnectedToMaster:
		return "ConnectedToMaster"
	case StateJoiningRoom:
		return "JoiningRoom"
	case StateConnectedToRoom:
		return "ConnectedToRoom"
	case StateDisconnecting:
		return "Disconnecting"
	}
	return fmt.Sprintf("ConnectionState(%d)", int32(s))
}

var (
	ErrInvalidState     = errors.New("operation not valid in current connection state")
	ErrRoomExists       = errors.New("room name already taken")
	ErrRoomNotFound     = errors.New("room not found")
	ErrRoomFull         = errors.New("room is full")
	ErrRoomClosed       = errors.New("room is closed")
	ErrNoRoomsAvailable = errors.New("no open rooms available")
)

// Player is one member of a room. Instances handed to callbacks are copies;
// the roster itself is owned by the session.
type Player struct {
	UserID         string
	NickName       string
	IsMasterClient bool
	Properties     map[string]any
}

// RoomOptions parameterize room creation.
type RoomOptions struct {
	MaxPlayers int
	IsOpen     bool
	IsVisible  bool
	Properties map[string]any
}

// Room is the local projection of the room record. The store copy is the
// source of truth; this is refreshed by the roster sync loop.
type Room struct {
	Name           string
	MasterClientID string
	MaxPlayers     int
	PlayerCount    int
	IsOpen         bool
	IsVisible      bool
	Properties     map[string]any
}

// Callbacks are the host-facing session events. Nil members are skipped.
// Callbacks fire on the goroutine driving the session (API calls and Tick).
type Callbacks struct {
	OnConnected     func()
	OnJoinedRoom    func(room string)
	OnLeftRoom      func()
	OnPlayerEntered func(p Player)
	OnPlayerLeft    func(p Player)
	OnJoinFailed    func(reason string)
	OnDisconnected  func()
}

// Election policies for master-client transfer. Both are deterministic for
// a fixed roster.
const (
	ElectLowestID  = "lowest-id"
	ElectFirstSeen = "first-seen"
)
