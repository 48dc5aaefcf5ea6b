package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Lewxa2011/FireNet/internal/config"
	"github.com/Lewxa2011/FireNet/internal/store"
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Worker.MinDelay = time.Millisecond
	cfg.Worker.MaxDelay = 2 * time.Millisecond
	cfg.Worker.ShutdownGrace = time.Second
	cfg.Session.RosterSyncInterval = 20 * time.Millisecond
	cfg.Session.PresenceInterval = 50 * time.Millisecond
	cfg.RPC.PollInterval = 20 * time.Millisecond
	cfg.RPC.MinPollInterval = 10 * time.Millisecond
	cfg.RPC.CoalesceWindow = 0
	return cfg
}

func newTestSession(t *testing.T, shared *store.MemoryStore) (*Session, *store.MemoryClient) {
	t.Helper()
	client := shared.Client()
	s := New(testConfig(), client, GuestAuthenticator{}, zap.NewNop())
	return s, client
}

func connect(t *testing.T, s *Session, nick string) {
	t.Helper()
	if err := s.ConnectToMaster(context.Background(), "", nick); err != nil {
		t.Fatalf("connect %s: %v", nick, err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// tickUntil drives the session loop while waiting on cond.
func tickUntil(t *testing.T, s *Session, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.Tick()
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestConnectionStateMachine(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t, store.NewMemoryStore())

	if s.State() != StateDisconnected {
		t.Fatalf("initial state %s", s.State())
	}
	// Room operations are invalid before connecting.
	if err := s.JoinRoom(ctx, "nope"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("join while disconnected: %v", err)
	}
	if err := s.LeaveRoom(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("leave while disconnected: %v", err)
	}

	connected := false
	s.Subscribe(Callbacks{OnConnected: func() { connected = true }})
	connect(t, s, "alice")
	if s.State() != StateConnectedToMaster {
		t.Fatalf("state after connect %s", s.State())
	}
	if !connected {
		t.Fatal("OnConnected did not fire")
	}
	if s.LocalPlayer() == nil || s.LocalPlayer().UserID == "" {
		t.Fatal("no local player after connect")
	}

	if err := s.ConnectToMaster(ctx, "", "again"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double connect: %v", err)
	}
}

func TestReconnectGetsAFreshWorker(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemoryStore()
	s, client := newTestSession(t, shared)

	connect(t, s, "alice")
	s.Disconnect(ctx)
	if s.Worker().Enqueue("late", func(context.Context) error { return nil }) {
		t.Fatal("stopped worker accepted an op")
	}

	// The state machine is a cycle; a second connect must leave every
	// worker-mediated write functional, not silently dropped.
	connect(t, s, "alice")
	if err := s.CreateRoom(ctx, "again", RoomOptions{IsOpen: true, IsVisible: true}); err != nil {
		t.Fatalf("create after reconnect: %v", err)
	}
	if err := s.SetPlayerProperties(map[string]any{"team": "red"}); err != nil {
		t.Fatalf("set properties after reconnect: %v", err)
	}
	uid := s.LocalPlayer().UserID
	waitFor(t, func() bool {
		v, _ := client.Get(ctx, "rooms/again/players/"+uid+"/customProperties/team")
		return v == "red"
	})

	if err := s.RPC().Send("ping", 0, "x"); err != nil {
		t.Fatalf("rpc send after reconnect: %v", err)
	}
	waitFor(t, func() bool {
		entries, _ := client.Query(ctx, "rooms/again/rpc", store.Query{})
		return len(entries) == 1
	})
	if dropped := s.Worker().Stats().Dropped; dropped != 0 {
		t.Fatalf("fresh worker dropped %d ops", dropped)
	}
	s.Disconnect(ctx)
}

// faultyTriggerStore refuses on-disconnect registration.
type faultyTriggerStore struct {
	store.Store
}

func (f *faultyTriggerStore) OnDisconnect(context.Context, store.DisconnectOp) error {
	return errors.New("trigger rejected")
}

func TestCreateRollsBackWhenTriggerRegistrationFails(t *testing.T) {
	ctx := context.Background()
	client := store.NewMemoryStore().Client()
	s := New(testConfig(), &faultyTriggerStore{Store: client}, GuestAuthenticator{}, zap.NewNop())
	connect(t, s, "alice")

	failReason := ""
	s.Subscribe(Callbacks{OnJoinFailed: func(r string) { failReason = r }})
	if err := s.CreateRoom(ctx, "arena", RoomOptions{IsOpen: true, IsVisible: true}); err == nil {
		t.Fatal("create should fail when the trigger cannot be registered")
	}
	if failReason == "" {
		t.Fatal("OnJoinFailed did not fire")
	}
	if s.State() != StateConnectedToMaster {
		t.Fatalf("state %s, want ConnectedToMaster", s.State())
	}
	if s.RPC() != nil {
		t.Fatal("transport must be discarded on the rollback path")
	}
	if v, _ := client.Get(ctx, "rooms/arena"); v != nil {
		t.Fatalf("room record not rolled back: %#v", v)
	}
	s.Disconnect(ctx)
}

func TestKeyedAuthenticatorIsStable(t *testing.T) {
	ctx := context.Background()
	a := KeyedAuthenticator{}
	id1, err := a.Authenticate(ctx, "token-1")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	id2, _ := a.Authenticate(ctx, "token-1")
	other, _ := a.Authenticate(ctx, "token-2")
	if id1 != id2 {
		t.Fatalf("same token produced %q and %q", id1, id2)
	}
	if id1 == other {
		t.Fatal("different tokens collided")
	}
	if _, err := a.Authenticate(ctx, ""); err == nil {
		t.Fatal("empty credentials should fail")
	}
}

func TestCreateRoomAndDuplicate(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemoryStore()
	s1, _ := newTestSession(t, shared)
	s2, _ := newTestSession(t, shared)
	connect(t, s1, "alice")
	connect(t, s2, "bob")

	joined := ""
	s1.Subscribe(Callbacks{OnJoinedRoom: func(room string) { joined = room }})
	if err := s1.CreateRoom(ctx, "arena", RoomOptions{IsOpen: true, IsVisible: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if joined != "arena" {
		t.Fatalf("OnJoinedRoom got %q", joined)
	}
	if s1.State() != StateConnectedToRoom || !s1.IsMasterClient() {
		t.Fatalf("creator state %s master=%v", s1.State(), s1.IsMasterClient())
	}

	failReason := ""
	s2.Subscribe(Callbacks{OnJoinFailed: func(reason string) { failReason = reason }})
	err := s2.CreateRoom(ctx, "arena", RoomOptions{IsOpen: true, IsVisible: true})
	if !errors.Is(err, ErrRoomExists) {
		t.Fatalf("duplicate create: %v", err)
	}
	if failReason == "" {
		t.Fatal("OnJoinFailed did not fire")
	}
	// Failure returns the machine to ConnectedToMaster, never parks it.
	if s2.State() != StateConnectedToMaster {
		t.Fatalf("state after failed create %s", s2.State())
	}

	s2.Disconnect(ctx)
	s1.Disconnect(ctx)
}

func TestJoinAndRosterSync(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemoryStore()
	s1, _ := newTestSession(t, shared)
	s2, _ := newTestSession(t, shared)
	connect(t, s1, "alice")
	connect(t, s2, "bob")

	if err := s1.CreateRoom(ctx, "arena", RoomOptions{IsOpen: true, IsVisible: true}); err != nil {
		t.Fatalf("create: %v", err)
	}

	var entered []string
	s1.Subscribe(Callbacks{OnPlayerEntered: func(p Player) { entered = append(entered, p.NickName) }})

	if err := s2.JoinRoom(ctx, "arena"); err != nil {
		t.Fatalf("join: %v", err)
	}
	// Joiner sees the full roster immediately from the join snapshot.
	if len(s2.Players()) != 2 {
		t.Fatalf("joiner roster %d, want 2", len(s2.Players()))
	}
	if s2.IsMasterClient() {
		t.Fatal("joiner must not be master")
	}

	// Creator discovers the joiner through the roster sync loop.
	tickUntil(t, s1, func() bool { return len(s1.Players()) == 2 })
	if len(entered) != 1 || entered[0] != "bob" {
		t.Fatalf("OnPlayerEntered fired with %v", entered)
	}

	room := s1.CurrentRoom()
	if room == nil || room.Name != "arena" {
		t.Fatalf("current room %+v", room)
	}

	s2.Disconnect(ctx)
	s1.Disconnect(ctx)
}

func TestJoinRejections(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemoryStore()
	s1, _ := newTestSession(t, shared)
	s2, _ := newTestSession(t, shared)
	connect(t, s1, "alice")
	connect(t, s2, "bob")

	if err := s2.JoinRoom(ctx, "ghost"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("missing room: %v", err)
	}

	if err := s1.CreateRoom(ctx, "tiny", RoomOptions{MaxPlayers: 1, IsOpen: true, IsVisible: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s2.JoinRoom(ctx, "tiny"); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("full room: %v", err)
	}
	s1.Disconnect(ctx)

	s3, _ := newTestSession(t, shared)
	connect(t, s3, "carol")
	if err := s3.CreateRoom(ctx, "private", RoomOptions{IsOpen: false, IsVisible: true}); err != nil {
		t.Fatalf("create closed: %v", err)
	}
	if err := s2.JoinRoom(ctx, "private"); !errors.Is(err, ErrRoomClosed) {
		t.Fatalf("closed room: %v", err)
	}
	s3.Disconnect(ctx)
}

func TestJoinOrCreateRoom(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemoryStore()
	s1, _ := newTestSession(t, shared)
	s2, _ := newTestSession(t, shared)
	connect(t, s1, "alice")
	connect(t, s2, "bob")

	if err := s1.JoinOrCreateRoom(ctx, "arena", RoomOptions{IsOpen: true, IsVisible: true}); err != nil {
		t.Fatalf("join-or-create (create): %v", err)
	}
	if !s1.IsMasterClient() {
		t.Fatal("first member should be master")
	}
	if err := s2.JoinOrCreateRoom(ctx, "arena", RoomOptions{IsOpen: true, IsVisible: true}); err != nil {
		t.Fatalf("join-or-create (join): %v", err)
	}
	if len(s2.Players()) != 2 {
		t.Fatalf("roster %d, want 2", len(s2.Players()))
	}
	s2.Disconnect(ctx)
	s1.Disconnect(ctx)
}

func TestJoinRandomRoom(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemoryStore()
	s1, _ := newTestSession(t, shared)
	s2, _ := newTestSession(t, shared)
	connect(t, s1, "alice")
	connect(t, s2, "bob")

	if err := s2.JoinRandomRoom(ctx); !errors.Is(err, ErrNoRoomsAvailable) {
		t.Fatalf("empty lobby: %v", err)
	}

	// Invisible rooms are not candidates.
	if err := s1.CreateRoom(ctx, "hidden", RoomOptions{IsOpen: true, IsVisible: false}); err != nil {
		t.Fatalf("create hidden: %v", err)
	}
	if err := s2.JoinRandomRoom(ctx); !errors.Is(err, ErrNoRoomsAvailable) {
		t.Fatalf("hidden room joined: %v", err)
	}
	s1.Disconnect(ctx)

	s3, _ := newTestSession(t, shared)
	connect(t, s3, "carol")
	if err := s3.CreateRoom(ctx, "open", RoomOptions{IsOpen: true, IsVisible: true}); err != nil {
		t.Fatalf("create open: %v", err)
	}
	if err := s2.JoinRandomRoom(ctx); err != nil {
		t.Fatalf("join random: %v", err)
	}
	if room := s2.CurrentRoom(); room == nil || room.Name != "open" {
		t.Fatalf("joined %+v", room)
	}
	s2.Disconnect(ctx)
	s3.Disconnect(ctx)
}

func TestLastLeaverDeletesRoom(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemoryStore()
	s, client := newTestSession(t, shared)
	connect(t, s, "alice")

	if err := s.CreateRoom(ctx, "solo", RoomOptions{IsOpen: true, IsVisible: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	left := false
	s.Subscribe(Callbacks{OnLeftRoom: func() { left = true }})
	if err := s.LeaveRoom(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if !left {
		t.Fatal("OnLeftRoom did not fire")
	}
	if s.State() != StateConnectedToMaster {
		t.Fatalf("state after leave %s", s.State())
	}
	if v, _ := client.Get(ctx, "rooms/solo"); v != nil {
		t.Fatalf("empty room not deleted: %#v", v)
	}
	s.Disconnect(ctx)
}

func TestMasterHandoffOnLeave(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemoryStore()
	s1, client := newTestSession(t, shared)
	s2, _ := newTestSession(t, shared)
	connect(t, s1, "alice")
	connect(t, s2, "bob")

	if err := s1.CreateRoom(ctx, "arena", RoomOptions{IsOpen: true, IsVisible: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s2.JoinRoom(ctx, "arena"); err != nil {
		t.Fatalf("join: %v", err)
	}
	tickUntil(t, s1, func() bool { return len(s1.Players()) == 2 })

	if err := s1.LeaveRoom(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	// The departing master writes the handoff in its departure patch.
	v, _ := client.Get(ctx, "rooms/arena/masterClientId")
	if v != s2.LocalPlayer().UserID {
		t.Fatalf("masterClientId %#v, want %q", v, s2.LocalPlayer().UserID)
	}
	// The survivor notices through roster sync.
	tickUntil(t, s2, func() bool { return s2.IsMasterClient() })

	s2.Disconnect(ctx)
	s1.Disconnect(ctx)
}

func TestUngracefulDropReapsPlayerAndElects(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemoryStore()
	s1, c1 := newTestSession(t, shared)
	s2, _ := newTestSession(t, shared)
	connect(t, s1, "alice")
	connect(t, s2, "bob")

	if err := s1.CreateRoom(ctx, "arena", RoomOptions{IsOpen: true, IsVisible: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s2.JoinRoom(ctx, "arena"); err != nil {
		t.Fatalf("join: %v", err)
	}
	tickUntil(t, s1, func() bool { return len(s1.Players()) == 2 })

	var lost []string
	s2.Subscribe(Callbacks{OnPlayerLeft: func(p Player) { lost = append(lost, p.NickName) }})

	// Seeing a second member re-arms the disconnect trigger from room-wide to
	// player-only through the worker; let that write land first.
	waitFor(t, func() bool { return s1.Worker().QueueLen() == 0 })
	time.Sleep(50 * time.Millisecond)

	// Simulate the master's process dying: loops and worker stop mid-flight,
	// then the store connection drops and the registered trigger removes the
	// player record.
	s1.mu.Lock()
	cancelLoops := s1.loopCancel
	s1.mu.Unlock()
	cancelLoops()
	s1.loopWG.Wait()
	s1.worker.Stop()
	c1.Close()

	tickUntil(t, s2, func() bool { return s2.IsMasterClient() })
	if len(lost) != 1 || lost[0] != "alice" {
		t.Fatalf("OnPlayerLeft fired with %v", lost)
	}
	if len(s2.Players()) != 1 {
		t.Fatalf("roster %d after drop, want 1", len(s2.Players()))
	}
	// The elected survivor persists the result.
	probe := shared.Client()
	waitFor(t, func() bool {
		v, _ := probe.Get(ctx, "rooms/arena/masterClientId")
		return v == s2.LocalPlayer().UserID
	})

	s2.Disconnect(ctx)
}

func TestElectSuccessorPolicies(t *testing.T) {
	roster := map[string]*Player{
		"c": {UserID: "c"},
		"a": {UserID: "a"},
		"b": {UserID: "b"},
	}
	order := []string{"b", "c", "a"}

	if got := electSuccessor(ElectLowestID, roster, order, ""); got != "a" {
		t.Fatalf("lowest-id: %q", got)
	}
	if got := electSuccessor(ElectLowestID, roster, order, "a"); got != "b" {
		t.Fatalf("lowest-id excluding a: %q", got)
	}
	if got := electSuccessor(ElectFirstSeen, roster, order, ""); got != "b" {
		t.Fatalf("first-seen: %q", got)
	}
	if got := electSuccessor(ElectFirstSeen, roster, order, "b"); got != "c" {
		t.Fatalf("first-seen excluding b: %q", got)
	}
	// Unknown policy falls back to lowest-id.
	if got := electSuccessor("bogus", roster, order, ""); got != "a" {
		t.Fatalf("fallback: %q", got)
	}
	if got := electSuccessor(ElectLowestID, map[string]*Player{}, nil, ""); got != "" {
		t.Fatalf("empty roster: %q", got)
	}
}

func TestPlayerProperties(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemoryStore()
	s, client := newTestSession(t, shared)
	connect(t, s, "alice")

	if err := s.SetPlayerProperties(map[string]any{"team": "red"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("properties outside a room: %v", err)
	}

	if err := s.CreateRoom(ctx, "arena", RoomOptions{IsOpen: true, IsVisible: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.SetPlayerProperties(map[string]any{"team": "red", "score": 10}); err != nil {
		t.Fatalf("set properties: %v", err)
	}
	if s.LocalPlayer().Properties["team"] != "red" {
		t.Fatal("local echo of property missing")
	}

	uid := s.LocalPlayer().UserID
	waitFor(t, func() bool {
		v, _ := client.Get(ctx, "rooms/arena/players/"+uid+"/customProperties/team")
		return v == "red"
	})

	// Nil deletes.
	if err := s.SetPlayerProperties(map[string]any{"team": nil}); err != nil {
		t.Fatalf("delete property: %v", err)
	}
	if _, ok := s.LocalPlayer().Properties["team"]; ok {
		t.Fatal("deleted property still present locally")
	}
	s.Disconnect(ctx)
}

func TestRoomPropertiesMasterOnly(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemoryStore()
	s1, client := newTestSession(t, shared)
	s2, _ := newTestSession(t, shared)
	connect(t, s1, "alice")
	connect(t, s2, "bob")

	if err := s1.CreateRoom(ctx, "arena", RoomOptions{IsOpen: true, IsVisible: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s2.JoinRoom(ctx, "arena"); err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := s2.SetRoomProperties(map[string]any{"map": "dust"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("non-master set: %v", err)
	}
	if err := s1.SetRoomProperties(map[string]any{"map": "dust"}); err != nil {
		t.Fatalf("master set: %v", err)
	}
	waitFor(t, func() bool {
		v, _ := client.Get(ctx, "rooms/arena/customProperties/map")
		return v == "dust"
	})

	if err := s1.SetRoomOpen(false); err != nil {
		t.Fatalf("close room: %v", err)
	}
	waitFor(t, func() bool {
		v, _ := client.Get(ctx, "rooms/arena/isOpen")
		return v == false
	})

	s2.Disconnect(ctx)
	s1.Disconnect(ctx)
}

func TestDisconnectTearsDownSubscriptions(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t, store.NewMemoryStore())
	connect(t, s, "alice")

	disconnected := false
	s.Subscribe(Callbacks{OnDisconnected: func() { disconnected = true }})
	s.Disconnect(ctx)
	if !disconnected {
		t.Fatal("OnDisconnected did not fire")
	}
	if s.State() != StateDisconnected {
		t.Fatalf("state %s", s.State())
	}
	if s.LocalPlayer() != nil {
		t.Fatal("local player should be cleared")
	}
	// Worker refuses new ops after shutdown.
	if s.Worker().Enqueue("late", func(context.Context) error { return nil }) {
		t.Fatal("worker accepted op after disconnect")
	}
}
