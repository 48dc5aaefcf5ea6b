package rpc

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Lewxa2011/FireNet/internal/config"
	"github.com/Lewxa2011/FireNet/internal/nmath"
	"github.com/Lewxa2011/FireNet/internal/store"
	"github.com/Lewxa2011/FireNet/internal/worker"
)

const testPath = "rooms/test/rpc"

func fastWorker(t *testing.T) *worker.Worker {
	t.Helper()
	cfg := config.Defaults().Worker
	cfg.MinDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	cfg.ShutdownGrace = time.Second
	w := worker.New(cfg, zap.NewNop())
	t.Cleanup(w.Stop)
	return w
}

func newTestTransport(t *testing.T, st store.Store, localID, masterID string) *Transport {
	t.Helper()
	cfg := config.Defaults().RPC
	cfg.CoalesceWindow = 0 // tests drive coalescing explicitly
	tr := NewTransport(Deps{
		Store:    st,
		Worker:   fastWorker(t),
		Log:      zap.NewNop(),
		Cfg:      cfg,
		Path:     testPath,
		LocalID:  localID,
		MasterID: func() string { return masterID },
		IsMaster: func() bool { return localID == masterID },
	})
	t.Cleanup(tr.Close)
	return tr
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

func storeCount(t *testing.T, st store.Store) int {
	t.Helper()
	entries, err := st.Query(context.Background(), testPath, store.Query{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	return len(entries)
}

// plantMessage writes a log entry with a caller-chosen timestamp key.
func plantMessage(t *testing.T, st store.Store, ts int64, m *Message) string {
	t.Helper()
	rec, err := messageRecord(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	key := store.FormatPushKey(ts)
	if err := st.Set(context.Background(), testPath+"/"+key, rec); err != nil {
		t.Fatalf("set: %v", err)
	}
	return key
}

func TestTargetSemantics(t *testing.T) {
	for _, tc := range []struct {
		target   Target
		buffered bool
		self     bool
	}{
		{TargetAll, false, true},
		{TargetOthers, false, false},
		{TargetAllBuffered, true, true},
		{TargetOthersBuffered, true, false},
		{TargetHost, false, false},
	} {
		if tc.target.Buffered() != tc.buffered {
			t.Fatalf("%s: Buffered() = %v", tc.target, tc.target.Buffered())
		}
		if tc.target.IncludesSelf() != tc.self {
			t.Fatalf("%s: IncludesSelf() = %v", tc.target, tc.target.IncludesSelf())
		}
	}
}

func TestInboxDropsOldestOnOverflow(t *testing.T) {
	q := newInbox(3, zap.NewNop())
	for i := 0; i < 5; i++ {
		q.push(&Message{Method: string(rune('a' + i))})
	}
	if q.len() != 3 {
		t.Fatalf("inbox len %d, want 3", q.len())
	}
	batch := q.popBatch(0)
	if batch[0].Method != "c" || batch[2].Method != "e" {
		t.Fatalf("oldest not dropped: first %q last %q", batch[0].Method, batch[2].Method)
	}
	if q.dropped.Load() != 2 {
		t.Fatalf("dropped counter %d, want 2", q.dropped.Load())
	}
}

func TestLocalEchoFollowsTarget(t *testing.T) {
	st := store.NewMemoryStore().Client()
	tr := newTestTransport(t, st, "u1", "u1")

	if err := tr.Send("ping", TargetOthers, "x"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if tr.inbox.len() != 0 {
		t.Fatal("Others must not echo locally")
	}

	if err := tr.Send("ping", TargetAll, "x"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if tr.inbox.len() != 1 {
		t.Fatalf("All should echo locally, inbox %d", tr.inbox.len())
	}
	// The echo is dispatched this tick, independent of the remote write.
	var got int
	obj := &countingObject{id: "o1", onCall: func() { got++ }}
	tr.registry.Register(obj, true)
	tr.Tick()
	if got != 1 {
		t.Fatalf("echoed message dispatched %d times, want 1", got)
	}
}

type countingObject struct {
	id     string
	onCall func()
	last   []any
	method string
}

func (c *countingObject) NetworkID() string { return c.id }

func (c *countingObject) OnRemoteCall(method string, params []any) {
	c.method = method
	c.last = params
	if c.onCall != nil {
		c.onCall()
	}
}

func TestPollSkipsSelfAndStaleNonBuffered(t *testing.T) {
	st := store.NewMemoryStore().Client()
	tr := newTestTransport(t, st, "u1", "u1")

	now := time.Now().UnixMicro()
	old := now - (30 * time.Second).Microseconds()
	plantMessage(t, st, old-3, &Message{Method: "own", SenderID: "u1"})
	plantMessage(t, st, old-2, &Message{Method: "stale", SenderID: "u2"})
	plantMessage(t, st, old-1, &Message{Method: "kept", SenderID: "u2", Buffered: true, Target: TargetOthersBuffered})
	plantMessage(t, st, now, &Message{Method: "fresh", SenderID: "u2"})

	if _, err := tr.pollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	batch := tr.inbox.popBatch(0)
	if len(batch) != 2 {
		t.Fatalf("inbox has %d messages, want 2", len(batch))
	}
	if batch[0].Method != "kept" || batch[1].Method != "fresh" {
		t.Fatalf("got %q then %q", batch[0].Method, batch[1].Method)
	}

	// Cursor advanced past everything; a second poll is empty.
	if _, err := tr.pollOnce(context.Background()); err != nil {
		t.Fatalf("repoll: %v", err)
	}
	if tr.inbox.len() != 0 {
		t.Fatal("second poll re-delivered messages")
	}
}

func TestPollSkipsMalformedWithoutWedging(t *testing.T) {
	st := store.NewMemoryStore().Client()
	tr := newTestTransport(t, st, "u1", "u1")

	now := time.Now().UnixMicro()
	key := store.FormatPushKey(now - 1)
	if err := st.Set(context.Background(), testPath+"/"+key, "not a record"); err != nil {
		t.Fatalf("set: %v", err)
	}
	plantMessage(t, st, now, &Message{Method: "good", SenderID: "u2"})

	if _, err := tr.pollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	batch := tr.inbox.popBatch(0)
	if len(batch) != 1 || batch[0].Method != "good" {
		t.Fatalf("got %d messages", len(batch))
	}
	if tr.cursor.Load() != store.FormatPushKey(now) {
		t.Fatalf("cursor %q did not pass the bad entry", tr.cursor.Load())
	}
}

func TestDirectedMessageFilteredAtDispatch(t *testing.T) {
	st := store.NewMemoryStore().Client()
	tr := newTestTransport(t, st, "u1", "u1")

	obj := &countingObject{id: "o1"}
	tr.registry.Register(obj, true)

	now := time.Now().UnixMicro()
	plantMessage(t, st, now-1, &Message{Method: "forOther", SenderID: "u2", TargetID: "u9"})
	plantMessage(t, st, now, &Message{Method: "forMe", SenderID: "u2", TargetID: "u1"})

	tr.pollOnce(context.Background())
	tr.Tick()
	if obj.method != "forMe" {
		t.Fatalf("dispatched %q, want forMe only", obj.method)
	}
}

func TestHostSendCarriesMasterID(t *testing.T) {
	st := store.NewMemoryStore().Client()
	tr := newTestTransport(t, st, "u1", "m1")

	if err := tr.Send("claim", TargetHost, int64(5)); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, func() bool { return storeCount(t, st) == 1 })

	entries, _ := st.Query(context.Background(), testPath, store.Query{})
	msg, err := decodeMessage(entries[0].Key, entries[0].Value)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.TargetID != "m1" {
		t.Fatalf("targetId %q, want m1", msg.TargetID)
	}
}

func TestHostSendDroppedWithoutMaster(t *testing.T) {
	st := store.NewMemoryStore().Client()
	tr := newTestTransport(t, st, "u1", "")

	if err := tr.Send("claim", TargetHost); err != nil {
		t.Fatalf("send should not error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := storeCount(t, st); n != 0 {
		t.Fatalf("masterless host send wrote %d records", n)
	}
}

func TestCoalescingMergesRapidRepeats(t *testing.T) {
	st := store.NewMemoryStore().Client()
	cfg := config.Defaults().RPC
	cfg.CoalesceWindow = 30 * time.Millisecond
	tr := NewTransport(Deps{
		Store:    st,
		Worker:   fastWorker(t),
		Log:      zap.NewNop(),
		Cfg:      cfg,
		Path:     testPath,
		LocalID:  "u1",
		MasterID: func() string { return "u1" },
		IsMaster: func() bool { return true },
	})
	t.Cleanup(tr.Close)

	for i := 0; i < 5; i++ {
		if err := tr.Send("move", TargetOthers, int64(i)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	waitFor(t, func() bool { return storeCount(t, st) == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := storeCount(t, st); n != 1 {
		t.Fatalf("rapid repeats wrote %d records, want 1", n)
	}

	entries, _ := st.Query(context.Background(), testPath, store.Query{})
	msg, err := decodeMessage(entries[0].Key, entries[0].Value)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msg.Params) != 1 || msg.Params[0] != int64(4) {
		t.Fatalf("coalesced params %#v, want newest value 4", msg.Params)
	}

	// Buffered sends bypass coalescing entirely.
	tr.Send("spawned", TargetAllBuffered, "a")
	tr.Send("spawned", TargetAllBuffered, "b")
	waitFor(t, func() bool { return storeCount(t, st) == 3 })
}

func TestCoalescingKeepsObjectStreamsApart(t *testing.T) {
	st := store.NewMemoryStore().Client()
	cfg := config.Defaults().RPC
	cfg.CoalesceWindow = 30 * time.Millisecond
	tr := NewTransport(Deps{
		Store:    st,
		Worker:   fastWorker(t),
		Log:      zap.NewNop(),
		Cfg:      cfg,
		Path:     testPath,
		LocalID:  "u1",
		MasterID: func() string { return "u1" },
		IsMaster: func() bool { return true },
	})
	t.Cleanup(tr.Close)

	// Two objects stream the same reserved method; their updates must not
	// overwrite each other inside the window.
	for i := 0; i < 3; i++ {
		tr.Send("__fn_transform", TargetOthers, "obj-a", i)
		tr.Send("__fn_transform", TargetOthers, "obj-b", i)
	}
	waitFor(t, func() bool { return storeCount(t, st) == 2 })

	entries, _ := st.Query(context.Background(), testPath, store.Query{})
	seen := map[string]bool{}
	for _, e := range entries {
		msg, err := decodeMessage(e.Key, e.Value)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		id, _ := msg.Params[0].(string)
		seen[id] = true
		if msg.Params[1] != int64(2) {
			t.Fatalf("object %s flushed %v, want newest value 2", id, msg.Params[1])
		}
	}
	if !seen["obj-a"] || !seen["obj-b"] {
		t.Fatalf("records for %v, want both objects", seen)
	}
}

func TestSpawnReplaysToLateJoiner(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore().Client()
	a := newTestTransport(t, st, "u1", "u1")

	newAvatar := func(info SpawnInfo) NetworkObject {
		return &countingObject{id: info.ObjectID}
	}
	a.RegisterFactory("avatar", newAvatar)

	pos := nmath.Vector3{X: 1, Y: 2, Z: 3}
	rot := nmath.QuaternionIdentity
	obj, err := a.Spawn("avatar", pos, rot, "skin=blue")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if !a.registry.IsMine(obj.NetworkID()) {
		t.Fatal("spawned object should be locally owned on the spawning side")
	}
	waitFor(t, func() bool { return storeCount(t, st) == 1 })

	// A transport joining later starts with an empty cursor and replays the
	// buffered backlog.
	b := newTestTransport(t, st, "u2", "u1")
	var replayed []SpawnInfo
	b.RegisterFactory("avatar", func(info SpawnInfo) NetworkObject {
		replayed = append(replayed, info)
		return &countingObject{id: info.ObjectID}
	})
	if _, err := b.pollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	b.Tick()
	if len(replayed) != 1 {
		t.Fatalf("factory invoked %d times, want 1", len(replayed))
	}
	info := replayed[0]
	if info.IsMine {
		t.Fatal("replayed spawn must not be locally owned")
	}
	if info.ObjectID != obj.NetworkID() || info.Prefab != "avatar" ||
		info.Position != pos || info.Payload != "skin=blue" {
		t.Fatalf("replayed info %+v", info)
	}
	if got, _ := b.registry.Get(info.ObjectID); got == nil {
		t.Fatal("object not registered on the late joiner")
	}
	if b.registry.IsMine(info.ObjectID) {
		t.Fatal("late joiner must register the object as remote")
	}

	// Re-delivery of the same buffered spawn must not duplicate the object.
	plantMessage(t, st, time.Now().UnixMicro(), &Message{
		Method: methodSpawn, SenderID: "u1",
		Target: TargetOthersBuffered, Buffered: true,
		Params: []any{"avatar", info.ObjectID, pos, rot, "skin=blue"},
	})
	b.pollOnce(ctx)
	b.Tick()
	if len(replayed) != 1 {
		t.Fatalf("duplicate spawn re-instantiated, factory invoked %d times", len(replayed))
	}

	// Despawn removes the remote representation.
	if err := a.Despawn(obj.NetworkID()); err != nil {
		t.Fatalf("despawn: %v", err)
	}
	if a.registry.Len() != 0 {
		t.Fatal("despawn left the object registered locally")
	}
	waitFor(t, func() bool { return storeCount(t, st) == 3 })
	b.pollOnce(ctx)
	b.Tick()
	if got, _ := b.registry.Get(info.ObjectID); got != nil {
		t.Fatal("despawn did not remove the remote object")
	}
}

func TestRateCapDropsExcess(t *testing.T) {
	st := store.NewMemoryStore().Client()
	cfg := config.Defaults().RPC
	cfg.CoalesceWindow = 0
	cfg.SendsPerSecond = 3
	tr := NewTransport(Deps{
		Store:    st,
		Worker:   fastWorker(t),
		Log:      zap.NewNop(),
		Cfg:      cfg,
		Path:     testPath,
		LocalID:  "u1",
		MasterID: func() string { return "u1" },
		IsMaster: func() bool { return true },
	})
	t.Cleanup(tr.Close)

	for i := 0; i < 10; i++ {
		// Distinct methods so coalescing cannot hide the cap.
		if err := tr.Send("m"+string(rune('0'+i)), TargetOthers); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if got := tr.rateDrop.Load(); got != 7 {
		t.Fatalf("rate-capped drops %d, want 7", got)
	}
	waitFor(t, func() bool { return storeCount(t, st) == 3 })
}

func TestSendAfterCloseFails(t *testing.T) {
	st := store.NewMemoryStore().Client()
	tr := newTestTransport(t, st, "u1", "u1")
	tr.Close()
	if err := tr.Send("late", TargetAll); err != ErrNotInRoom {
		t.Fatalf("err = %v, want ErrNotInRoom", err)
	}
}

func TestCleanupRemovesOwnNonBuffered(t *testing.T) {
	st := store.NewMemoryStore().Client()
	tr := newTestTransport(t, st, "u1", "u1")

	now := time.Now().UnixMicro()
	plantMessage(t, st, now-3, &Message{Method: "mine", SenderID: "u1"})
	plantMessage(t, st, now-2, &Message{Method: "mineBuffered", SenderID: "u1", Buffered: true})
	plantMessage(t, st, now-1, &Message{Method: "theirs", SenderID: "u2"})

	if err := tr.Cleanup(context.Background()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	entries, _ := st.Query(context.Background(), testPath, store.Query{})
	if len(entries) != 2 {
		t.Fatalf("%d entries survive, want 2", len(entries))
	}
	for _, e := range entries {
		msg, _ := decodeMessage(e.Key, e.Value)
		if msg.Method == "mine" {
			t.Fatal("own non-buffered message survived cleanup")
		}
	}
}

func TestSweepRemovesExpiredNonBuffered(t *testing.T) {
	st := store.NewMemoryStore().Client()
	tr := newTestTransport(t, st, "u1", "u1")

	now := time.Now().UnixMicro()
	old := now - (60 * time.Second).Microseconds()
	plantMessage(t, st, old-1, &Message{Method: "expired", SenderID: "u2"})
	plantMessage(t, st, old, &Message{Method: "keptBuffered", SenderID: "u2", Buffered: true})
	plantMessage(t, st, now, &Message{Method: "fresh", SenderID: "u2"})
	// Garbage entries age out by key timestamp.
	st.Set(context.Background(), testPath+"/"+store.FormatPushKey(old-2), "garbage")

	if err := tr.sweepOnce(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	entries, _ := st.Query(context.Background(), testPath, store.Query{})
	if len(entries) != 2 {
		t.Fatalf("%d entries survive, want 2", len(entries))
	}
	for _, e := range entries {
		msg, err := decodeMessage(e.Key, e.Value)
		if err != nil {
			t.Fatalf("garbage survived sweep: %q", e.Key)
		}
		if msg.Method == "expired" {
			t.Fatal("expired message survived sweep")
		}
	}
}
