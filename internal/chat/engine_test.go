package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-convsync/internal/broadcast"
	"go-convsync/internal/conversation"
	"go-convsync/internal/horizon"
	"go-convsync/internal/replica"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(ms int64) *clock { return &clock{now: time.UnixMilli(ms)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.UnixMilli(ms)
}

type testEngine struct {
	self     broadcast.Member
	clock    *clock
	store    *Store
	coord    *Coordinator
	writer   *replica.Writer
	horizons *horizon.Tracker
	index    *MemoryIndex
}

type world struct {
	durable   *replica.MemoryStore
	transport *broadcast.MemoryTransport
	// bus replaces transport for engines when set.
	bus broadcast.Transport
}

func newWorld() *world {
	return &world{durable: replica.NewMemoryStore(), transport: broadcast.NewMemoryTransport()}
}

func (w *world) engine(t *testing.T, id string, startMs int64) *testEngine {
	t.Helper()
	return w.engineWith(t, id, startMs, w.durable)
}

// engineWith builds an engine that reaches the durable record through durable.
func (w *world) engineWith(t *testing.T, id string, startMs int64, durable replica.DurableStore) *testEngine {
	t.Helper()
	log := quietLogger()
	clk := newClock(startMs)
	policy := replica.RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Window: 2 * time.Second}
	writer := replica.NewWriter(durable, policy, log)
	self := broadcast.Member{ID: id, Name: id}
	store := NewStore(StoreConfig{Self: self, Writer: writer, Logger: log, Now: clk.Now})
	horizons := horizon.NewTracker(horizon.NewMemoryStore(), log)
	index := NewMemoryIndex()
	var bus broadcast.Transport = w.transport
	if w.bus != nil {
		bus = w.bus
	}
	coord := NewCoordinator(CoordinatorConfig{
		Store:     store,
		Durable:   durable,
		Writer:    writer,
		Transport: bus,
		Horizons:  horizons,
		Index:     index,
		Logger:    log,
		Retry:     policy,
		Now:       clk.Now,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})
	return &testEngine{self: self, clock: clk, store: store, coord: coord, writer: writer, horizons: horizons, index: index}
}

func (e *testEngine) say(t *testing.T, convID, text string, atMs int64) conversation.Message {
	t.Helper()
	msg := conversation.NewMessage(conversation.Participant(e.self.ID, e.self.Name), conversation.Text(text), time.UnixMilli(atMs))
	applied, err := e.store.MutateLocal(context.Background(), convID, msg)
	require.NoError(t, err)
	return applied
}

func (e *testEngine) view(t *testing.T, convID string) View {
	t.Helper()
	v, err := e.store.View(context.Background(), convID)
	require.NoError(t, err)
	return v
}

func (e *testEngine) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.writer.Wait(ctx))
}

func hasMessage(v View, id string) bool {
	for _, m := range v.Conversation.Messages {
		if m.ID == id {
			return true
		}
	}
	return false
}

func messageIDs(v View) []string {
	out := make([]string, len(v.Conversation.Messages))
	for i, m := range v.Conversation.Messages {
		out[i] = m.ID
	}
	return out
}

func TestLocalMessageVisibleImmediatelyAndEchoIsNoop(t *testing.T) {
	w := newWorld()
	a := w.engine(t, "alice", 10)
	ctx := context.Background()

	_, err := a.coord.Open(ctx, OpenRequest{ID: "c1", Title: "Biology", Kind: string(conversation.KindPrivateAssistant)})
	require.NoError(t, err)

	m1 := a.say(t, "c1", "hi", 100)
	assert.True(t, hasMessage(a.view(t, "c1"), m1.ID), "optimistic apply must be synchronous")

	a.flush(t)
	rec, err := w.durable.Get(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, rec.Messages, 2)

	// The durable echo arrives and changes nothing.
	require.Eventually(t, func() bool { return len(a.view(t, "c1").Conversation.Messages) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	v := a.view(t, "c1")
	assert.Len(t, v.Conversation.Messages, 2)
	assert.True(t, conversation.IsSorted(v.Conversation.Messages))
}

func TestHorizonHidesHistoryBeforeJoin(t *testing.T) {
	w := newWorld()
	ctx := context.Background()
	a := w.engine(t, "alice", 10)
	b := w.engine(t, "bob", 50)
	c := w.engine(t, "carol", 150)
	room := OpenRequest{ID: "r1", Title: "Organic Chemistry", Kind: string(conversation.KindSharedRoom)}

	_, err := a.coord.Open(ctx, room)
	require.NoError(t, err)
	a.flush(t)
	_, err = b.coord.Open(ctx, room)
	require.NoError(t, err)

	a.clock.Set(100)
	m1 := a.say(t, "r1", "hi", 100)
	a.flush(t)

	require.Eventually(t, func() bool { return hasMessage(b.view(t, "r1"), m1.ID) }, 2*time.Second, 5*time.Millisecond)

	_, err = c.coord.Open(ctx, room)
	require.NoError(t, err)
	c.flush(t)

	a.clock.Set(200)
	m2 := a.say(t, "r1", "welcome carol", 200)

	require.Eventually(t, func() bool { return hasMessage(c.view(t, "r1"), m2.ID) }, 2*time.Second, 5*time.Millisecond)
	a.flush(t)
	time.Sleep(30 * time.Millisecond)

	cv := c.view(t, "r1")
	assert.False(t, hasMessage(cv, m1.ID), "carol must not see history from before she joined")
	assert.Equal(t, int64(150), cv.Horizon)
	for _, m := range cv.Conversation.Messages {
		assert.GreaterOrEqual(t, m.CreatedAt, int64(150))
	}

	b.flush(t)
	rec, err := w.durable.Get(ctx, "r1")
	require.NoError(t, err)
	found := false
	for _, m := range rec.Messages {
		found = found || m.ID == m1.ID
	}
	assert.True(t, found, "the durable record still holds the earlier message")
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, rec.Participants)
}

func TestBroadcastBeatsLaggingDurableWrite(t *testing.T) {
	w := newWorld()
	ctx := context.Background()
	a := w.engine(t, "alice", 10)
	b := w.engine(t, "bob", 20)
	room := OpenRequest{ID: "r1", Title: "Physics", Kind: string(conversation.KindTopicRoom)}
	_, err := a.coord.Open(ctx, room)
	require.NoError(t, err)
	a.flush(t)
	_, err = b.coord.Open(ctx, room)
	require.NoError(t, err)
	b.flush(t)

	release := make(chan struct{})
	w.durable.SetWriteHook(func(_ context.Context, op replica.Op, _ string) error {
		if op == replica.OpUpdate {
			<-release
		}
		return nil
	})
	defer close(release)

	a.clock.Set(300)
	m := a.say(t, "r1", "fast path", 300)
	require.Eventually(t, func() bool { return hasMessage(b.view(t, "r1"), m.ID) }, 2*time.Second, 5*time.Millisecond)
}

func TestResetDropsStaleInFlightWrite(t *testing.T) {
	w := newWorld()
	ctx := context.Background()
	a := w.engine(t, "alice", 1_000)

	_, err := a.coord.Open(ctx, OpenRequest{ID: "c1", Title: "History", Kind: string(conversation.KindPrivateAssistant)})
	require.NoError(t, err)
	for i := 0; i < 49; i++ {
		a.say(t, "c1", "note", int64(2_000+i))
	}
	a.flush(t)
	require.Eventually(t, func() bool { return len(a.view(t, "c1").Conversation.Messages) == 50 }, 2*time.Second, 5*time.Millisecond)

	var blockNext atomic.Bool
	entered := make(chan struct{})
	release := make(chan struct{})
	w.durable.SetWriteHook(func(_ context.Context, op replica.Op, _ string) error {
		if op == replica.OpUpdate && blockNext.CompareAndSwap(true, false) {
			close(entered)
			<-release // ignores cancellation on purpose
		}
		return nil
	})
	blockNext.Store(true)
	stale := a.say(t, "c1", "written before reset", 3_000)
	<-entered

	a.clock.Set(5_000)
	v, err := a.coord.Reset(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, v.Conversation.Messages, 1)
	assert.Equal(t, conversation.MessageKindReset, v.Conversation.Messages[0].Kind)
	assert.Equal(t, int64(5_000), v.Horizon)

	close(release)
	a.flush(t)
	time.Sleep(30 * time.Millisecond)

	rec, err := w.durable.Get(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, rec.Messages, 1)
	assert.Equal(t, v.Conversation.Messages[0].ID, rec.Messages[0].ID)
	assert.Equal(t, int64(2), rec.Epoch)

	final := a.view(t, "c1")
	require.Len(t, final.Conversation.Messages, 1)
	assert.False(t, hasMessage(final, stale.ID))

	// messages after the reset still flow
	a.clock.Set(6_000)
	next := a.say(t, "c1", "fresh start", 6_000)
	a.flush(t)
	rec, err = w.durable.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, rec.Messages, 2)
	assert.Equal(t, next.ID, rec.Messages[1].ID)
}

func TestResetPropagatesToOtherParticipants(t *testing.T) {
	w := newWorld()
	ctx := context.Background()
	a := w.engine(t, "alice", 10)
	b := w.engine(t, "bob", 20)
	room := OpenRequest{ID: "r1", Title: "Math", Kind: string(conversation.KindSharedRoom)}
	_, err := a.coord.Open(ctx, room)
	require.NoError(t, err)
	a.flush(t)
	_, err = b.coord.Open(ctx, room)
	require.NoError(t, err)
	a.say(t, "r1", "old", 30)
	a.flush(t)
	b.flush(t)

	a.clock.Set(100)
	_, err = a.coord.Reset(ctx, "r1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v := b.view(t, "r1")
		return v.Conversation.Epoch == 2 && len(v.Conversation.Messages) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOwnBroadcastNeverDoubleInserts(t *testing.T) {
	w := newWorld()
	a := w.engine(t, "alice", 10)
	ctx := context.Background()
	_, err := a.coord.Open(ctx, OpenRequest{ID: "r1", Title: "Art", Kind: string(conversation.KindSharedRoom)})
	require.NoError(t, err)

	m := a.say(t, "r1", "mine", 100)
	a.flush(t)
	time.Sleep(20 * time.Millisecond)
	before := len(a.view(t, "r1").Conversation.Messages)

	// same message, own origin, new id as if the id had been lost
	echo := m
	echo.ID = "other-id"
	a.store.IngestBroadcastEvent("r1", broadcast.Event{Kind: broadcast.EventMessage, Origin: "alice", Message: &echo})
	a.store.IngestReplicaSnapshot("r1", ReplicaSnapshot{Epoch: replica.FirstEpoch, Messages: []conversation.Message{m}})
	time.Sleep(20 * time.Millisecond)

	v := a.view(t, "r1")
	assert.Len(t, v.Conversation.Messages, before)
	assert.False(t, hasMessage(v, "other-id"))
}

func TestIngestIsIdempotent(t *testing.T) {
	w := newWorld()
	a := w.engine(t, "alice", 10)
	ctx := context.Background()
	_, err := a.coord.Open(ctx, OpenRequest{ID: "r1", Title: "Art", Kind: string(conversation.KindSharedRoom)})
	require.NoError(t, err)
	a.flush(t)

	msg := conversation.NewMessage(conversation.Participant("bob", "Bob"), conversation.Text("hello"), time.UnixMilli(500))
	for i := 0; i < 5; i++ {
		a.store.IngestBroadcastEvent("r1", broadcast.Event{Kind: broadcast.EventMessage, Origin: "bob", Message: &msg})
		a.store.IngestReplicaSnapshot("r1", ReplicaSnapshot{Epoch: replica.FirstEpoch, Messages: []conversation.Message{msg}})
	}
	require.Eventually(t, func() bool { return hasMessage(a.view(t, "r1"), msg.ID) }, time.Second, 5*time.Millisecond)

	count := 0
	for _, m := range a.view(t, "r1").Conversation.Messages {
		if m.ID == msg.ID {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestArrivalOrderDoesNotMatter(t *testing.T) {
	msgs := make([]conversation.Message, 20)
	for i := range msgs {
		msgs[i] = conversation.NewMessage(conversation.Participant("bob", "Bob"), conversation.Text(fmt.Sprintf("m%d", i)), time.UnixMilli(int64(1_000+i%7)))
	}

	run := func(seed int64) []string {
		store := NewStore(StoreConfig{Self: broadcast.Member{ID: "alice", Name: "Alice"}, Logger: quietLogger()})
		defer store.Close()
		_, _, err := store.open(conversation.Conversation{ID: "x", Kind: conversation.KindSharedRoom, Epoch: replica.FirstEpoch}, 0)
		require.NoError(t, err)

		rnd := rand.New(rand.NewSource(seed))
		for _, i := range rnd.Perm(len(msgs)) {
			m := msgs[i]
			switch rnd.Intn(3) {
			case 0:
				_, err := store.MutateLocal(context.Background(), "x", m)
				require.NoError(t, err)
			case 1:
				store.IngestBroadcastEvent("x", broadcast.Event{Kind: broadcast.EventMessage, Origin: "bob", Message: &m})
			default:
				store.IngestReplicaSnapshot("x", ReplicaSnapshot{Epoch: replica.FirstEpoch, Messages: []conversation.Message{m}})
			}
		}
		var v View
		require.Eventually(t, func() bool {
			v, err = store.View(context.Background(), "x")
			return err == nil && len(v.Conversation.Messages) == len(msgs)
		}, time.Second, 5*time.Millisecond)
		return messageIDs(v)
	}

	first := run(1)
	for seed := int64(2); seed < 6; seed++ {
		assert.Equal(t, first, run(seed))
	}
}

func TestStaleSnapshotIsDiscarded(t *testing.T) {
	w := newWorld()
	a := w.engine(t, "alice", 10)
	ctx := context.Background()
	_, err := a.coord.Open(ctx, OpenRequest{ID: "c1", Title: "Bio", Kind: string(conversation.KindPrivateAssistant)})
	require.NoError(t, err)
	a.flush(t)

	a.clock.Set(100)
	_, err = a.coord.Reset(ctx, "c1")
	require.NoError(t, err)

	old := conversation.NewMessage(conversation.Participant("alice", "Alice"), conversation.Text("ghost"), time.UnixMilli(200))
	a.store.IngestReplicaSnapshot("c1", ReplicaSnapshot{Epoch: replica.FirstEpoch, Messages: []conversation.Message{old}})
	time.Sleep(20 * time.Millisecond)
	assert.False(t, hasMessage(a.view(t, "c1"), old.ID))
}

func TestDeleteRemovesEveryTrace(t *testing.T) {
	w := newWorld()
	a := w.engine(t, "alice", 10)
	ctx := context.Background()
	_, err := a.coord.Open(ctx, OpenRequest{ID: "c1", Title: "Bio", Kind: string(conversation.KindSharedRoom)})
	require.NoError(t, err)
	a.say(t, "c1", "bye", 20)
	a.flush(t)

	ids, _ := a.index.List(ctx, "alice")
	require.Equal(t, []string{"c1"}, ids)

	require.NoError(t, a.coord.Delete(ctx, "c1"))
	a.flush(t)

	_, err = w.durable.Get(ctx, "c1")
	assert.ErrorIs(t, err, replica.ErrNotFound)
	_, err = a.store.View(ctx, "c1")
	assert.ErrorIs(t, err, ErrUnknownConversation)
	ids, _ = a.index.List(ctx, "alice")
	assert.Empty(t, ids)
	_, ok := a.horizons.Get(ctx, horizon.Key{ConversationID: "c1", ParticipantID: "alice"})
	assert.False(t, ok)
	assert.Equal(t, 0, w.transport.Subscribers(broadcast.ChannelName("c1")))
}

func TestUsableWhileDurableStoreIsDown(t *testing.T) {
	w := newWorld()
	var down atomic.Bool
	down.Store(true)
	w.durable.SetWriteHook(func(context.Context, replica.Op, string) error {
		if down.Load() {
			return errors.New("store unavailable")
		}
		return nil
	})
	a := w.engine(t, "alice", 10)
	ctx := context.Background()

	_, err := a.coord.Open(ctx, OpenRequest{ID: "c1", Title: "Bio", Kind: string(conversation.KindPrivateAssistant)})
	require.NoError(t, err)
	m := a.say(t, "c1", "still works", 100)
	assert.True(t, hasMessage(a.view(t, "c1"), m.ID))

	down.Store(false)
	require.Eventually(t, func() bool {
		rec, err := w.durable.Get(ctx, "c1")
		return err == nil && len(rec.Messages) >= 1
	}, 3*time.Second, 10*time.Millisecond, "listener should reattach and create the record")
}

func TestSubscribersSeeChangesAndClose(t *testing.T) {
	w := newWorld()
	a := w.engine(t, "alice", 10)
	ctx := context.Background()
	_, err := a.coord.Open(ctx, OpenRequest{ID: "c1", Title: "Bio", Kind: string(conversation.KindPrivateAssistant)})
	require.NoError(t, err)

	views := make(chan View, 64)
	unsub, err := a.store.Subscribe("c1", func(v View) { views <- v })
	require.NoError(t, err)
	defer unsub()

	m := a.say(t, "c1", "ping", 100)
	require.Eventually(t, func() bool {
		for {
			select {
			case v := <-views:
				if hasMessage(v, m.ID) {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)

	a.coord.Close(ctx, "c1")
	require.Eventually(t, func() bool {
		for {
			select {
			case v := <-views:
				if v.Closed {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)
}

func TestTombstoneReachesDurableRecordAndPeers(t *testing.T) {
	w := newWorld()
	ctx := context.Background()
	a := w.engine(t, "alice", 10)
	b := w.engine(t, "bob", 20)
	room := OpenRequest{ID: "r1", Title: "Art", Kind: string(conversation.KindSharedRoom)}
	_, err := a.coord.Open(ctx, room)
	require.NoError(t, err)
	a.flush(t)
	_, err = b.coord.Open(ctx, room)
	require.NoError(t, err)

	m := a.say(t, "r1", "oops", 100)
	require.Eventually(t, func() bool { return hasMessage(b.view(t, "r1"), m.ID) }, 2*time.Second, 5*time.Millisecond)

	marked, err := a.store.Tombstone(ctx, "r1", m.ID)
	require.NoError(t, err)
	assert.True(t, marked.Deleted)

	require.Eventually(t, func() bool {
		for _, x := range b.view(t, "r1").Conversation.Messages {
			if x.ID == m.ID {
				return x.Deleted
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	_, err = a.store.Tombstone(ctx, "r1", "missing")
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestTypingAndPresence(t *testing.T) {
	w := newWorld()
	ctx := context.Background()
	a := w.engine(t, "alice", 10)
	b := w.engine(t, "bob", 20)
	room := OpenRequest{ID: "r1", Title: "Art", Kind: string(conversation.KindSharedRoom)}
	_, err := a.coord.Open(ctx, room)
	require.NoError(t, err)
	_, err = b.coord.Open(ctx, room)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, p := range a.view(t, "r1").Present {
			if p.ID == "bob" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	sent, err := b.coord.Typing(ctx, "r1", true)
	require.NoError(t, err)
	assert.True(t, sent)

	a.clock.Set(21)
	require.Eventually(t, func() bool {
		v := a.view(t, "r1")
		return len(v.Typing) == 1 && v.Typing[0] == "bob"
	}, time.Second, 5*time.Millisecond)

	b.coord.Close(ctx, "r1")
	require.Eventually(t, func() bool {
		v := a.view(t, "r1")
		return len(v.Present) == 0 && len(v.Typing) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestExportImportRoundTrip(t *testing.T) {
	w := newWorld()
	a := w.engine(t, "alice", 10)
	ctx := context.Background()
	_, err := a.coord.Open(ctx, OpenRequest{ID: "c1", Title: "Bio", Kind: string(conversation.KindPrivateAssistant)})
	require.NoError(t, err)
	m := a.say(t, "c1", "remember me", 100)
	a.flush(t)

	snap, err := a.store.Export(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Conversations, 1)

	fresh := newWorld().engine(t, "alice", 10)
	_, err = fresh.coord.Open(ctx, OpenRequest{ID: "c1", Title: "Bio", Kind: string(conversation.KindPrivateAssistant)})
	require.NoError(t, err)
	n, err := fresh.store.Import(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, hasMessage(fresh.view(t, "c1"), m.ID))
}

func TestMutateLocalRejectsMalformedInput(t *testing.T) {
	w := newWorld()
	a := w.engine(t, "alice", 10)
	ctx := context.Background()
	_, err := a.coord.Open(ctx, OpenRequest{ID: "c1", Kind: string(conversation.KindPrivateAssistant)})
	require.NoError(t, err)

	_, err = a.store.MutateLocal(ctx, "c1", conversation.Message{Author: conversation.Author{Role: "wizard"}, Body: conversation.Text("x")})
	assert.ErrorIs(t, err, conversation.ErrInvalidMessage)

	_, err = a.store.MutateLocal(ctx, "nope", conversation.NewMessage(conversation.Assistant("tutor"), conversation.Text("x"), time.UnixMilli(5)))
	assert.ErrorIs(t, err, ErrUnknownConversation)

	_, err = a.coord.Open(ctx, OpenRequest{ID: "c2", Kind: "classroom"})
	assert.ErrorIs(t, err, conversation.ErrInvalidKind)
}

type stallingTransport struct {
	*broadcast.MemoryTransport
	release chan struct{}
}

func (s stallingTransport) Subscribe(ctx context.Context, channel string) (broadcast.Handle, error) {
	h, err := s.MemoryTransport.Subscribe(ctx, channel)
	if err != nil {
		return nil, err
	}
	return stallingHandle{Handle: h, release: s.release}, nil
}

type stallingHandle struct {
	broadcast.Handle
	release chan struct{}
}

func (h stallingHandle) Emit(ctx context.Context, event string, payload json.RawMessage) error {
	if event == string(broadcast.EventMessage) {
		select {
		case <-h.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return h.Handle.Emit(ctx, event, payload)
}

func TestMutateLocalDoesNotWaitForBroadcast(t *testing.T) {
	w := newWorld()
	stall := stallingTransport{MemoryTransport: w.transport, release: make(chan struct{})}
	w.bus = stall
	ctx := context.Background()
	a := w.engine(t, "alice", 10)
	b := w.engine(t, "bob", 20)
	var releaseOnce sync.Once
	unstall := func() { releaseOnce.Do(func() { close(stall.release) }) }
	t.Cleanup(unstall)

	room := OpenRequest{ID: "r1", Title: "Poetry", Kind: string(conversation.KindSharedRoom)}
	_, err := a.coord.Open(ctx, room)
	require.NoError(t, err)
	a.flush(t)
	_, err = b.coord.Open(ctx, room)
	require.NoError(t, err)
	a.clock.Set(50)

	start := time.Now()
	first := a.say(t, "r1", "one", 50)
	second := a.say(t, "r1", "two", 51)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	v := a.view(t, "r1")
	assert.True(t, hasMessage(v, first.ID))
	assert.True(t, hasMessage(v, second.ID))

	unstall()
	require.Eventually(t, func() bool {
		v := b.view(t, "r1")
		return hasMessage(v, first.ID) && hasMessage(v, second.ID)
	}, 2*time.Second, 5*time.Millisecond)
}

// deafStore never reports changes, like a listener that missed its
// notifications.
type deafStore struct{ *replica.MemoryStore }

func (deafStore) OnChange(context.Context, string, func(replica.Record)) (func(), error) {
	return func() {}, nil
}

func TestResetByLaggingParticipantMovesEpochForward(t *testing.T) {
	w := newWorld()
	ctx := context.Background()
	a := w.engine(t, "alice", 10)
	b := w.engineWith(t, "bob", 20, deafStore{w.durable})

	room := OpenRequest{ID: "r1", Title: "Art", Kind: string(conversation.KindSharedRoom)}
	_, err := a.coord.Open(ctx, room)
	require.NoError(t, err)
	a.flush(t)
	_, err = b.coord.Open(ctx, room)
	require.NoError(t, err)
	b.flush(t)

	a.clock.Set(100)
	_, err = a.coord.Reset(ctx, "r1")
	require.NoError(t, err)
	a.clock.Set(200)
	_, err = a.coord.Reset(ctx, "r1")
	require.NoError(t, err)
	rec, err := w.durable.Get(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, int64(3), rec.Epoch)
	require.Equal(t, replica.FirstEpoch, b.view(t, "r1").Conversation.Epoch, "bob never heard of the resets")

	b.clock.Set(300)
	v, err := b.coord.Reset(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), v.Conversation.Epoch)
	rec, err = w.durable.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), rec.Epoch)

	// alice follows bob's reset and her writes keep landing
	require.Eventually(t, func() bool { return a.view(t, "r1").Conversation.Epoch == 4 }, 2*time.Second, 5*time.Millisecond)
	a.clock.Set(400)
	m := a.say(t, "r1", "after both resets", 400)
	a.flush(t)
	rec, err = w.durable.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), rec.Epoch)
	found := false
	for _, got := range rec.Messages {
		found = found || got.ID == m.ID
	}
	assert.True(t, found, "message written after the reset must be persisted")
}

func TestRemoteDeleteDropsConversation(t *testing.T) {
	w := newWorld()
	ctx := context.Background()
	a := w.engine(t, "alice", 10)
	b := w.engine(t, "bob", 20)
	room := OpenRequest{ID: "r1", Title: "Music", Kind: string(conversation.KindTopicRoom)}
	_, err := a.coord.Open(ctx, room)
	require.NoError(t, err)
	a.flush(t)
	_, err = b.coord.Open(ctx, room)
	require.NoError(t, err)
	b.flush(t)

	require.NoError(t, a.coord.Delete(ctx, "r1"))

	require.Eventually(t, func() bool { return !b.coord.IsOpen("r1") }, 2*time.Second, 5*time.Millisecond)
	_, err = b.store.View(ctx, "r1")
	assert.ErrorIs(t, err, ErrUnknownConversation)
	ids, err := b.index.List(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, ids)
	_, ok := b.horizons.Get(ctx, horizon.Key{ConversationID: "r1", ParticipantID: "bob"})
	assert.False(t, ok)
}
