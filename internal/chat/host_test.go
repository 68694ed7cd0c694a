package chat

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-convsync/internal/broadcast"
	"go-convsync/internal/conversation"
	"go-convsync/internal/horizon"
	"go-convsync/internal/localdb"
	"go-convsync/internal/replica"
)

func TestHostRestoresEngineFromSnapshot(t *testing.T) {
	ctx := context.Background()
	local, err := localdb.Open(filepath.Join(t.TempDir(), "local"))
	require.NoError(t, err)
	defer local.Close()

	durable := replica.NewMemoryStore()
	newHost := func() *Host {
		return NewHost(HostConfig{
			Durable:   durable,
			Transport: broadcast.NewMemoryTransport(),
			Horizons:  local,
			Snapshots: local,
			Logger:    quietLogger(),
			Retry:     replica.RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Window: time.Second},
		})
	}
	ada := broadcast.Member{ID: "ada", Name: "Ada"}

	host := newHost()
	e, err := host.Engine(ctx, ada)
	require.NoError(t, err)
	same, err := host.Engine(ctx, ada)
	require.NoError(t, err)
	assert.Same(t, e, same)

	_, err = e.Coordinator.Open(ctx, OpenRequest{ID: "r1", Title: "Chemistry", Kind: "shared-room"})
	require.NoError(t, err)
	msg, err := e.Store.MutateLocal(ctx, "r1", conversation.NewMessage(conversation.Participant("ada", "Ada"), conversation.Text("notes"), time.Now()))
	require.NoError(t, err)
	require.NoError(t, host.Shutdown(ctx))

	_, err = host.Engine(ctx, ada)
	assert.ErrorIs(t, err, ErrClosed)

	joinedAt, ok, err := local.Load(ctx, horizon.Key{ConversationID: "r1", ParticipantID: "ada"})
	require.NoError(t, err)
	require.True(t, ok)

	restarted := newHost()
	defer restarted.Shutdown(ctx)
	e2, err := restarted.Engine(ctx, ada)
	require.NoError(t, err)
	assert.True(t, e2.Coordinator.IsOpen("r1"))
	v, err := e2.Store.View(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, hasMessage(v, msg.ID))
	assert.Equal(t, joinedAt, v.Horizon, "the horizon survives a restart")
}

func TestEngineEnsureChecksAccess(t *testing.T) {
	ctx := context.Background()
	host := NewHost(HostConfig{
		Durable:   replica.NewMemoryStore(),
		Transport: broadcast.NewMemoryTransport(),
		Logger:    quietLogger(),
	})
	defer host.Shutdown(ctx)

	owner, err := host.Engine(ctx, broadcast.Member{ID: "owner", Name: "Owner"})
	require.NoError(t, err)
	_, err = owner.Coordinator.Open(ctx, OpenRequest{ID: "p1", Kind: "private-assistant"})
	require.NoError(t, err)
	_, err = owner.Coordinator.Open(ctx, OpenRequest{ID: "room", Kind: "topic-room"})
	require.NoError(t, err)

	guest, err := host.Engine(ctx, broadcast.Member{ID: "guest", Name: "Guest"})
	require.NoError(t, err)
	_, err = guest.Ensure(ctx, "p1")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = guest.Ensure(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownConversation)

	v, err := guest.Ensure(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, conversation.KindTopicRoom, v.Conversation.Kind)

	ids, err := guest.Conversations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"room"}, ids)
}

func TestMetricsCountMergeOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	store := NewStore(StoreConfig{Self: broadcast.Member{ID: "ada", Name: "Ada"}, Metrics: m, Logger: quietLogger()})
	defer store.Close()
	_, _, err := store.open(conversation.Conversation{ID: "c", Kind: conversation.KindSharedRoom, Epoch: replica.FirstEpoch}, 100)
	require.NoError(t, err)

	fresh := conversation.NewMessage(conversation.Participant("bob", "Bob"), conversation.Text("hi"), time.UnixMilli(200))
	old := conversation.NewMessage(conversation.Participant("bob", "Bob"), conversation.Text("before"), time.UnixMilli(50))
	store.IngestReplicaSnapshot("c", ReplicaSnapshot{Epoch: replica.FirstEpoch, Messages: []conversation.Message{old, fresh}})
	store.IngestBroadcastEvent("c", broadcast.Event{Kind: broadcast.EventMessage, Origin: "bob", Message: &fresh})
	store.IngestBroadcastEvent("c", broadcast.Event{Kind: broadcast.EventMessage, Origin: "ada", Message: &fresh})
	store.IngestReplicaSnapshot("c", ReplicaSnapshot{Epoch: 0, Messages: []conversation.Message{fresh}})

	// View goes through the same queue, so everything above has been applied.
	_, err = store.View(context.Background(), "c")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.applied.WithLabelValues(string(SourceReplica))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deduplicated.WithLabelValues(string(SourceBroadcast), conversation.DuplicateID.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.horizonFiltered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.echoesDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.staleSnapshots))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.openRooms))
}

type slowSnapshots struct {
	slowID  string
	entered chan struct{}
	release chan struct{}
}

func (s *slowSnapshots) SaveSnapshot(context.Context, string, conversation.Snapshot) error { return nil }

func (s *slowSnapshots) LoadSnapshot(_ context.Context, participantID string) (conversation.Snapshot, bool, error) {
	if participantID == s.slowID {
		close(s.entered)
		<-s.release
	}
	return conversation.Snapshot{}, false, nil
}

func TestHostRestoreDoesNotBlockOtherParticipants(t *testing.T) {
	ctx := context.Background()
	snaps := &slowSnapshots{slowID: "slow", entered: make(chan struct{}), release: make(chan struct{})}
	host := NewHost(HostConfig{
		Durable:   replica.NewMemoryStore(),
		Transport: broadcast.NewMemoryTransport(),
		Snapshots: snaps,
		Logger:    quietLogger(),
	})
	defer host.Shutdown(ctx)

	slowDone := make(chan *Engine, 1)
	go func() {
		e, err := host.Engine(ctx, broadcast.Member{ID: "slow", Name: "Slow"})
		assert.NoError(t, err)
		slowDone <- e
	}()
	<-snaps.entered

	fastDone := make(chan struct{})
	go func() {
		defer close(fastDone)
		_, err := host.Engine(ctx, broadcast.Member{ID: "fast", Name: "Fast"})
		assert.NoError(t, err)
	}()
	select {
	case <-fastDone:
	case <-time.After(time.Second):
		close(snaps.release)
		t.Fatal("another participant's restore held up the host")
	}

	select {
	case <-slowDone:
		t.Fatal("engine handed out before its restore finished")
	default:
	}
	close(snaps.release)
	e := <-slowDone
	assert.Equal(t, "slow", e.Self.ID)
}
