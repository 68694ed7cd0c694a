package horizon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-convsync/internal/conversation"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnsureCreatesOnce(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(NewMemoryStore(), quietLogger())
	key := Key{ConversationID: "c1", ParticipantID: "u1"}

	v, created, err := tr.Ensure(ctx, key, time.UnixMilli(150))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(150), v)

	v, created, err = tr.Ensure(ctx, key, time.UnixMilli(999))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(150), v)
}

func TestHorizonSurvivesNewTracker(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	key := Key{ConversationID: "c1", ParticipantID: "u1"}

	_, _, err := NewTracker(store, quietLogger()).Ensure(ctx, key, time.UnixMilli(50))
	require.NoError(t, err)

	// reconnect: a fresh tracker over the same store keeps the join time
	v, created, err := NewTracker(store, quietLogger()).Ensure(ctx, key, time.UnixMilli(500))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(50), v)
}

func TestAdvanceNeverDecreases(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(nil, quietLogger())
	key := Key{ConversationID: "c1", ParticipantID: "u1"}

	_, _, err := tr.Ensure(ctx, key, time.UnixMilli(100))
	require.NoError(t, err)

	v, err := tr.Advance(ctx, key, time.UnixMilli(300))
	require.NoError(t, err)
	assert.Equal(t, int64(300), v)

	v, err = tr.Advance(ctx, key, time.UnixMilli(200))
	require.NoError(t, err)
	assert.Equal(t, int64(300), v)

	got, ok := tr.Get(ctx, key)
	assert.True(t, ok)
	assert.Equal(t, int64(300), got)
}

func TestForget(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tr := NewTracker(store, quietLogger())
	key := Key{ConversationID: "c1", ParticipantID: "u1"}

	_, _, _ = tr.Ensure(ctx, key, time.UnixMilli(100))
	tr.Forget(ctx, key)

	_, ok := tr.Get(ctx, key)
	assert.False(t, ok)
	_, ok, _ = store.Load(ctx, key)
	assert.False(t, ok)
}

type failingStore struct{ *MemoryStore }

func (f *failingStore) Save(context.Context, Key, int64) error { return errors.New("disk full") }

func TestEnsureEnforcesWhenSaveFails(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(&failingStore{MemoryStore: NewMemoryStore()}, quietLogger())
	key := Key{ConversationID: "c1", ParticipantID: "u1"}

	v, created, err := tr.Ensure(ctx, key, time.UnixMilli(100))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(100), v)

	got, ok := tr.Get(ctx, key)
	assert.True(t, ok)
	assert.Equal(t, int64(100), got)
}

func TestFilter(t *testing.T) {
	msgs := []conversation.Message{
		{ID: "old", CreatedAt: 100},
		{ID: "edge", CreatedAt: 150},
		{ID: "new", CreatedAt: 200},
	}
	kept, dropped := Filter(150, msgs)
	assert.Equal(t, 1, dropped)
	require.Len(t, kept, 2)
	assert.Equal(t, "edge", kept[0].ID)
	assert.Equal(t, "new", kept[1].ID)
}
