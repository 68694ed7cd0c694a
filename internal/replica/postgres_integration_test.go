package replica

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-convsync/internal/conversation"
	"go-convsync/internal/db"
)

func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("CONVSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set CONVSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.Migrate(ctx, pool))

	s := NewPostgresStore(pool, quietLogger())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresStoreLifecycle(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	id := "it-" + uuid.NewString()
	t.Cleanup(func() { _ = s.Delete(context.Background(), id) })

	created, err := s.Create(ctx, seedFor(id).Record())
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.Create(ctx, seedFor(id).Record())
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, s.Update(ctx, id, Patch{Append: []conversation.Message{userMsg("m1", "hi", 2_000)}}))
	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Len(t, rec.Messages, 2)
	assert.Equal(t, int64(2), rec.Revision)

	rec.Epoch = 2
	rec.Messages = rec.Messages[:1]
	require.NoError(t, s.Put(ctx, rec))

	err = s.Update(ctx, id, Patch{Epoch: 1, Append: []conversation.Message{userMsg("m2", "x", 3_000)}})
	assert.ErrorIs(t, err, ErrStaleEpoch)
	err = s.Update(ctx, id, Patch{Epoch: 9, Append: []conversation.Message{userMsg("m3", "y", 3_000)}})
	assert.ErrorIs(t, err, ErrEpochAhead)

	rec, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Epoch)
	assert.Len(t, rec.Messages, 1)

	require.NoError(t, s.Delete(ctx, id))
	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStoreNotifiesListeners(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	id := "it-" + uuid.NewString()
	t.Cleanup(func() { _ = s.Delete(context.Background(), id) })

	snaps := make(chan Record, 8)
	detach, err := NewListener(s, quietLogger()).Attach(ctx, seedFor(id), func(r Record) { snaps <- r })
	require.NoError(t, err)
	defer detach()
	<-snaps

	// LISTEN is already established when Attach returns.
	require.NoError(t, s.Update(ctx, id, Patch{Append: []conversation.Message{userMsg("m1", "hi", 2_000)}}))

	select {
	case rec := <-snaps:
		assert.Len(t, rec.Messages, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification received")
	}

	require.NoError(t, s.Delete(ctx, id))
	select {
	case rec := <-snaps:
		assert.True(t, rec.Removed)
	case <-time.After(5 * time.Second):
		t.Fatal("no removal received")
	}
}

func TestPostgresStoreOnChangeCatchesImmediateWrite(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	id := "it-" + uuid.NewString()
	t.Cleanup(func() { _ = s.Delete(context.Background(), id) })
	_, err := s.Create(ctx, seedFor(id).Record())
	require.NoError(t, err)

	got := make(chan Record, 4)
	unsub, err := s.OnChange(ctx, id, func(r Record) { got <- r })
	require.NoError(t, err)
	defer unsub()
	require.NoError(t, s.Update(ctx, id, Patch{Append: []conversation.Message{userMsg("m1", "first", 2_000)}}))

	select {
	case rec := <-got:
		assert.Len(t, rec.Messages, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("write issued right after OnChange was missed")
	}
}

func TestPostgresStorePutRefusesOlderEpoch(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	id := "it-" + uuid.NewString()
	t.Cleanup(func() { _ = s.Delete(context.Background(), id) })

	rec := seedFor(id).Record()
	rec.Epoch = 3
	require.NoError(t, s.Put(ctx, rec))
	rec.Epoch = 2
	assert.ErrorIs(t, s.Put(ctx, rec), ErrStaleEpoch)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Epoch)
}
