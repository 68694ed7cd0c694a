// Package horizon records when a participant joined a conversation and
// filters replayed history that predates it.
package horizon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go-convsync/internal/conversation"
)

type Key struct {
	ConversationID string
	ParticipantID  string
}

func (k Key) String() string {
	return k.ConversationID + "/" + k.ParticipantID
}

// Store persists join timestamps (unix millis). Load reports ok=false for
// a participant that never joined.
type Store interface {
	Load(ctx context.Context, key Key) (joinedAt int64, ok bool, err error)
	Save(ctx context.Context, key Key, joinedAt int64) error
	Delete(ctx context.Context, key Key) error
}

type Tracker struct {
	store Store
	log   *slog.Logger

	mu    sync.Mutex
	cache map[Key]int64
}

func NewTracker(store Store, log *slog.Logger) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		store: store,
		log:   log,
		cache: make(map[Key]int64),
	}
}

// Ensure returns the participant's horizon, creating it at `at` on first
// join. created is true only for the call that created it.
func (t *Tracker) Ensure(ctx context.Context, key Key, at time.Time) (joinedAt int64, created bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if v, ok := t.cache[key]; ok {
		return v, false, nil
	}
	v, ok, err := t.store.Load(ctx, key)
	if err != nil {
		return 0, false, fmt.Errorf("load horizon %s: %w", key, err)
	}
	if ok {
		t.cache[key] = v
		return v, false, nil
	}
	v = at.UnixMilli()
	if err := t.store.Save(ctx, key, v); err != nil {
		// Still enforce it for this session.
		t.log.Warn("horizon save failed", "key", key.String(), "err", err)
	}
	t.cache[key] = v
	return v, true, nil
}

// Get returns the cached or stored horizon without creating one.
func (t *Tracker) Get(ctx context.Context, key Key) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.cache[key]; ok {
		return v, true
	}
	v, ok, err := t.store.Load(ctx, key)
	if err != nil {
		t.log.Warn("horizon load failed", "key", key.String(), "err", err)
		return 0, false
	}
	if ok {
		t.cache[key] = v
	}
	return v, ok
}

// Advance moves the horizon forward to `at`. It never moves backwards.
func (t *Tracker) Advance(ctx context.Context, key Key, at time.Time) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := at.UnixMilli()
	cur, ok := t.cache[key]
	if !ok {
		v, found, err := t.store.Load(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("load horizon %s: %w", key, err)
		}
		if found {
			cur, ok = v, true
		}
	}
	if ok && cur >= next {
		t.cache[key] = cur
		return cur, nil
	}
	t.cache[key] = next
	if err := t.store.Save(ctx, key, next); err != nil {
		t.log.Warn("horizon save failed", "key", key.String(), "err", err)
	}
	return next, nil
}

func (t *Tracker) Forget(ctx context.Context, key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cache, key)
	if err := t.store.Delete(ctx, key); err != nil {
		t.log.Warn("horizon delete failed", "key", key.String(), "err", err)
	}
}

// Filter drops messages created before joinedAt.
func Filter(joinedAt int64, msgs []conversation.Message) (kept []conversation.Message, dropped int) {
	kept = make([]conversation.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.CreatedAt < joinedAt {
			dropped++
			continue
		}
		kept = append(kept, m)
	}
	return kept, dropped
}

type MemoryStore struct {
	mu   sync.Mutex
	data map[Key]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[Key]int64)}
}

func (s *MemoryStore) Load(_ context.Context, key Key) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, key Key, joinedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = joinedAt
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}
