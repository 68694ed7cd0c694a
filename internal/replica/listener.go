package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go-convsync/internal/conversation"
)

// Seed describes the record to create when a listener attaches to a
// conversation that does not exist yet.
type Seed struct {
	ID           string
	Title        string
	Kind         conversation.Kind
	Participants []string
	Metadata     map[string]any
	Initial      conversation.Message
	Epoch        int64
	At           time.Time
}

func (s Seed) Record() Record {
	at := s.At
	if at.IsZero() {
		at = time.Now()
	}
	rec := Record{Conversation: conversation.Conversation{
		ID:           s.ID,
		Title:        s.Title,
		Kind:         s.Kind,
		CreatedAt:    at.UTC(),
		UpdatedAt:    at.UTC(),
		Participants: append([]string(nil), s.Participants...),
		Metadata:     s.Metadata,
		Epoch:        s.Epoch,
	}}
	if rec.Epoch < FirstEpoch {
		rec.Epoch = FirstEpoch
	}
	if s.Initial.ID != "" {
		rec.Messages = []conversation.Message{s.Initial}
	}
	return rec
}

// Listener keeps a conversation's in-memory copy fed with durable
// snapshots.
type Listener struct {
	store DurableStore
	log   *slog.Logger
}

func NewListener(store DurableStore, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{store: store, log: log}
}

// Attach subscribes to seed.ID, creating the record from seed when absent,
// and delivers the current snapshot followed by every later one to
// onSnapshot. Snapshots that pile up while onSnapshot is busy are
// coalesced to the latest. A deleted record is delivered as a Removed
// record.
//
// The returned detach function is idempotent. Once it returns, onSnapshot
// is not running and will never be called again.
func (l *Listener) Attach(ctx context.Context, seed Seed, onSnapshot func(Record)) (func(), error) {
	if seed.ID == "" {
		return nil, errors.New("attach: empty conversation id")
	}
	lctx, cancel := context.WithCancel(context.Background())
	box := newMailbox()

	// Subscribe before the first read so no change can slip between them.
	unsub, err := l.store.OnChange(ctx, seed.ID, box.offer)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("attach %s: %w", seed.ID, err)
	}
	rec, err := l.fetchOrCreate(ctx, seed)
	if err != nil {
		unsub()
		cancel()
		return nil, fmt.Errorf("attach %s: %w", seed.ID, err)
	}
	box.offer(rec)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-lctx.Done():
				return
			case <-box.ready:
			}
			next, ok := box.take()
			if !ok || lctx.Err() != nil {
				continue
			}
			next.Messages = conversation.Normalize(next.Messages)
			onSnapshot(next)
		}
	}()

	var once sync.Once
	detach := func() {
		once.Do(func() {
			unsub()
			cancel()
			wg.Wait()
			l.log.Debug("replica listener detached", "conversation", seed.ID)
		})
	}
	l.log.Debug("replica listener attached", "conversation", seed.ID, "revision", rec.Revision)
	return detach, nil
}

func (l *Listener) fetchOrCreate(ctx context.Context, seed Seed) (Record, error) {
	rec, err := l.store.Get(ctx, seed.ID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Record{}, err
	}
	fresh := seed.Record()
	created, err := l.store.Create(ctx, fresh)
	if err != nil {
		return Record{}, err
	}
	if created {
		l.log.Info("conversation record created", "conversation", seed.ID, "kind", seed.Kind)
		fresh.Revision = 1
		return fresh, nil
	}
	// lost the race to another creator
	return l.store.Get(ctx, seed.ID)
}

// mailbox holds at most one pending record; newer offers replace older ones.
type mailbox struct {
	mu      sync.Mutex
	pending *Record
	ready   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) offer(rec Record) {
	m.mu.Lock()
	if m.pending == nil || rec.Removed || rec.Revision >= m.pending.Revision || rec.Epoch > m.pending.Epoch {
		m.pending = &rec
	}
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return Record{}, false
	}
	rec := *m.pending
	m.pending = nil
	return rec, true
}
