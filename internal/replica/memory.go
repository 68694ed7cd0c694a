package replica

import (
	"context"
	"sync"
	"time"
)

type Op string

const (
	OpCreate Op = "create"
	OpPut    Op = "put"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// WriteHook runs before every write. Returning an error fails the write,
// blocking in it delays the write.
type WriteHook func(ctx context.Context, op Op, id string) error

// MemoryStore is an in-process DurableStore. Records are stored encoded so
// callers never share memory with it.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string][]byte
	watchers map[string]map[uint64]func(Record)
	nextID   uint64
	hook     WriteHook

	// serializes notifications so watchers see revisions in order
	notifyMu sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string][]byte),
		watchers: make(map[string]map[uint64]func(Record)),
	}
}

func (s *MemoryStore) SetWriteHook(h WriteHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = h
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return decodeRecord(data)
}

func (s *MemoryStore) Create(ctx context.Context, rec Record) (bool, error) {
	if err := s.runHook(ctx, OpCreate, rec.ID); err != nil {
		return false, err
	}
	s.mu.Lock()
	if _, ok := s.records[rec.ID]; ok {
		s.mu.Unlock()
		return false, nil
	}
	rec.Revision = 1
	if err := s.storeLocked(rec); err != nil {
		s.mu.Unlock()
		return false, err
	}
	s.notifyUnlock(rec)
	return true, nil
}

func (s *MemoryStore) Put(ctx context.Context, rec Record) error {
	if err := s.runHook(ctx, OpPut, rec.ID); err != nil {
		return err
	}
	s.mu.Lock()
	if stored, ok := s.epochLocked(rec.ID); ok && stored > rec.Epoch {
		s.mu.Unlock()
		return ErrStaleEpoch
	}
	rec.Revision = s.revisionLocked(rec.ID) + 1
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	if err := s.storeLocked(rec); err != nil {
		s.mu.Unlock()
		return err
	}
	s.notifyUnlock(rec)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, patch Patch) error {
	if err := s.runHook(ctx, OpUpdate, id); err != nil {
		return err
	}
	s.mu.Lock()
	data, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	rec, err := decodeRecord(data)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	changed, err := patch.Apply(&rec)
	if err != nil || !changed {
		s.mu.Unlock()
		return err
	}
	rec.Revision++
	if err := s.storeLocked(rec); err != nil {
		s.mu.Unlock()
		return err
	}
	s.notifyUnlock(rec)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := s.runHook(ctx, OpDelete, id); err != nil {
		return err
	}
	s.mu.Lock()
	if _, ok := s.records[id]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.records, id)
	s.notifyUnlock(removedRecord(id))
	return nil
}

func (s *MemoryStore) OnChange(_ context.Context, id string, fn func(Record)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	wid := s.nextID
	if s.watchers[id] == nil {
		s.watchers[id] = make(map[uint64]func(Record))
	}
	s.watchers[id][wid] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.watchers[id], wid)
			if len(s.watchers[id]) == 0 {
				delete(s.watchers, id)
			}
		})
	}, nil
}

// Len reports how many records are stored.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *MemoryStore) runHook(ctx context.Context, op Op, id string) error {
	s.mu.Lock()
	h := s.hook
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	return h(ctx, op, id)
}

func (s *MemoryStore) revisionLocked(id string) int64 {
	data, ok := s.records[id]
	if !ok {
		return 0
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return 0
	}
	return rec.Revision
}

func (s *MemoryStore) epochLocked(id string) (int64, bool) {
	data, ok := s.records[id]
	if !ok {
		return 0, false
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return 0, false
	}
	return rec.Epoch, true
}

func (s *MemoryStore) storeLocked(rec Record) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	s.records[rec.ID] = data
	return nil
}

// notifyUnlock must be called with s.mu held; it releases it.
func (s *MemoryStore) notifyUnlock(rec Record) {
	fns := make([]func(Record), 0, len(s.watchers[rec.ID]))
	for _, fn := range s.watchers[rec.ID] {
		fns = append(fns, fn)
	}
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()
	for _, fn := range fns {
		fn(rec.Clone())
	}
}
