package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	postgresNotifyChannel    = "conversation_changes"
	postgresOperationTimeout = 5 * time.Second
	postgresListenRetryDelay = time.Second
	postgresListenMaxBackoff = 30 * time.Second
)

// PostgresStore keeps one JSONB record per conversation and announces every
// write with pg_notify so other processes can follow along.
type PostgresStore struct {
	pool    *pgxpool.Pool
	log     *slog.Logger
	channel string

	mu        sync.Mutex
	watchers  map[string]map[uint64]func(Record)
	nextID    uint64
	listening bool
	// ready is closed once the first LISTEN of the current loop succeeded.
	ready chan struct{}
	stop  context.CancelFunc
	done  chan struct{}
}

func NewPostgresStore(pool *pgxpool.Pool, log *slog.Logger) *PostgresStore {
	if log == nil {
		log = slog.Default()
	}
	return &PostgresStore{
		pool:     pool,
		log:      log,
		channel:  postgresNotifyChannel,
		watchers: make(map[string]map[uint64]func(Record)),
	}
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	return s.get(ctx, s.pool, id, false)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) get(ctx context.Context, q queryRower, id string, forUpdate bool) (Record, error) {
	query := "SELECT record, revision, epoch FROM conversations WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	var (
		payload  []byte
		revision int64
		epoch    int64
	)
	err := q.QueryRow(ctx, query, id).Scan(&payload, &revision, &epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("select conversation %s: %w", id, err)
	}
	rec, err := decodeRecord(payload)
	if err != nil {
		return Record{}, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	rec.Revision = revision
	if epoch > rec.Epoch {
		rec.Epoch = epoch
	}
	return rec, nil
}

func (s *PostgresStore) Create(ctx context.Context, rec Record) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	rec.Revision = 1
	payload, err := encodeRecord(rec)
	if err != nil {
		return false, err
	}
	created := false
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO conversations (id, record, revision, epoch, updated_at)
			VALUES ($1, $2, 1, $3, NOW())
			ON CONFLICT (id) DO NOTHING`, rec.ID, payload, rec.Epoch)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		created = true
		return s.notify(ctx, tx, rec.ID)
	})
	if err != nil {
		return false, fmt.Errorf("create conversation %s: %w", rec.ID, err)
	}
	return created, nil
}

func (s *PostgresStore) Put(ctx context.Context, rec Record) error {
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	payload, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO conversations (id, record, revision, epoch, updated_at)
			VALUES ($1, $2, 1, $3, NOW())
			ON CONFLICT (id)
			DO UPDATE SET record = EXCLUDED.record,
			              revision = conversations.revision + 1,
			              epoch = EXCLUDED.epoch,
			              updated_at = NOW()
			WHERE conversations.epoch <= EXCLUDED.epoch`, rec.ID, payload, rec.Epoch)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrStaleEpoch
		}
		return s.notify(ctx, tx, rec.ID)
	})
	if errors.Is(err, ErrStaleEpoch) {
		return err
	}
	if err != nil {
		return fmt.Errorf("put conversation %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, patch Patch) error {
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rec, err := s.get(ctx, tx, id, true)
		if err != nil {
			return err
		}
		changed, err := patch.Apply(&rec)
		if err != nil || !changed {
			return err
		}
		payload, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE conversations
			SET record = $2, revision = revision + 1, updated_at = NOW()
			WHERE id = $1`, id, payload); err != nil {
			return err
		}
		return s.notify(ctx, tx, id)
	})
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStaleEpoch) || errors.Is(err, ErrEpochAhead) {
		return err
	}
	if err != nil {
		return fmt.Errorf("update conversation %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, "DELETE FROM conversations WHERE id = $1", id)
		if err != nil || tag.RowsAffected() == 0 {
			return err
		}
		return s.notify(ctx, tx, id)
	})
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return nil
}

// OnChange returns once the shared LISTEN connection is established, so a
// change committed after it returns is never missed. ctx bounds only that
// wait.
func (s *PostgresStore) OnChange(ctx context.Context, id string, fn func(Record)) (func(), error) {
	s.mu.Lock()
	s.nextID++
	wid := s.nextID
	if s.watchers[id] == nil {
		s.watchers[id] = make(map[uint64]func(Record))
	}
	s.watchers[id][wid] = fn
	if !s.listening {
		lctx, cancel := context.WithCancel(context.Background())
		s.stop = cancel
		s.done = make(chan struct{})
		s.ready = make(chan struct{})
		s.listening = true
		go s.listen(lctx, s.done, s.ready)
	}
	ready := s.ready
	s.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.watchers[id], wid)
			if len(s.watchers[id]) == 0 {
				delete(s.watchers, id)
			}
		})
	}

	timer := time.NewTimer(postgresOperationTimeout)
	defer timer.Stop()
	select {
	case <-ready:
		return unsubscribe, nil
	case <-ctx.Done():
		unsubscribe()
		return nil, ctx.Err()
	case <-timer.C:
		unsubscribe()
		return nil, errors.New("postgres listen not established")
	}
}

// Close stops the LISTEN loop. The pool belongs to the caller.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.listening = false
	s.stop, s.done, s.ready = nil, nil, nil
	s.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
	return nil
}

func (s *PostgresStore) notify(ctx context.Context, tx pgx.Tx, id string) error {
	_, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", s.channel, id)
	return err
}

func (s *PostgresStore) listen(ctx context.Context, done, ready chan struct{}) {
	defer close(done)
	var readyOnce sync.Once
	connected := false
	delay := postgresListenRetryDelay
	for {
		err := s.listenOnce(ctx, func() {
			readyOnce.Do(func() { close(ready) })
			if connected {
				// Changes made while the connection was down were never
				// announced to us.
				s.resync(ctx)
			}
			connected = true
			delay = postgresListenRetryDelay
		})
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("postgres listen interrupted", "channel", s.channel, "err", err, "retry_in", delay)
		if waitWithContext(ctx, delay) != nil {
			return
		}
		delay *= 2
		if delay > postgresListenMaxBackoff {
			delay = postgresListenMaxBackoff
		}
	}
}

func (s *PostgresStore) listenOnce(ctx context.Context, established func()) error {
	pooled, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	// LISTEN state must not leak back into the pool.
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		return err
	}
	s.log.Debug("postgres listen established", "channel", s.channel)
	established()
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.dispatch(ctx, n.Payload)
	}
}

func (s *PostgresStore) resync(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.watchers))
	for id := range s.watchers {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.dispatch(ctx, id)
	}
}

func (s *PostgresStore) dispatch(ctx context.Context, id string) {
	s.mu.Lock()
	fns := make([]func(Record), 0, len(s.watchers[id]))
	for _, fn := range s.watchers[id] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	if len(fns) == 0 {
		return
	}
	rec, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		rec = removedRecord(id)
	} else if err != nil {
		s.log.Warn("reload after notify failed", "conversation", id, "err", err)
		return
	}
	for _, fn := range fns {
		fn(rec.Clone())
	}
}
