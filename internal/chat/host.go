package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go-convsync/internal/broadcast"
	"go-convsync/internal/conversation"
	"go-convsync/internal/horizon"
	"go-convsync/internal/replica"
)

var ErrForbidden = errors.New("not a participant of this conversation")

// SnapshotStore keeps each participant's last exported engine state so a
// restarted process can resume without a cold replay.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, participantID string, snap conversation.Snapshot) error
	LoadSnapshot(ctx context.Context, participantID string) (conversation.Snapshot, bool, error)
}

type HostConfig struct {
	Durable   replica.DurableStore
	Transport broadcast.Transport
	Index     Index
	Horizons  horizon.Store
	Snapshots SnapshotStore
	Metrics   *Metrics
	Logger    *slog.Logger
	Retry     replica.RetryPolicy

	InboxSize      int
	TypingInterval time.Duration
	Now            func() time.Time
}

// Engine is one participant's conversation store plus everything feeding
// it.
type Engine struct {
	Self        broadcast.Member
	Store       *Store
	Coordinator *Coordinator
	Writer      *replica.Writer

	durable replica.DurableStore
	index   Index
	log     *slog.Logger
	// restored guards the one-time snapshot restore, which runs outside
	// the host lock.
	restored sync.Once
}

// Host owns one Engine per participant. The gateway asks it for the engine
// of whoever is calling.
type Host struct {
	cfg      HostConfig
	horizons *horizon.Tracker

	mu      sync.Mutex
	engines map[string]*Engine
	closed  bool
}

func NewHost(cfg HostConfig) *Host {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Index == nil {
		cfg.Index = NewMemoryIndex()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Host{
		cfg:      cfg,
		horizons: horizon.NewTracker(cfg.Horizons, cfg.Logger),
		engines:  make(map[string]*Engine),
	}
}

func (h *Host) Index() Index { return h.cfg.Index }

// Engine returns the participant's engine, starting it and restoring its
// last snapshot on first use. Only callers for the same participant wait
// for that restore.
func (h *Host) Engine(ctx context.Context, self broadcast.Member) (*Engine, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	e, ok := h.engines[self.ID]
	if !ok {
		e = h.newEngine(self)
		h.engines[self.ID] = e
	}
	h.mu.Unlock()

	e.restored.Do(func() { h.restore(context.WithoutCancel(ctx), e) })
	return e, nil
}

func (h *Host) newEngine(self broadcast.Member) *Engine {
	log := h.cfg.Logger.With("participant", self.ID)
	writer := replica.NewWriter(h.cfg.Durable, h.cfg.Retry, log)
	writer.OnOutcome(h.cfg.Metrics.durableWrite)
	store := NewStore(StoreConfig{
		Self:      self,
		Writer:    writer,
		Metrics:   h.cfg.Metrics,
		Logger:    log,
		InboxSize: h.cfg.InboxSize,
		Now:       h.cfg.Now,
	})
	coord := NewCoordinator(CoordinatorConfig{
		Store:          store,
		Durable:        h.cfg.Durable,
		Writer:         writer,
		Transport:      h.cfg.Transport,
		Horizons:       h.horizons,
		Index:          h.cfg.Index,
		Metrics:        h.cfg.Metrics,
		Logger:         log,
		Retry:          h.cfg.Retry,
		TypingInterval: h.cfg.TypingInterval,
		Now:            h.cfg.Now,
	})
	return &Engine{
		Self:        self,
		Store:       store,
		Coordinator: coord,
		Writer:      writer,
		durable:     h.cfg.Durable,
		index:       h.cfg.Index,
		log:         log,
	}
}

func (h *Host) restore(ctx context.Context, e *Engine) {
	log := e.log
	if h.cfg.Snapshots == nil {
		return
	}
	snap, ok, err := h.cfg.Snapshots.LoadSnapshot(ctx, e.Self.ID)
	if err != nil {
		log.Warn("engine snapshot unreadable, starting cold", "err", err)
		return
	}
	if !ok {
		return
	}
	for _, conv := range snap.Conversations {
		_, err := e.Coordinator.Open(ctx, OpenRequest{
			ID:           conv.ID,
			Title:        conv.Title,
			Kind:         string(conv.Kind),
			Participants: conv.Participants,
			Metadata:     conv.Metadata,
		})
		if err != nil {
			log.Warn("restored conversation not reopened", "conversation", conv.ID, "err", err)
		}
	}
	n, err := e.Store.Import(ctx, snap)
	if err != nil {
		log.Warn("engine snapshot import failed", "err", err)
		return
	}
	log.Info("engine restored from snapshot", "conversations", n, "saved_at", snap.SavedAt)
}

// Shutdown saves every engine's snapshot, then stops it.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	engines := make([]*Engine, 0, len(h.engines))
	for _, e := range h.engines {
		engines = append(engines, e)
	}
	h.engines = make(map[string]*Engine)
	h.mu.Unlock()
	sort.Slice(engines, func(i, j int) bool { return engines[i].Self.ID < engines[j].Self.ID })

	var errs []error
	for _, e := range engines {
		// waits for a restore still in flight
		e.restored.Do(func() {})
		if h.cfg.Snapshots != nil {
			snap, err := e.Store.Export(ctx)
			if err == nil {
				err = h.cfg.Snapshots.SaveSnapshot(ctx, e.Self.ID, snap)
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("snapshot %s: %w", e.Self.ID, err))
			}
		}
		if err := e.Coordinator.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", e.Self.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Ensure opens an existing conversation by id. Rooms can be joined by
// anyone; a private conversation only by a listed participant.
func (e *Engine) Ensure(ctx context.Context, id string) (View, error) {
	if e.Coordinator.IsOpen(id) {
		return e.Store.View(ctx, id)
	}
	rec, err := e.durable.Get(ctx, id)
	if errors.Is(err, replica.ErrNotFound) {
		return View{}, fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	if err != nil {
		return View{}, err
	}
	if !rec.Kind.IsRoom() && !contains(rec.Participants, e.Self.ID) {
		return View{}, ErrForbidden
	}
	return e.Coordinator.Open(ctx, OpenRequest{
		ID:           rec.ID,
		Title:        rec.Title,
		Kind:         string(rec.Kind),
		Participants: rec.Participants,
		Metadata:     rec.Metadata,
	})
}

// Conversations lists what the participant owns or joined, open or not.
func (e *Engine) Conversations(ctx context.Context) ([]string, error) {
	return e.index.List(ctx, e.Self.ID)
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
