package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"go-convsync/internal/broadcast"
	"go-convsync/internal/conversation"
	"go-convsync/internal/horizon"
	"go-convsync/internal/replica"
)

const (
	welcomeAssistantText = "Hi! Ask me anything about what you're studying."
	resetText            = "Conversation cleared. Let's start fresh."
	// resetPutAttempts bounds how often a reset re-reads the epoch after
	// losing to a concurrent reset.
	resetPutAttempts    = 3
	removedCheckTimeout = 5 * time.Second
)

type CoordinatorConfig struct {
	Store     *Store
	Durable   replica.DurableStore
	Listener  *replica.Listener
	Writer    *replica.Writer
	Transport broadcast.Transport
	Horizons  *horizon.Tracker
	Index     Index
	Metrics   *Metrics
	Logger    *slog.Logger
	// Retry paces re-attaching a replica listener that failed to attach.
	Retry          replica.RetryPolicy
	TypingInterval time.Duration
	Now            func() time.Time
}

type OpenRequest struct {
	ID           string         `json:"id,omitempty"`
	Title        string         `json:"title"`
	Kind         string         `json:"kind"`
	Participants []string       `json:"participants,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// attachment holds the live listeners of one open conversation.
type attachment struct {
	id string

	// serializes open, reset, delete and close of this conversation
	mu     sync.Mutex
	ready  bool
	closed bool

	replicaMu      sync.Mutex
	detachReplica  func()
	reattachCancel context.CancelFunc
	reattachDone   chan struct{}

	membership *broadcast.Membership
}

// Coordinator sequences the operations that touch more than one source:
// first join, reset, delete and teardown.
type Coordinator struct {
	store     *Store
	durable   replica.DurableStore
	listener  *replica.Listener
	writer    *replica.Writer
	transport broadcast.Transport
	horizons  *horizon.Tracker
	index     Index
	metrics   *Metrics
	log       *slog.Logger
	retry     replica.RetryPolicy
	typing    time.Duration
	now       func() time.Time

	mu   sync.Mutex
	open map[string]*attachment
	// drops tracks conversations being dropped after a remote delete.
	drops sync.WaitGroup
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Index == nil {
		cfg.Index = NewMemoryIndex()
	}
	if cfg.Horizons == nil {
		cfg.Horizons = horizon.NewTracker(nil, cfg.Logger)
	}
	if cfg.Listener == nil {
		cfg.Listener = replica.NewListener(cfg.Durable, cfg.Logger)
	}
	return &Coordinator{
		store:     cfg.Store,
		durable:   cfg.Durable,
		listener:  cfg.Listener,
		writer:    cfg.Writer,
		transport: cfg.Transport,
		horizons:  cfg.Horizons,
		index:     cfg.Index,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
		retry:     cfg.Retry,
		typing:    cfg.TypingInterval,
		now:       cfg.Now,
		open:      make(map[string]*attachment),
	}
}

func (c *Coordinator) Store() *Store { return c.store }

func (c *Coordinator) self() broadcast.Member { return c.store.Self() }

func (c *Coordinator) horizonKey(id string) horizon.Key {
	return horizon.Key{ConversationID: id, ParticipantID: c.self().ID}
}

func (c *Coordinator) claim(id string) *attachment {
	c.mu.Lock()
	defer c.mu.Unlock()
	att, ok := c.open[id]
	if !ok {
		att = &attachment{id: id}
		c.open[id] = att
	}
	return att
}

func (c *Coordinator) lookup(id string) (*attachment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	att, ok := c.open[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	return att, nil
}

func (c *Coordinator) release(id string) *attachment {
	c.mu.Lock()
	defer c.mu.Unlock()
	att := c.open[id]
	delete(c.open, id)
	return att
}

// IsOpen reports whether the conversation has live listeners here.
func (c *Coordinator) IsOpen(id string) bool {
	att, err := c.lookup(id)
	if err != nil {
		return false
	}
	att.mu.Lock()
	defer att.mu.Unlock()
	return att.ready
}

// Open makes a conversation live for the local participant. Opening an
// already open conversation only returns its view.
func (c *Coordinator) Open(ctx context.Context, req OpenRequest) (View, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	kind := conversation.ResolveKind(req.Kind, req.Participants)
	if req.Kind != "" {
		k, err := conversation.ParseKind(req.Kind)
		if err != nil {
			return View{}, err
		}
		kind = k
	}

	att := c.claim(req.ID)
	att.mu.Lock()
	defer att.mu.Unlock()
	if att.closed {
		return View{}, fmt.Errorf("%w: %s", ErrUnknownConversation, req.ID)
	}
	if att.ready {
		return c.store.View(ctx, req.ID)
	}

	self := c.self()
	now := c.now()
	log := c.log.With("conversation", req.ID, "participant", self.ID)

	// First join: the horizon must exist before any snapshot is merged.
	// The owner of a private conversation sees its whole history on every
	// device, everyone else only what was said after they arrived.
	joinAt := now
	if kind == conversation.KindPrivateAssistant {
		joinAt = time.UnixMilli(0)
	}
	joinedAt, firstJoin, err := c.horizons.Ensure(ctx, c.horizonKey(req.ID), joinAt)
	if err != nil {
		log.Warn("horizon unavailable, using join time", "err", err)
		joinedAt, firstJoin = joinAt.UnixMilli(), false
	}

	participants := append([]string(nil), req.Participants...)
	conv := conversation.Conversation{
		ID:           req.ID,
		Title:        req.Title,
		Kind:         kind,
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
		Metadata:     req.Metadata,
		Participants: participants,
		Epoch:        replica.FirstEpoch,
	}
	conv.AddParticipant(self.ID)
	if _, _, err := c.store.open(conv, joinedAt); err != nil {
		c.release(req.ID)
		return View{}, err
	}

	seed := replica.Seed{
		ID:           req.ID,
		Title:        req.Title,
		Kind:         kind,
		Participants: conv.Participants,
		Metadata:     req.Metadata,
		Initial:      conversation.NewSystemMessage(welcomeText(kind, req.Title), conversation.MessageKindWelcome, now),
		Epoch:        replica.FirstEpoch,
		At:           now,
	}
	c.attachReplica(ctx, att, seed)
	c.joinBroadcast(ctx, att)

	if err := c.index.Add(ctx, self.ID, req.ID); err != nil {
		log.Warn("owning index update failed", "err", err)
	}
	if kind.IsRoom() && c.writer != nil {
		c.writer.Submit(req.ID, replica.Patch{Participants: []string{self.ID}, At: now})
	}
	att.ready = true
	log.Info("conversation opened", "kind", kind, "first_join", firstJoin, "horizon", joinedAt)

	if firstJoin && kind.IsRoom() {
		notice := conversation.NewSystemMessage(displayName(self)+" joined", conversation.MessageKindJoin, now)
		if _, err := c.store.MutateLocal(ctx, req.ID, notice); err != nil {
			log.Warn("join notice not posted", "err", err)
		}
	}
	return c.store.View(ctx, req.ID)
}

// Reset clears a conversation down to one fresh system message. The steps
// run strictly in order: detach, replace, advance horizon, reset memory,
// re-attach.
func (c *Coordinator) Reset(ctx context.Context, id string) (View, error) {
	att, err := c.lookup(id)
	if err != nil {
		return View{}, err
	}
	att.mu.Lock()
	defer att.mu.Unlock()
	if att.closed || !att.ready {
		return View{}, fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	log := c.log.With("conversation", id, "participant", c.self().ID)

	current, err := c.store.View(ctx, id)
	if err != nil {
		return View{}, err
	}

	// 1. No snapshot may be delivered past this point.
	if c.writer != nil {
		if n := c.writer.Cancel(id); n > 0 {
			log.Debug("pending durable writes canceled for reset", "count", n)
		}
	}
	c.detachReplica(att)

	// 2. Full replace under an epoch past both the local and the durable
	// one; writes stamped with an older epoch are refused from now on.
	now := c.now()
	epoch := current.Conversation.Epoch
	if stored, err := c.durable.Get(ctx, id); err == nil && stored.Epoch > epoch {
		epoch = stored.Epoch
	}
	epoch++
	initial := conversation.NewSystemMessage(resetText, conversation.MessageKindReset, now)
	rec := replica.Record{Conversation: current.Conversation.Clone()}
	rec.Messages = []conversation.Message{initial}
	rec.Epoch = epoch
	rec.UpdatedAt = now.UTC()
	err = c.durable.Put(ctx, rec)
	for attempt := 1; errors.Is(err, replica.ErrStaleEpoch) && attempt < resetPutAttempts; attempt++ {
		stored, gerr := c.durable.Get(ctx, id)
		if gerr != nil {
			err = gerr
			break
		}
		epoch = stored.Epoch + 1
		rec.Epoch = epoch
		err = c.durable.Put(ctx, rec)
	}
	switch {
	case err == nil:
	case errors.Is(err, replica.ErrStaleEpoch):
		// The listener re-attached below adopts the newer epoch.
		log.Warn("reset lost to concurrent resets", "epoch", epoch)
	default:
		log.Warn("reset write failed, retrying in background", "err", err)
		if c.writer != nil {
			c.writer.Replace(rec)
		}
	}

	// 3.
	joinedAt, err := c.horizons.Advance(ctx, c.horizonKey(id), now)
	if err != nil {
		log.Warn("horizon advance failed", "err", err)
		joinedAt = now.UnixMilli()
	}

	// 4.
	if err := c.store.resetRoom(ctx, id, epoch, initial, joinedAt); err != nil {
		return View{}, err
	}

	// 5.
	c.attachReplica(ctx, att, replica.Seed{
		ID:           id,
		Title:        rec.Title,
		Kind:         rec.Kind,
		Participants: rec.Participants,
		Metadata:     rec.Metadata,
		Initial:      initial,
		Epoch:        epoch,
		At:           now,
	})
	log.Info("conversation reset", "epoch", epoch, "horizon", joinedAt)
	return c.store.View(ctx, id)
}

// Delete removes the conversation everywhere: listeners, durable record,
// memory, owning index and horizon.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	log := c.log.With("conversation", id, "participant", c.self().ID)
	if att := c.release(id); att != nil {
		att.mu.Lock()
		c.teardown(att)
		att.mu.Unlock()
	}
	if c.writer != nil {
		c.writer.Cancel(id)
	}
	if err := c.durable.Delete(ctx, id); err != nil {
		log.Warn("durable delete failed, retrying in background", "err", err)
		if c.writer != nil {
			c.writer.Remove(id)
		}
	}
	c.store.drop(id)
	if err := c.index.Forget(ctx, id); err != nil {
		log.Warn("owning index cleanup failed", "err", err)
	}
	c.horizons.Forget(ctx, c.horizonKey(id))
	log.Info("conversation deleted")
	return nil
}

// Close stops following a conversation without destroying anything.
func (c *Coordinator) Close(_ context.Context, id string) {
	att := c.release(id)
	if att == nil {
		return
	}
	att.mu.Lock()
	c.teardown(att)
	att.mu.Unlock()
	c.store.drop(id)
}

// Shutdown closes every conversation and drains pending durable writes
// until ctx expires.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.open))
	for id := range c.open {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.Close(ctx, id)
	}
	// every listener is detached, so no new drop can start
	c.drops.Wait()
	c.store.Close()
	if c.writer == nil {
		return nil
	}
	err := c.writer.Wait(ctx)
	c.writer.Close()
	return err
}

// Typing forwards the local participant's typing state to the room.
func (c *Coordinator) Typing(ctx context.Context, id string, typing bool) (bool, error) {
	att, err := c.lookup(id)
	if err != nil {
		return false, err
	}
	att.mu.Lock()
	m := att.membership
	att.mu.Unlock()
	if m == nil {
		return false, nil
	}
	return m.Typing(ctx, typing), nil
}

func (c *Coordinator) teardown(att *attachment) {
	att.closed = true
	c.detachReplica(att)
	if att.membership != nil {
		att.membership.Leave()
		att.membership = nil
	}
}

func (c *Coordinator) onSnapshot(id string) func(replica.Record) {
	return func(rec replica.Record) {
		if rec.Removed {
			// Closing detaches this listener and waits for this callback.
			c.drops.Add(1)
			go func() {
				defer c.drops.Done()
				c.dropRemoved(id)
			}()
			return
		}
		c.store.IngestReplicaSnapshot(id, SnapshotFromRecord(rec))
	}
}

// dropRemoved forgets locally a conversation deleted by someone else.
func (c *Coordinator) dropRemoved(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), removedCheckTimeout)
	defer cancel()
	log := c.log.With("conversation", id, "participant", c.self().ID)
	if _, err := c.durable.Get(ctx, id); !errors.Is(err, replica.ErrNotFound) {
		// recreated since, or the store cannot tell
		return
	}
	if c.writer != nil {
		c.writer.Cancel(id)
	}
	c.Close(ctx, id)
	if err := c.index.Remove(ctx, c.self().ID, id); err != nil {
		log.Warn("owning index cleanup failed", "err", err)
	}
	c.horizons.Forget(ctx, c.horizonKey(id))
	log.Info("conversation deleted elsewhere, dropped")
}

// attachReplica attaches the durable listener. When the store is down the
// conversation stays usable and a background loop keeps trying.
func (c *Coordinator) attachReplica(ctx context.Context, att *attachment, seed replica.Seed) {
	detach, err := c.listener.Attach(ctx, seed, c.onSnapshot(att.id))
	if err == nil {
		att.replicaMu.Lock()
		att.detachReplica = detach
		att.replicaMu.Unlock()
		return
	}
	c.log.Warn("replica attach failed, retrying in background", "conversation", att.id, "err", err)

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	att.replicaMu.Lock()
	att.reattachCancel, att.reattachDone = cancel, done
	att.replicaMu.Unlock()

	go func() {
		defer close(done)
		for attempt := 1; ; attempt++ {
			if sleepContext(loopCtx, c.retry.Delay(attempt)) != nil {
				return
			}
			detach, err := c.listener.Attach(loopCtx, seed, c.onSnapshot(att.id))
			if err != nil {
				c.log.Debug("replica reattach failed", "conversation", att.id, "attempt", attempt, "err", err)
				continue
			}
			att.replicaMu.Lock()
			if loopCtx.Err() != nil {
				att.replicaMu.Unlock()
				detach()
				return
			}
			att.detachReplica = detach
			att.replicaMu.Unlock()
			c.log.Info("replica listener reattached", "conversation", att.id, "attempts", attempt+1)
			return
		}
	}()
}

// detachReplica returns only once no snapshot callback can run any more.
func (c *Coordinator) detachReplica(att *attachment) {
	att.replicaMu.Lock()
	cancel, done := att.reattachCancel, att.reattachDone
	att.reattachCancel, att.reattachDone = nil, nil
	att.replicaMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	att.replicaMu.Lock()
	detach := att.detachReplica
	att.detachReplica = nil
	att.replicaMu.Unlock()
	if detach != nil {
		detach()
	}
}

func (c *Coordinator) joinBroadcast(ctx context.Context, att *attachment) {
	if c.transport == nil {
		return
	}
	id := att.id
	m, err := broadcast.Join(ctx, c.transport, id, c.self(), func(ev broadcast.Event) {
		c.store.IngestBroadcastEvent(id, ev)
	}, broadcast.Options{
		TypingInterval:   c.typing,
		Logger:           c.log,
		OnPublishFailure: c.metrics.publishFailed,
		OnEchoDropped:    c.metrics.echoDropped,
		Now:              c.now,
	})
	if err != nil {
		// Broadcast only lowers latency; the durable path still delivers.
		c.log.Warn("broadcast join failed", "conversation", id, "err", err)
		return
	}
	att.membership = m
	if err := c.store.setPublisher(ctx, id, m); err != nil {
		c.log.Warn("broadcast publisher not installed", "conversation", id, "err", err)
	}
}

func welcomeText(kind conversation.Kind, title string) string {
	if kind == conversation.KindPrivateAssistant || title == "" {
		return welcomeAssistantText
	}
	return "Welcome to " + title + "."
}

func displayName(m broadcast.Member) string {
	if m.Name != "" {
		return m.Name
	}
	return m.ID
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
