package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"go-convsync/internal/broadcast"
	"go-convsync/internal/conversation"
	"go-convsync/internal/horizon"
	"go-convsync/internal/replica"
)

var (
	ErrClosed              = errors.New("conversation store closed")
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrUnknownMessage      = errors.New("unknown message")
)

const defaultInboxSize = 64

type StoreConfig struct {
	// Self is the participant this engine acts for.
	Self      broadcast.Member
	Writer    *replica.Writer
	Metrics   *Metrics
	Logger    *slog.Logger
	InboxSize int
	Now       func() time.Time
}

// Store is the merge engine. It is the only thing that mutates
// conversation state, one goroutine per open conversation.
type Store struct {
	self      broadcast.Member
	writer    *replica.Writer
	metrics   *Metrics
	log       *slog.Logger
	inboxSize int
	now       func() time.Time

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
}

func NewStore(cfg StoreConfig) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		self:      cfg.Self,
		writer:    cfg.Writer,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
		inboxSize: cfg.InboxSize,
		now:       cfg.Now,
		rooms:     make(map[string]*room),
	}
}

func (s *Store) Self() broadcast.Member { return s.self }

// open starts the merge queue for conv unless one is already running.
func (s *Store) open(conv conversation.Conversation, joinedAt int64) (*room, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	if r, ok := s.rooms[conv.ID]; ok {
		return r, false, nil
	}
	r := newRoom(conv.ID, s.inboxSize, s.now)
	s.rooms[conv.ID] = r
	go r.run(newRoomState(conv, joinedAt))
	s.metrics.roomOpened()
	return r, true, nil
}

func (s *Store) lookup(id string) (*room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	r, ok := s.rooms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	return r, nil
}

// drop stops the conversation's queue and forgets it.
func (s *Store) drop(id string) bool {
	s.mu.Lock()
	r, ok := s.rooms[id]
	delete(s.rooms, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	r.close()
	s.metrics.roomClosed()
	return true
}

// MutateLocal applies msg optimistically and returns the stored message.
// The durable write and the broadcast happen in the background and never
// fail the call.
func (s *Store) MutateLocal(ctx context.Context, id string, msg conversation.Message) (conversation.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = s.now().UnixMilli()
	}
	if err := msg.Validate(); err != nil {
		return conversation.Message{}, err
	}
	r, err := s.lookup(id)
	if err != nil {
		return conversation.Message{}, err
	}

	var (
		applied conversation.Message
		pub     publisher
	)
	err = r.do(ctx, func(st *roomState) {
		res := st.insert(msg, SourceLocal, s.metrics)
		if !res.Changed() {
			i, _, _ := conversation.Find(st.conv.Messages, msg)
			applied = st.conv.Messages[i].Clone()
			return
		}
		applied = msg.Clone()
		st.conv.UpdatedAt = s.now().UTC()
		s.submit(id, st.conv.Epoch, msg)
		pub = st.publisher
	})
	if err != nil {
		return conversation.Message{}, err
	}
	if pub != nil {
		pub.PublishMessage(ctx, applied)
	}
	return applied, nil
}

// Tombstone marks a message deleted in place. Only its author or a
// moderator role may do so; the gateway enforces who may call it.
func (s *Store) Tombstone(ctx context.Context, id, messageID string) (conversation.Message, error) {
	r, err := s.lookup(id)
	if err != nil {
		return conversation.Message{}, err
	}
	var (
		marked conversation.Message
		found  bool
		pub    publisher
	)
	err = r.do(ctx, func(st *roomState) {
		for i := range st.conv.Messages {
			if st.conv.Messages[i].ID != messageID {
				continue
			}
			found = true
			if st.conv.Messages[i].Deleted {
				marked = st.conv.Messages[i].Clone()
				return
			}
			marked = st.conv.Messages[i].Tombstone(s.now())
			st.insert(marked, SourceLocal, s.metrics)
			s.submit(id, st.conv.Epoch, marked)
			pub = st.publisher
			return
		}
	})
	if err != nil {
		return conversation.Message{}, err
	}
	if !found {
		return conversation.Message{}, fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	if pub != nil {
		pub.PublishMessage(ctx, marked)
	}
	return marked, nil
}

func (s *Store) submit(id string, epoch int64, msg conversation.Message) {
	if s.writer == nil {
		return
	}
	s.writer.Submit(id, replica.Patch{
		Epoch:  epoch,
		Append: []conversation.Message{msg},
		At:     s.now(),
	})
}

// IngestReplicaSnapshot queues a durable snapshot for merging. Snapshots
// for conversations that are not open are ignored.
func (s *Store) IngestReplicaSnapshot(id string, snap ReplicaSnapshot) {
	r, err := s.lookup(id)
	if err != nil {
		s.log.Debug("snapshot for closed conversation ignored", "conversation", id)
		return
	}
	r.post(func(st *roomState) {
		st.applySnapshot(snap, s.metrics)
	})
}

// IngestBroadcastEvent queues a live event for merging. Events that the
// local participant originated are discarded.
func (s *Store) IngestBroadcastEvent(id string, ev broadcast.Event) {
	if ev.Origin == s.self.ID {
		s.metrics.echoDropped(ev.Kind)
		return
	}
	r, err := s.lookup(id)
	if err != nil {
		s.log.Debug("event for closed conversation ignored", "conversation", id, "kind", ev.Kind)
		return
	}
	r.post(func(st *roomState) {
		st.applyEvent(ev, s.self.ID, s.metrics)
	})
}

// Subscribe calls fn with the current view and then after every change.
// fn runs on its own goroutine and only ever sees the latest view.
func (s *Store) Subscribe(id string, fn func(View)) (func(), error) {
	r, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return r.subscribe(fn), nil
}

func (s *Store) View(ctx context.Context, id string) (View, error) {
	r, err := s.lookup(id)
	if err != nil {
		return View{}, err
	}
	var v View
	err = r.do(ctx, func(st *roomState) { v = st.view(s.now()) })
	return v, err
}

// Conversations lists the ids of the open conversations.
func (s *Store) Conversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Export captures every open conversation through the versioned snapshot
// boundary.
func (s *Store) Export(ctx context.Context) (conversation.Snapshot, error) {
	var convs []conversation.Conversation
	for _, id := range s.Conversations() {
		v, err := s.View(ctx, id)
		if errors.Is(err, ErrUnknownConversation) {
			continue
		}
		if err != nil {
			return conversation.Snapshot{}, err
		}
		convs = append(convs, v.Conversation)
	}
	return conversation.NewSnapshot(s.self.ID, convs, s.now()), nil
}

// Import merges a previously exported snapshot into the open
// conversations. Conversations from an older epoch are skipped.
func (s *Store) Import(ctx context.Context, snap conversation.Snapshot) (int, error) {
	merged := 0
	for _, conv := range snap.Conversations {
		r, err := s.lookup(conv.ID)
		if errors.Is(err, ErrUnknownConversation) {
			continue
		}
		if err != nil {
			return merged, err
		}
		conv := conv
		err = r.do(ctx, func(st *roomState) {
			if conv.Epoch < st.conv.Epoch {
				s.metrics.staleSnapshot()
				return
			}
			if conv.Epoch > st.conv.Epoch {
				st.conv.Messages = nil
				st.conv.Epoch = conv.Epoch
				st.dirty = true
			}
			kept, dropped := horizon.Filter(st.horizon, conv.Messages)
			s.metrics.filtered(dropped)
			for _, msg := range kept {
				st.insert(msg, SourceImport, s.metrics)
			}
			merged++
		})
		if err != nil {
			return merged, err
		}
	}
	return merged, nil
}

func (s *Store) epoch(ctx context.Context, id string) (int64, error) {
	r, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	var epoch int64
	err = r.do(ctx, func(st *roomState) { epoch = st.conv.Epoch })
	return epoch, err
}

func (s *Store) setPublisher(ctx context.Context, id string, p publisher) error {
	r, err := s.lookup(id)
	if err != nil {
		return err
	}
	return r.do(ctx, func(st *roomState) { st.publisher = p })
}

// resetRoom replaces the conversation with the single initial message in
// one step, so no other queued merge can observe a half-reset state.
func (s *Store) resetRoom(ctx context.Context, id string, epoch int64, initial conversation.Message, joinedAt int64) error {
	r, err := s.lookup(id)
	if err != nil {
		return err
	}
	return r.do(ctx, func(st *roomState) { st.reset(epoch, initial, joinedAt) })
}

// Close stops every conversation queue.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	rooms := s.rooms
	s.rooms = make(map[string]*room)
	s.mu.Unlock()
	for _, r := range rooms {
		r.close()
		s.metrics.roomClosed()
	}
}
