package chat

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"go-convsync/internal/broadcast"
	"go-convsync/internal/conversation"
	"go-convsync/internal/horizon"
	"go-convsync/internal/replica"
)

// typingTTL hides a typing indicator whose typing-stop was lost.
const typingTTL = 6 * time.Second

type Presence struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Since int64  `json:"since"`
}

// View is an immutable copy of one conversation as the local participant
// sees it.
type View struct {
	Conversation conversation.Conversation `json:"conversation"`
	Present      []Presence                `json:"present"`
	Typing       []string                  `json:"typing"`
	Horizon      int64                     `json:"horizon"`
	// Closed is set on the last view a subscriber receives.
	Closed bool `json:"closed,omitempty"`
}

// ReplicaSnapshot is what the durable listener hands to the merge engine.
type ReplicaSnapshot struct {
	Epoch        int64
	Revision     int64
	Title        string
	Participants []string
	Metadata     map[string]any
	Messages     []conversation.Message
}

func SnapshotFromRecord(rec replica.Record) ReplicaSnapshot {
	return ReplicaSnapshot{
		Epoch:        rec.Epoch,
		Revision:     rec.Revision,
		Title:        rec.Title,
		Participants: rec.Participants,
		Metadata:     rec.Metadata,
		Messages:     rec.Messages,
	}
}

type publisher interface {
	PublishMessage(ctx context.Context, msg conversation.Message)
}

// roomState is owned by the room goroutine and never touched elsewhere.
type roomState struct {
	conv      conversation.Conversation
	horizon   int64
	present   map[string]Presence
	typing    map[string]int64
	publisher publisher
	dirty     bool
}

func newRoomState(conv conversation.Conversation, joinedAt int64) *roomState {
	conv.Messages = conversation.Normalize(conv.Messages)
	return &roomState{
		conv:    conv,
		horizon: joinedAt,
		present: make(map[string]Presence),
		typing:  make(map[string]int64),
	}
}

func (st *roomState) insert(msg conversation.Message, src Source, m *Metrics) conversation.MergeResult {
	var res conversation.MergeResult
	st.conv.Messages, res = conversation.Insert(st.conv.Messages, msg)
	m.merged(src, res.String(), res == conversation.Inserted)
	if res.Changed() {
		st.dirty = true
	}
	return res
}

// applySnapshot merges a durable snapshot. Messages older than the horizon
// are dropped before dedup is even considered.
func (st *roomState) applySnapshot(snap ReplicaSnapshot, m *Metrics) bool {
	switch {
	case snap.Epoch < st.conv.Epoch:
		m.staleSnapshot()
		return false
	case snap.Epoch > st.conv.Epoch:
		// Reset by another process: nothing from the old epoch survives.
		st.conv.Messages = nil
		st.conv.Epoch = snap.Epoch
		st.dirty = true
	}

	kept, dropped := horizon.Filter(st.horizon, snap.Messages)
	m.filtered(dropped)
	for _, msg := range kept {
		st.insert(msg, SourceReplica, m)
	}
	if snap.Title != "" && snap.Title != st.conv.Title {
		st.conv.Title = snap.Title
		st.dirty = true
	}
	for _, p := range snap.Participants {
		if st.conv.AddParticipant(p) {
			st.dirty = true
		}
	}
	for k, v := range snap.Metadata {
		if old, ok := st.conv.Metadata[k]; ok && reflect.DeepEqual(old, v) {
			continue
		}
		if st.conv.Metadata == nil {
			st.conv.Metadata = make(map[string]any, len(snap.Metadata))
		}
		st.conv.Metadata[k] = v
		st.dirty = true
	}
	return st.dirty
}

func (st *roomState) applyEvent(ev broadcast.Event, self string, m *Metrics) {
	if ev.Origin == self {
		m.echoDropped(ev.Kind)
		return
	}
	switch ev.Kind {
	case broadcast.EventMessage:
		if ev.Message != nil {
			st.insert(*ev.Message, SourceBroadcast, m)
			delete(st.typing, ev.Origin)
		}
	case broadcast.EventTypingStart:
		st.typing[ev.Origin] = ev.At
		st.dirty = true
	case broadcast.EventTypingStop:
		if _, ok := st.typing[ev.Origin]; ok {
			delete(st.typing, ev.Origin)
			st.dirty = true
		}
	case broadcast.EventPresenceJoin:
		st.present[ev.Origin] = Presence{ID: ev.Origin, Name: ev.OriginName, Since: ev.At}
		st.dirty = true
	case broadcast.EventPresenceLeave:
		delete(st.present, ev.Origin)
		delete(st.typing, ev.Origin)
		st.dirty = true
	}
}

func (st *roomState) reset(epoch int64, initial conversation.Message, joinedAt int64) {
	st.conv.Messages = []conversation.Message{initial}
	st.conv.Epoch = epoch
	st.conv.UpdatedAt = time.UnixMilli(initial.CreatedAt).UTC()
	if joinedAt > st.horizon {
		st.horizon = joinedAt
	}
	st.typing = make(map[string]int64)
	st.dirty = true
}

func (st *roomState) view(now time.Time) View {
	v := View{
		Conversation: st.conv.Clone(),
		Present:      make([]Presence, 0, len(st.present)),
		Typing:       make([]string, 0, len(st.typing)),
		Horizon:      st.horizon,
	}
	for _, p := range st.present {
		v.Present = append(v.Present, p)
	}
	sort.Slice(v.Present, func(i, j int) bool { return v.Present[i].ID < v.Present[j].ID })
	cutoff := now.Add(-typingTTL).UnixMilli()
	for id, at := range st.typing {
		if at >= cutoff {
			v.Typing = append(v.Typing, id)
		}
	}
	sort.Strings(v.Typing)
	return v
}

// room is the serialized merge queue of one conversation.
type room struct {
	id    string
	inbox chan func(*roomState)
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
	now   func() time.Time

	subMu   sync.Mutex
	subs    map[uint64]*subscriber
	nextSub uint64
	last    *View
}

func newRoom(id string, inboxSize int, now func() time.Time) *room {
	return &room{
		id:    id,
		inbox: make(chan func(*roomState), inboxSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		now:   now,
		subs:  make(map[uint64]*subscriber),
	}
}

func (r *room) run(st *roomState) {
	defer close(r.done)
	r.fanout(st.view(r.now()))
	for {
		select {
		case <-r.stop:
			final := st.view(r.now())
			final.Closed = true
			r.fanout(final)
			return
		case op := <-r.inbox:
			op(st)
			if st.dirty {
				st.dirty = false
				r.fanout(st.view(r.now()))
			}
		}
	}
}

// do runs fn on the room goroutine and waits for it. ctx only bounds the
// wait for a free inbox slot.
func (r *room) do(ctx context.Context, fn func(*roomState)) error {
	finished := make(chan struct{})
	op := func(st *roomState) {
		fn(st)
		close(finished)
	}
	select {
	case r.inbox <- op:
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	// Once queued, fn runs unless the room closes first, so the result
	// must not depend on ctx any more.
	select {
	case <-finished:
		return nil
	case <-r.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// post queues fn without waiting for it. It blocks while the inbox is full.
func (r *room) post(fn func(*roomState)) bool {
	select {
	case r.inbox <- fn:
		return true
	case <-r.done:
		return false
	}
}

func (r *room) close() {
	r.once.Do(func() { close(r.stop) })
	<-r.done
}

func (r *room) subscribe(fn func(View)) func() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.nextSub++
	id := r.nextSub
	sub := newSubscriber(fn)
	r.subs[id] = sub
	if r.last != nil {
		sub.offer(*r.last)
	}
	go sub.loop()
	return func() {
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
		sub.cancel()
	}
}

func (r *room) fanout(v View) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.last = &v
	for _, sub := range r.subs {
		sub.offer(v)
	}
}

// subscriber delivers views off the room goroutine, keeping only the
// newest undelivered one.
type subscriber struct {
	fn    func(View)
	mu    sync.Mutex
	next  *View
	ready chan struct{}
	stop  chan struct{}
	once  sync.Once
}

func newSubscriber(fn func(View)) *subscriber {
	return &subscriber{
		fn:    fn,
		ready: make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
}

func (s *subscriber) offer(v View) {
	s.mu.Lock()
	s.next = &v
	s.mu.Unlock()
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *subscriber) cancel() {
	s.once.Do(func() { close(s.stop) })
}

func (s *subscriber) loop() {
	for {
		select {
		case <-s.stop:
			return
		case <-s.ready:
		}
		s.mu.Lock()
		v := s.next
		s.next = nil
		s.mu.Unlock()
		if v == nil {
			continue
		}
		s.fn(*v)
		if v.Closed {
			return
		}
	}
}
