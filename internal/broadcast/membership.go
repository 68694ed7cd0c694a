package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"go-convsync/internal/conversation"
)

const (
	DefaultTypingInterval = 2 * time.Second
	DefaultQueueSize      = 256
	publishTimeout        = 5 * time.Second
	leaveTimeout          = 2 * time.Second
)

// ErrQueueFull is reported for events dropped because the outbound queue
// was full.
var ErrQueueFull = errors.New("broadcast queue full")

// Member identifies the local participant on a channel.
type Member struct {
	ID   string
	Name string
}

type Options struct {
	// TypingInterval is the minimum gap between two typing-start events.
	TypingInterval time.Duration
	// QueueSize bounds the events waiting to be emitted.
	QueueSize int
	Logger    *slog.Logger
	// OnPublishFailure is called for every event the transport refused.
	OnPublishFailure func(kind EventKind, err error)
	// OnEchoDropped is called for every inbound event that originated here.
	OnEchoDropped func(kind EventKind)
	Now           func() time.Time
}

// Membership is the local participant's presence on one conversation's
// channel.
type Membership struct {
	conversationID string
	self           Member
	handle         Handle
	opts           Options
	log            *slog.Logger
	typing         *rate.Limiter

	// out is drained by a single goroutine, so events leave in the order
	// they were published and never on the publisher's goroutine.
	mu      sync.Mutex
	out     chan Event
	stopped bool
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	left      atomic.Bool
	leaveOnce sync.Once
}

// Join subscribes to the conversation's channel and announces presence.
// sink receives every inbound event except those the local participant
// published.
func Join(ctx context.Context, t Transport, conversationID string, self Member, sink func(Event), opts Options) (*Membership, error) {
	if self.ID == "" {
		return nil, fmt.Errorf("join %s: empty participant id", conversationID)
	}
	if opts.TypingInterval <= 0 {
		opts.TypingInterval = DefaultTypingInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	handle, err := t.Subscribe(ctx, ChannelName(conversationID))
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", conversationID, err)
	}
	m := &Membership{
		conversationID: conversationID,
		self:           self,
		handle:         handle,
		opts:           opts,
		log:            opts.Logger.With("conversation", conversationID, "participant", self.ID),
		typing:         rate.NewLimiter(rate.Every(opts.TypingInterval), 1),
		out:            make(chan Event, opts.QueueSize),
		done:           make(chan struct{}),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	go m.drain()
	for _, kind := range EventKinds {
		kind := kind
		handle.On(string(kind), func(payload json.RawMessage) {
			m.receive(kind, payload, sink)
		})
	}
	m.Publish(ctx, Event{Kind: EventPresenceJoin})
	return m, nil
}

func (m *Membership) receive(kind EventKind, payload json.RawMessage, sink func(Event)) {
	if m.left.Load() {
		return
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		m.log.Warn("dropping undecodable event", "kind", kind, "err", err)
		return
	}
	ev.Kind = kind
	if ev.ConversationID == "" {
		ev.ConversationID = m.conversationID
	}
	if ev.Origin == m.self.ID {
		if m.opts.OnEchoDropped != nil {
			m.opts.OnEchoDropped(kind)
		}
		return
	}
	if kind == EventMessage {
		if ev.Message == nil {
			m.log.Warn("dropping message event without message", "origin", ev.Origin)
			return
		}
		if err := ev.Message.Validate(); err != nil {
			m.log.Warn("dropping malformed message event", "origin", ev.Origin, "err", err)
			return
		}
	}
	sink(ev)
}

// Publish queues ev for the other participants and returns at once.
// Delivery is best effort: failures, including a full queue, are logged
// and reported, never returned.
func (m *Membership) Publish(_ context.Context, ev Event) {
	if m.left.Load() {
		return
	}
	m.enqueue(ev)
}

func (m *Membership) enqueue(ev Event) {
	ev.ConversationID = m.conversationID
	ev.Origin = m.self.ID
	ev.OriginName = m.self.Name
	if ev.At == 0 {
		ev.At = m.opts.Now().UnixMilli()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	select {
	case m.out <- ev:
	default:
		m.failed(ev.Kind, ErrQueueFull)
	}
}

func (m *Membership) drain() {
	defer close(m.done)
	for ev := range m.out {
		m.emit(ev)
	}
}

func (m *Membership) emit(ev Event) {
	payload, err := json.Marshal(ev)
	if err == nil {
		ctx, cancel := context.WithTimeout(m.ctx, publishTimeout)
		err = m.handle.Emit(ctx, string(ev.Kind), payload)
		cancel()
	}
	if err != nil {
		m.failed(ev.Kind, err)
	}
}

func (m *Membership) failed(kind EventKind, err error) {
	m.log.Warn("broadcast publish failed", "kind", kind, "err", err)
	if m.opts.OnPublishFailure != nil {
		m.opts.OnPublishFailure(kind, err)
	}
}

func (m *Membership) PublishMessage(ctx context.Context, msg conversation.Message) {
	m.Publish(ctx, Event{Kind: EventMessage, Message: &msg, At: msg.CreatedAt})
}

// Typing publishes typing-start at most once per TypingInterval;
// typing-stop is never throttled.
func (m *Membership) Typing(ctx context.Context, typing bool) bool {
	if !typing {
		m.Publish(ctx, Event{Kind: EventTypingStop})
		return true
	}
	if !m.typing.AllowN(m.opts.Now(), 1) {
		return false
	}
	m.Publish(ctx, Event{Kind: EventTypingStart})
	return true
}

// Leave announces departure and closes the subscription. Events still
// queued get leaveTimeout to go out. It is safe to call more than once;
// after it returns no event reaches the sink.
func (m *Membership) Leave() {
	m.leaveOnce.Do(func() {
		m.enqueue(Event{Kind: EventPresenceLeave})
		m.left.Store(true)
		m.mu.Lock()
		m.stopped = true
		close(m.out)
		m.mu.Unlock()

		timer := time.NewTimer(leaveTimeout)
		select {
		case <-m.done:
			timer.Stop()
		case <-timer.C:
			m.log.Debug("broadcast queue not drained before leave")
		}
		m.cancel()
		<-m.done
		if err := m.handle.Close(); err != nil {
			m.log.Debug("broadcast close", "err", err)
		}
	})
}

func (m *Membership) Self() Member { return m.self }
