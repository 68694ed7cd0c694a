package broadcast

import (
	"context"
	"encoding/json"
	"sync"
)

const memoryQueueSize = 256

// MemoryTransport is an in-process bus for tests and single-node setups.
// Every handle on a channel receives every emit, including its own.
type MemoryTransport struct {
	mu       sync.RWMutex
	channels map[string]map[*memoryHandle]struct{}
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{channels: make(map[string]map[*memoryHandle]struct{})}
}

func (t *MemoryTransport) Subscribe(_ context.Context, channel string) (Handle, error) {
	h := &memoryHandle{
		transport: t,
		channel:   channel,
		queue:     make(chan envelope, memoryQueueSize),
		done:      make(chan struct{}),
		handlers:  make(map[string][]func(json.RawMessage)),
	}
	t.mu.Lock()
	if t.channels[channel] == nil {
		t.channels[channel] = make(map[*memoryHandle]struct{})
	}
	t.channels[channel][h] = struct{}{}
	t.mu.Unlock()

	h.wg.Add(1)
	go h.dispatch()
	return h, nil
}

// Subscribers reports how many handles are open on channel.
func (t *MemoryTransport) Subscribers(channel string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.channels[channel])
}

func (t *MemoryTransport) publish(channel string, env envelope) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for h := range t.channels[channel] {
		select {
		case h.queue <- env:
		default:
			// slow subscriber, drop like any lossy transport would
		}
	}
}

func (t *MemoryTransport) remove(h *memoryHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.channels[h.channel], h)
	if len(t.channels[h.channel]) == 0 {
		delete(t.channels, h.channel)
	}
}

type memoryHandle struct {
	transport *MemoryTransport
	channel   string
	queue     chan envelope
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu       sync.RWMutex
	handlers map[string][]func(json.RawMessage)
	closed   bool
}

func (h *memoryHandle) On(event string, fn func(json.RawMessage)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[event] = append(h.handlers[event], fn)
}

func (h *memoryHandle) Emit(_ context.Context, event string, payload json.RawMessage) error {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	h.transport.publish(h.channel, envelope{Event: event, Payload: append(json.RawMessage(nil), payload...)})
	return nil
}

func (h *memoryHandle) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		h.transport.remove(h)
		close(h.done)
		h.wg.Wait()
	})
	return nil
}

func (h *memoryHandle) dispatch() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case env := <-h.queue:
			h.deliver(env)
		}
	}
}

func (h *memoryHandle) deliver(env envelope) {
	h.mu.RLock()
	fns := append(([]func(json.RawMessage))(nil), h.handlers[env.Event]...)
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(env.Payload)
	}
}
