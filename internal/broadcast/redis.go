package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisTransport fans events out over Redis Pub/Sub so gateways on
// different hosts see each other's participants.
type RedisTransport struct {
	client redis.UniversalClient
	prefix string
	log    *slog.Logger
}

func NewRedisTransport(client redis.UniversalClient, prefix string, log *slog.Logger) *RedisTransport {
	if log == nil {
		log = slog.Default()
	}
	if prefix == "" {
		prefix = "convsync"
	}
	return &RedisTransport{client: client, prefix: prefix, log: log}
}

func (t *RedisTransport) key(channel string) string {
	return t.prefix + ":" + channel
}

func (t *RedisTransport) Subscribe(ctx context.Context, channel string) (Handle, error) {
	key := t.key(channel)
	pubsub := t.client.Subscribe(ctx, key)
	// Wait for the confirmation so nothing published after Subscribe
	// returns can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	}
	h := &redisHandle{
		transport: t,
		key:       key,
		pubsub:    pubsub,
		handlers:  make(map[string][]func(json.RawMessage)),
	}
	h.wg.Add(1)
	go h.dispatch(pubsub.Channel())
	return h, nil
}

type redisHandle struct {
	transport *RedisTransport
	key       string
	pubsub    *redis.PubSub
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu       sync.RWMutex
	handlers map[string][]func(json.RawMessage)
	closed   bool
}

func (h *redisHandle) On(event string, fn func(json.RawMessage)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[event] = append(h.handlers[event], fn)
}

func (h *redisHandle) Emit(ctx context.Context, event string, payload json.RawMessage) error {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	data, err := json.Marshal(envelope{Event: event, Payload: payload})
	if err != nil {
		return err
	}
	return h.transport.client.Publish(ctx, h.key, data).Err()
}

func (h *redisHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		err = h.pubsub.Close()
		h.wg.Wait()
	})
	return err
}

func (h *redisHandle) dispatch(ch <-chan *redis.Message) {
	defer h.wg.Done()
	for msg := range ch {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			h.transport.log.Warn("dropping malformed broadcast", "channel", h.key, "err", err)
			continue
		}
		h.mu.RLock()
		fns := append(([]func(json.RawMessage))(nil), h.handlers[env.Event]...)
		h.mu.RUnlock()
		for _, fn := range fns {
			fn(env.Payload)
		}
	}
}
