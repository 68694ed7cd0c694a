package chat

import (
	"context"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Index records which conversations each participant owns or has joined.
type Index interface {
	Add(ctx context.Context, participantID, conversationID string) error
	Remove(ctx context.Context, participantID, conversationID string) error
	// Forget removes conversationID from every participant.
	Forget(ctx context.Context, conversationID string) error
	List(ctx context.Context, participantID string) ([]string, error)
}

type MemoryIndex struct {
	mu             sync.Mutex
	byParticipant  map[string]map[string]struct{}
	byConversation map[string]map[string]struct{}
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		byParticipant:  make(map[string]map[string]struct{}),
		byConversation: make(map[string]map[string]struct{}),
	}
}

func (x *MemoryIndex) Add(_ context.Context, participantID, conversationID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	addMember(x.byParticipant, participantID, conversationID)
	addMember(x.byConversation, conversationID, participantID)
	return nil
}

func (x *MemoryIndex) Remove(_ context.Context, participantID, conversationID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	removeMember(x.byParticipant, participantID, conversationID)
	removeMember(x.byConversation, conversationID, participantID)
	return nil
}

func (x *MemoryIndex) Forget(_ context.Context, conversationID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for participantID := range x.byConversation[conversationID] {
		removeMember(x.byParticipant, participantID, conversationID)
	}
	delete(x.byConversation, conversationID)
	return nil
}

func (x *MemoryIndex) List(_ context.Context, participantID string) ([]string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	ids := make([]string, 0, len(x.byParticipant[participantID]))
	for id := range x.byParticipant[participantID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func addMember(m map[string]map[string]struct{}, key, member string) {
	if m[key] == nil {
		m[key] = make(map[string]struct{})
	}
	m[key][member] = struct{}{}
}

func removeMember(m map[string]map[string]struct{}, key, member string) {
	delete(m[key], member)
	if len(m[key]) == 0 {
		delete(m, key)
	}
}

// RedisIndex keeps the index in two Redis sets per key so any gateway can
// answer listings.
type RedisIndex struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisIndex(client redis.UniversalClient, prefix string) *RedisIndex {
	if prefix == "" {
		prefix = "convsync"
	}
	return &RedisIndex{client: client, prefix: prefix}
}

func (x *RedisIndex) participantKey(id string) string {
	return x.prefix + ":index:participant:" + id
}

func (x *RedisIndex) conversationKey(id string) string {
	return x.prefix + ":index:conversation:" + id
}

func (x *RedisIndex) Add(ctx context.Context, participantID, conversationID string) error {
	_, err := x.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, x.participantKey(participantID), conversationID)
		pipe.SAdd(ctx, x.conversationKey(conversationID), participantID)
		return nil
	})
	return err
}

func (x *RedisIndex) Remove(ctx context.Context, participantID, conversationID string) error {
	_, err := x.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, x.participantKey(participantID), conversationID)
		pipe.SRem(ctx, x.conversationKey(conversationID), participantID)
		return nil
	})
	return err
}

func (x *RedisIndex) Forget(ctx context.Context, conversationID string) error {
	members, err := x.client.SMembers(ctx, x.conversationKey(conversationID)).Result()
	if err != nil {
		return err
	}
	_, err = x.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, participantID := range members {
			pipe.SRem(ctx, x.participantKey(participantID), conversationID)
		}
		pipe.Del(ctx, x.conversationKey(conversationID))
		return nil
	})
	return err
}

func (x *RedisIndex) List(ctx context.Context, participantID string) ([]string, error) {
	ids, err := x.client.SMembers(ctx, x.participantKey(participantID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}
