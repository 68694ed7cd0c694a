// Package broadcast carries ephemeral, best-effort events between the
// participants currently connected to a conversation.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"

	"go-convsync/internal/conversation"
)

var ErrClosed = errors.New("broadcast handle closed")

type EventKind string

const (
	EventMessage       EventKind = "message"
	EventTypingStart   EventKind = "typing-start"
	EventTypingStop    EventKind = "typing-stop"
	EventPresenceJoin  EventKind = "presence-join"
	EventPresenceLeave EventKind = "presence-leave"
)

var EventKinds = []EventKind{
	EventMessage,
	EventTypingStart,
	EventTypingStop,
	EventPresenceJoin,
	EventPresenceLeave,
}

// Event is the payload of every broadcast. Origin is the participant that
// published it.
type Event struct {
	Kind           EventKind             `json:"kind"`
	ConversationID string                `json:"conversationId"`
	Origin         string                `json:"origin"`
	OriginName     string                `json:"originName,omitempty"`
	Message        *conversation.Message `json:"message,omitempty"`
	At             int64                 `json:"at"`
}

// Transport is the publish/subscribe contract of the broadcast channel.
type Transport interface {
	Subscribe(ctx context.Context, channel string) (Handle, error)
}

// Handle is one subscription to a channel. Close is the unsubscribe.
type Handle interface {
	On(event string, fn func(payload json.RawMessage))
	Emit(ctx context.Context, event string, payload json.RawMessage) error
	Close() error
}

func ChannelName(conversationID string) string {
	return "conversation:" + conversationID
}

// envelope is the wire form used by transports that carry raw bytes.
type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}
