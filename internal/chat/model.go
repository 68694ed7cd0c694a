package chat

import (
	"encoding/json"

	"go-convsync/internal/conversation"
)

// ---------------------------------------------
// API Models
// ---------------------------------------------

type MessageRequest struct {
	Text        string                    `json:"text"`
	Data        json.RawMessage           `json:"data,omitempty"`
	Attachments []conversation.Attachment `json:"attachments,omitempty"`
	Sources     []conversation.Source     `json:"sources,omitempty"`
}

type TypingRequest struct {
	Typing bool `json:"typing"`
}

type ConversationSummary struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Kind          conversation.Kind `json:"kind"`
	Epoch         int64             `json:"epoch"`
	Open          bool              `json:"open"`
	LastMessageAt int64             `json:"last_message_at,omitempty"`
}

// ---------------------------------------------
// WebSocket Models
// ---------------------------------------------

const (
	FrameView  = "view"
	FrameError = "error"

	CommandMessage = "message"
	CommandTyping  = "typing"
)

// Frame is what the server pushes down a socket.
type Frame struct {
	Type  string `json:"type"`
	View  *View  `json:"view,omitempty"`
	Error string `json:"error,omitempty"`
}

// Command is what the browser sends up a socket.
type Command struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Typing bool   `json:"typing,omitempty"`
}

func summarize(conv conversation.Conversation, open bool) ConversationSummary {
	s := ConversationSummary{
		ID:    conv.ID,
		Title: conv.Title,
		Kind:  conv.Kind,
		Epoch: conv.Epoch,
		Open:  open,
	}
	if n := len(conv.Messages); n > 0 {
		s.LastMessageAt = conv.Messages[n-1].CreatedAt
	}
	return s
}
