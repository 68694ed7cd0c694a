package conversation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrInvalidKind    = errors.New("invalid conversation kind")
)

// ---------------------------------------------
// Conversation kinds
// ---------------------------------------------

type Kind string

const (
	KindPrivateAssistant Kind = "private-assistant"
	KindSharedRoom       Kind = "shared-room"
	KindTopicRoom        Kind = "topic-room"
)

func ParseKind(raw string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case KindPrivateAssistant, KindSharedRoom, KindTopicRoom:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, raw)
	}
}

// ResolveKind is the fallback for records written before kind was a
// required field. It never fails and never looks at the title: more than
// one participant means a shared room, anything else is a private
// assistant conversation.
func ResolveKind(raw string, participants []string) Kind {
	if k, err := ParseKind(raw); err == nil {
		return k
	}
	if len(participants) > 1 {
		return KindSharedRoom
	}
	return KindPrivateAssistant
}

// IsRoom reports whether more than one human can be present.
func (k Kind) IsRoom() bool {
	return k == KindSharedRoom || k == KindTopicRoom
}

// ---------------------------------------------
// Authors
// ---------------------------------------------

type Role string

const (
	RoleParticipant Role = "participant"
	RoleAssistant   Role = "assistant"
	RoleSystem      Role = "system"
	RoleModerator   Role = "moderator"
)

// Author is the tagged variant over Role. Only the fields meaningful to a
// role may be set.
type Author struct {
	Role Role   `json:"role"`
	Name string `json:"name"`
	ID   string `json:"id,omitempty"`
}

func Participant(id, name string) Author { return Author{Role: RoleParticipant, ID: id, Name: name} }
func Moderator(id, name string) Author   { return Author{Role: RoleModerator, ID: id, Name: name} }
func Assistant(name string) Author       { return Author{Role: RoleAssistant, Name: name} }
func System() Author                     { return Author{Role: RoleSystem, Name: "system"} }

func (a Author) Validate() error {
	switch a.Role {
	case RoleParticipant, RoleModerator:
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("%w: %s author requires an id", ErrInvalidMessage, a.Role)
		}
		if strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("%w: %s author requires a name", ErrInvalidMessage, a.Role)
		}
	case RoleAssistant:
		if strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("%w: assistant author requires a name", ErrInvalidMessage)
		}
	case RoleSystem:
		if a.ID != "" {
			return fmt.Errorf("%w: system author cannot carry an id", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, a.Role)
	}
	return nil
}

// ---------------------------------------------
// Messages
// ---------------------------------------------

type MessageKind string

const (
	MessageKindRegular MessageKind = ""
	MessageKindWelcome MessageKind = "welcome"
	MessageKindJoin    MessageKind = "join-notice"
	MessageKindReset   MessageKind = "reset-notice"
)

// Body holds either plain text, a structured payload, or both.
type Body struct {
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func Text(s string) Body { return Body{Text: s} }

func (b Body) Empty() bool {
	return strings.TrimSpace(b.Text) == "" && len(bytes.TrimSpace(b.Data)) == 0
}

func (b Body) Equal(o Body) bool {
	return b.Text == o.Text && bytes.Equal(bytes.TrimSpace(b.Data), bytes.TrimSpace(o.Data))
}

type Attachment struct {
	Name     string `json:"name"`
	MIMEType string `json:"mimeType,omitempty"`
	URL      string `json:"url,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

type Source struct {
	Title   string `json:"title"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// Message is append-only. Only the tombstone fields may change after
// creation.
type Message struct {
	ID          string       `json:"id"`
	Author      Author       `json:"author"`
	Body        Body         `json:"body"`
	CreatedAt   int64        `json:"createdAt"` // logical time, unix millis
	Kind        MessageKind  `json:"kind,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Sources     []Source     `json:"sources,omitempty"`
	Deleted     bool         `json:"deleted,omitempty"`
	DeletedAt   int64        `json:"deletedAt,omitempty"`
}

func NewMessage(author Author, body Body, at time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Author:    author,
		Body:      body,
		CreatedAt: at.UnixMilli(),
	}
}

func NewSystemMessage(text string, kind MessageKind, at time.Time) Message {
	m := NewMessage(System(), Text(text), at)
	m.Kind = kind
	return m
}

func (m Message) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	}
	if m.CreatedAt <= 0 {
		return fmt.Errorf("%w: missing logical time", ErrInvalidMessage)
	}
	if err := m.Author.Validate(); err != nil {
		return err
	}
	if m.Body.Empty() && !m.Deleted {
		return fmt.Errorf("%w: empty body", ErrInvalidMessage)
	}
	return nil
}

// Tombstone returns a copy marked deleted. The position is unchanged.
func (m Message) Tombstone(at time.Time) Message {
	if m.Deleted {
		return m
	}
	m.Deleted = true
	m.DeletedAt = at.UnixMilli()
	return m
}

// Clone deep-copies the slices so callers cannot alias engine state.
func (m Message) Clone() Message {
	if m.Body.Data != nil {
		m.Body.Data = append(json.RawMessage(nil), m.Body.Data...)
	}
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Sources != nil {
		m.Sources = append([]Source(nil), m.Sources...)
	}
	return m
}

// ---------------------------------------------
// Conversations
// ---------------------------------------------

type Conversation struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Kind         Kind           `json:"kind"`
	Messages     []Message      `json:"messages"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Participants []string       `json:"participants,omitempty"`
	Epoch        int64          `json:"epoch"`
}

func (c Conversation) Clone() Conversation {
	out := c
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		out.Messages[i] = m.Clone()
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	if c.Participants != nil {
		out.Participants = append([]string(nil), c.Participants...)
	}
	return out
}

// Visible returns the messages that are not tombstoned.
func (c Conversation) Visible() []Message {
	out := make([]Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		if !m.Deleted {
			out = append(out, m)
		}
	}
	return out
}

func (c *Conversation) AddParticipant(id string) bool {
	if id == "" {
		return false
	}
	for _, p := range c.Participants {
		if p == id {
			return false
		}
	}
	c.Participants = append(c.Participants, id)
	return true
}
