package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"go-convsync/internal/conversation"
)

const (
	DefaultName       = "Tutor"
	DefaultModel      = "llama3.2"
	DefaultMaxHistory = 20

	systemPrompt = "You are a patient study assistant. Answer the student's latest question " +
		"using the conversation so far. Be concise and explain your reasoning."
)

var ErrEmptyReply = errors.New("assistant produced an empty reply")

// Turn is one message of the history handed to a Generator.
type Turn struct {
	Role    string
	Content string
}

// Generator produces the next assistant answer for a history.
type Generator interface {
	Generate(ctx context.Context, history []Turn) (string, error)
}

type Options struct {
	Name       string
	MaxHistory int
	Timeout    time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

// Responder turns a conversation history into an assistant message that
// can be applied like any other local mutation.
type Responder struct {
	gen  Generator
	opts Options
	log  *slog.Logger
}

func NewResponder(gen Generator, opts Options) *Responder {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = DefaultMaxHistory
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Responder{gen: gen, opts: opts, log: opts.Logger}
}

// Reply generates an answer to the visible history. The reply is stamped
// after the newest message so it always sorts below the question.
func (r *Responder) Reply(ctx context.Context, history []conversation.Message) (conversation.Message, error) {
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	turns := Turns(history, r.opts.MaxHistory)
	if len(turns) == 0 {
		return conversation.Message{}, fmt.Errorf("reply: %w", ErrEmptyReply)
	}

	started := time.Now()
	text, err := r.gen.Generate(ctx, turns)
	if err != nil {
		return conversation.Message{}, fmt.Errorf("reply: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return conversation.Message{}, fmt.Errorf("reply: %w", ErrEmptyReply)
	}
	r.log.Debug("assistant reply generated", "turns", len(turns), "took", time.Since(started))

	at := r.opts.Now()
	if n := len(history); n > 0 && history[n-1].CreatedAt >= at.UnixMilli() {
		at = time.UnixMilli(history[n-1].CreatedAt + 1)
	}
	return conversation.NewMessage(conversation.Assistant(r.opts.Name), conversation.Text(text), at), nil
}

// Turns maps the last max visible messages onto generator roles. System
// notices carry no content worth answering and are skipped.
func Turns(history []conversation.Message, max int) []Turn {
	turns := make([]Turn, 0, len(history))
	for _, m := range history {
		if m.Deleted || strings.TrimSpace(m.Body.Text) == "" {
			continue
		}
		switch m.Author.Role {
		case conversation.RoleAssistant:
			turns = append(turns, Turn{Role: "assistant", Content: m.Body.Text})
		case conversation.RoleParticipant, conversation.RoleModerator:
			turns = append(turns, Turn{Role: "user", Content: m.Body.Text})
		}
	}
	if max > 0 && len(turns) > max {
		turns = turns[len(turns)-max:]
	}
	return turns
}

// OllamaGenerator streams a chat completion from an Ollama server.
type OllamaGenerator struct {
	client *api.Client
	model  string
}

func NewOllamaGenerator(host, model string, timeout time.Duration) (*OllamaGenerator, error) {
	if host == "" {
		host = "http://localhost:11434"
	}
	if model == "" {
		model = DefaultModel
	}
	base, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}
	httpClient := &http.Client{Timeout: timeout}
	return &OllamaGenerator{client: api.NewClient(base, httpClient), model: model}, nil
}

func (g *OllamaGenerator) Generate(ctx context.Context, history []Turn) (string, error) {
	messages := make([]api.Message, 0, len(history)+1)
	messages = append(messages, api.Message{Role: "system", Content: systemPrompt})
	for _, t := range history {
		messages = append(messages, api.Message{Role: t.Role, Content: t.Content})
	}

	stream := true
	req := &api.ChatRequest{
		Model:    g.model,
		Messages: messages,
		Options: map[string]interface{}{
			"temperature": 0.2,
		},
		Stream: &stream,
	}

	var out strings.Builder
	err := g.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		out.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	return out.String(), nil
}
