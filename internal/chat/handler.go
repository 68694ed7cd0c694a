package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"go-convsync/internal/broadcast"
	"go-convsync/internal/conversation"
	myMiddleware "go-convsync/internal/middleware"
	"go-convsync/internal/replica"
)

const replyTimeout = 2 * time.Minute

// Replier answers a private-assistant conversation.
type Replier interface {
	Reply(ctx context.Context, history []conversation.Message) (conversation.Message, error)
}

type Handler struct {
	host    *Host
	replier Replier
	log     *slog.Logger

	replies sync.WaitGroup
}

// NewHandler wires the gateway. replier may be nil to disable assistant
// replies.
func NewHandler(host *Host, replier Replier, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{host: host, replier: replier, log: log}
}

// Routes mounts the conversation API. Every route expects the auth
// middleware to have run.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/ws", h.ServeWs)
	r.Route("/api/conversations", func(r chi.Router) {
		r.Get("/", h.ListConversations)
		r.Post("/", h.OpenConversation)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetConversation)
			r.Delete("/", h.DeleteConversation)
			r.Post("/messages", h.PostMessage)
			r.Delete("/messages/{messageID}", h.DeleteMessage)
			r.Post("/typing", h.Typing)
			r.Post("/reset", h.Reset)
		})
	})
}

// Wait blocks until every in-flight assistant reply has been applied.
func (h *Handler) Wait() { h.replies.Wait() }

func (h *Handler) engine(w http.ResponseWriter, r *http.Request) (*Engine, bool) {
	userID, username, ok := myMiddleware.Identity(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	e, err := h.host.Engine(r.Context(), broadcast.Member{ID: userID, Name: username})
	if err != nil {
		h.fail(w, err)
		return nil, false
	}
	return e, true
}

// conversation resolves {id} for the caller, opening it if needed.
func (h *Handler) conversation(w http.ResponseWriter, r *http.Request) (*Engine, View, bool) {
	e, ok := h.engine(w, r)
	if !ok {
		return nil, View{}, false
	}
	v, err := e.Ensure(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return nil, View{}, false
	}
	return e, v, true
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnknownConversation), errors.Is(err, ErrUnknownMessage):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, conversation.ErrInvalidMessage), errors.Is(err, conversation.ErrInvalidKind):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		h.log.Error("request failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	ids, err := e.Conversations(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]ConversationSummary, 0, len(ids))
	for _, id := range ids {
		if e.Coordinator.IsOpen(id) {
			if v, err := e.Store.View(r.Context(), id); err == nil {
				out = append(out, summarize(v.Conversation, true))
				continue
			}
		}
		rec, err := e.durable.Get(r.Context(), id)
		if errors.Is(err, replica.ErrNotFound) {
			continue
		}
		if err != nil {
			h.fail(w, err)
			return
		}
		out = append(out, summarize(rec.Conversation, false))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) OpenConversation(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	if req.ID != "" {
		// Joining an existing conversation goes through the same checks as
		// any other access to it.
		if _, err := e.durable.Get(r.Context(), req.ID); err == nil {
			v, err := e.Ensure(r.Context(), req.ID)
			if err != nil {
				h.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, v)
			return
		}
	}
	v, err := e.Coordinator.Open(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	if _, v, ok := h.conversation(w, r); ok {
		writeJSON(w, http.StatusOK, v)
	}
}

func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e, v, ok := h.conversation(w, r)
	if !ok {
		return
	}
	msg, err := h.post(r.Context(), e, v, req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) post(ctx context.Context, e *Engine, v View, req MessageRequest) (conversation.Message, error) {
	msg := conversation.Message{
		Author:      conversation.Participant(e.Self.ID, displayName(e.Self)),
		Body:        conversation.Body{Text: req.Text, Data: req.Data},
		Attachments: req.Attachments,
		Sources:     req.Sources,
	}
	id := v.Conversation.ID
	applied, err := e.Store.MutateLocal(ctx, id, msg)
	if err != nil {
		return conversation.Message{}, err
	}
	if v.Conversation.Kind == conversation.KindPrivateAssistant && h.replier != nil {
		h.replyAsync(e, id)
	}
	return applied, nil
}

func (h *Handler) replyAsync(e *Engine, id string) {
	h.replies.Add(1)
	go func() {
		defer h.replies.Done()
		ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
		defer cancel()
		log := h.log.With("conversation", id, "participant", e.Self.ID)

		v, err := e.Store.View(ctx, id)
		if err != nil {
			log.Debug("conversation gone before reply", "err", err)
			return
		}
		reply, err := h.replier.Reply(ctx, v.Conversation.Visible())
		if err != nil {
			log.Warn("assistant reply failed", "err", err)
			return
		}
		if _, err := e.Store.MutateLocal(ctx, id, reply); err != nil {
			log.Warn("assistant reply not applied", "err", err)
		}
	}()
}

// canTombstone: the author, or anyone listed under the conversation's
// "moderators" metadata.
func canTombstone(conv conversation.Conversation, msg conversation.Message, participantID string) bool {
	if msg.Author.ID == participantID {
		return true
	}
	switch mods := conv.Metadata["moderators"].(type) {
	case []string:
		return contains(mods, participantID)
	case []any:
		for _, m := range mods {
			if id, ok := m.(string); ok && id == participantID {
				return true
			}
		}
	}
	return false
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	e, v, ok := h.conversation(w, r)
	if !ok {
		return
	}
	messageID := chi.URLParam(r, "messageID")
	var target *conversation.Message
	for i := range v.Conversation.Messages {
		if v.Conversation.Messages[i].ID == messageID {
			target = &v.Conversation.Messages[i]
			break
		}
	}
	if target == nil {
		h.fail(w, ErrUnknownMessage)
		return
	}
	if !canTombstone(v.Conversation, *target, e.Self.ID) {
		http.Error(w, "only the author or a moderator may delete a message", http.StatusForbidden)
		return
	}
	marked, err := e.Store.Tombstone(r.Context(), v.Conversation.ID, messageID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, marked)
}

func (h *Handler) Typing(w http.ResponseWriter, r *http.Request) {
	var req TypingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e, v, ok := h.conversation(w, r)
	if !ok {
		return
	}
	sent, err := e.Coordinator.Typing(r.Context(), v.Conversation.ID, req.Typing)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"sent": sent})
}

func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	e, v, ok := h.conversation(w, r)
	if !ok {
		return
	}
	reset, err := e.Coordinator.Reset(r.Context(), v.Conversation.ID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reset)
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	e, v, ok := h.conversation(w, r)
	if !ok {
		return
	}
	if err := e.Coordinator.Delete(r.Context(), v.Conversation.ID); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ServeWs streams every view of ?conversation= to the socket and accepts
// message and typing commands back.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	v, err := e.Ensure(r.Context(), r.URL.Query().Get("conversation"))
	if err != nil {
		h.fail(w, err)
		return
	}
	id := v.Conversation.ID

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "err", err)
		return
	}
	log := h.log.With("conversation", id, "participant", e.Self.ID)
	client := newClient(conn, log)

	unsub, err := e.Store.Subscribe(id, func(v View) {
		client.pushView(v)
		if v.Closed {
			client.close()
		}
	})
	if err != nil {
		conn.Close()
		return
	}

	go client.writePump()
	go func() {
		defer unsub()
		client.readPump(func(cmd Command) {
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			defer cancel()
			switch cmd.Type {
			case CommandMessage:
				if _, err := h.post(ctx, e, v, MessageRequest{Text: cmd.Text}); err != nil {
					client.push(Frame{Type: FrameError, Error: err.Error()})
				}
			case CommandTyping:
				if _, err := e.Coordinator.Typing(ctx, id, cmd.Typing); err != nil {
					client.push(Frame{Type: FrameError, Error: err.Error()})
				}
			default:
				client.push(Frame{Type: FrameError, Error: "unknown command " + cmd.Type})
			}
		})
	}()
}
