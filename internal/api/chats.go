package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"chatrelay/internal/apperr"
	"chatrelay/internal/db"
	"chatrelay/internal/models"
)

type chatView struct {
	ID          string            `json:"_id"`
	User        models.PublicUser `json:"user"`
	LastMessage *models.Message   `json:"lastMessage"`
	Messages    []models.Message  `json:"messages"`
}

// chatWithHistory builds the member-facing view of chat including its full history.
func (h *Handlers) chatWithHistory(ctx context.Context, chat *models.Chat, self string) (*chatView, error) {
	peer, err := h.peerOf(ctx, chat, self)
	if err != nil {
		return nil, err
	}
	messages, _, err := h.db.ListMessages(ctx, chat.ID, "", 0)
	if err != nil {
		return nil, apperr.Dependency(err)
	}
	return &chatView{ID: chat.ID, User: peer, LastMessage: chat.LastMessage, Messages: messages}, nil
}

// ListChats returns the caller's chats, or with ?userId= the chat shared
// with that user.
func (h *Handlers) ListChats(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())

	if peerID := strings.TrimSpace(r.URL.Query().Get("userId")); peerID != "" {
		h.chatWithUser(w, r, id.ID, peerID)
		return
	}

	chats, err := h.db.ListChatSummaries(r.Context(), id.ID)
	if err != nil {
		h.writeError(w, r, apperr.Dependency(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (h *Handlers) chatWithUser(w http.ResponseWriter, r *http.Request, self, peerID string) {
	if !db.ValidID(peerID) {
		h.writeError(w, r, apperr.InvalidIdentifier("userId"))
		return
	}

	chat, err := h.db.FindChatBetween(r.Context(), self, peerID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeJSON(w, http.StatusConflict, map[string]string{
				"message": "Another chat with this user could not be found",
			})
			return
		}
		h.writeError(w, r, apperr.Dependency(err))
		return
	}

	view, err := h.chatWithHistory(r.Context(), chat, self)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Chat with this user found",
		"chat":    view,
	})
}

// CreateChat returns the caller's chat with userId, creating it if needed,
// and posts the optional first message. Nothing is pushed to live connections.
func (h *Handlers) CreateChat(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())

	var req createChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if errs := req.Validate(id.ID); len(errs) > 0 {
		h.writeError(w, r, apperr.Validation(errs))
		return
	}

	peer, err := h.db.GetUserByID(r.Context(), req.UserID)
	if err != nil {
		h.writeError(w, r, storeError(err, "user"))
		return
	}

	chat, created, err := h.db.GetOrCreateChat(r.Context(), id.ID, peer.ID)
	if err != nil {
		h.writeError(w, r, apperr.Dependency(err))
		return
	}

	if req.Message != "" {
		if _, err := h.db.CreateMessage(r.Context(), chat.ID, id.ID, req.Message); err != nil {
			h.writeError(w, r, apperr.Dependency(err))
			return
		}
		if _, err := h.db.RefreshLastMessage(r.Context(), chat.ID); err != nil {
			h.logger.Error().Err(err).Str("chat", chat.ID).Msg("failed to refresh last message")
		}
	}

	status, message := http.StatusOK, "Chat already exists"
	if created {
		status, message = http.StatusCreated, "New chat created"
		h.logger.Info().Str("chat", chat.ID).Str("user", id.ID).Str("peer", peer.ID).Msg("chat created")
	}

	writeJSON(w, status, map[string]any{
		"message": message,
		"chatId":  chat.ID,
		"chat": map[string]any{
			"_id":  chat.ID,
			"user": peer.Public(),
		},
	})
}

// GetChat returns one chat with its peer and full message history. Only
// members may read it.
func (h *Handlers) GetChat(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	chatID := chi.URLParam(r, "chatId")
	if !db.ValidID(chatID) {
		h.writeError(w, r, apperr.InvalidIdentifier("chatId"))
		return
	}

	chat, err := h.memberChat(r.Context(), chatID, id.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	view, err := h.chatWithHistory(r.Context(), chat, id.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat": view})
}

func (h *Handlers) memberChat(ctx context.Context, chatID, userID string) (*models.Chat, error) {
	chat, err := h.db.GetChat(ctx, chatID)
	if err != nil {
		return nil, storeError(err, "chat")
	}
	if !chat.HasMember(userID) {
		return nil, apperr.Forbidden("not a member of this chat")
	}
	return chat, nil
}
