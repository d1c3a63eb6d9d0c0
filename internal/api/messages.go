package api

import (
	"errors"
	"net/http"
	"strconv"

	"chatrelay/internal/apperr"
	"chatrelay/internal/db"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// CreateMessage posts a message to a chat the caller belongs to. The last
// message pointer is kept current; live connections are not notified.
func (h *Handlers) CreateMessage(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())

	req := createMessageRequest{}
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	req.ChatID = r.URL.Query().Get("chatId")
	if errs := req.Validate(); len(errs) > 0 {
		h.writeError(w, r, apperr.Validation(errs))
		return
	}

	chat, err := h.memberChat(r.Context(), req.ChatID, id.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	msg, err := h.db.CreateMessage(r.Context(), chat.ID, id.ID, req.Message)
	if err != nil {
		h.writeError(w, r, apperr.Dependency(err))
		return
	}
	if _, err := h.db.RefreshLastMessage(r.Context(), chat.ID); err != nil {
		h.logger.Error().Err(err).Str("chat", chat.ID).Msg("failed to refresh last message")
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "New message created in chat",
		"data":    msg,
	})
}

// ListMessages pages backwards through a chat's history: ?before=<messageId>
// returns messages older than that one, newest page first by default.
func (h *Handlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	q := r.URL.Query()

	errs := map[string]string{}
	chatID := q.Get("chatId")
	if !db.ValidID(chatID) {
		errs["chatId"] = "Invalid id format"
	}
	before := q.Get("before")
	if before != "" && !db.ValidID(before) {
		errs["before"] = "Invalid id format"
	}
	limit := defaultPageSize
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPageSize {
			errs["limit"] = "limit must be between 1 and 100"
		}
		limit = n
	}
	if len(errs) > 0 {
		h.writeError(w, r, apperr.Validation(errs))
		return
	}

	if _, err := h.memberChat(r.Context(), chatID, id.ID); err != nil {
		h.writeError(w, r, err)
		return
	}

	messages, hasMore, err := h.db.ListMessages(r.Context(), chatID, before, limit)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, r, apperr.Validation(map[string]string{"before": "message is not part of this chat"}))
			return
		}
		h.writeError(w, r, apperr.Dependency(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": messages,
		"hasMore":  hasMore,
	})
}
