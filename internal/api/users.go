package api

import (
	"net/http"
	"strings"

	"chatrelay/internal/apperr"
	"chatrelay/internal/models"
)

type meResponse struct {
	models.User
	Chats []models.ChatSummary `json:"chats"`
}

// Me returns the caller's profile with a summary of each of their chats.
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())

	user, err := h.db.GetUserByID(r.Context(), id.ID)
	if err != nil {
		h.writeError(w, r, storeError(err, "user"))
		return
	}
	chats, err := h.db.ListChatSummaries(r.Context(), id.ID)
	if err != nil {
		h.writeError(w, r, apperr.Dependency(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"user": meResponse{User: *user, Chats: chats}})
}

// ListUsers returns every other user, optionally filtered by ?search=.
func (h *Handlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	search := strings.TrimSpace(r.URL.Query().Get("search"))
	if len(search) > 50 {
		h.writeError(w, r, apperr.Validation(map[string]string{"search": "Search is too long"}))
		return
	}

	users, err := h.db.ListUsers(r.Context(), id.ID, search)
	if err != nil {
		h.writeError(w, r, apperr.Dependency(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}
