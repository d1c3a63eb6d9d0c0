package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	gorilla "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"chatrelay/internal/apperr"
	"chatrelay/internal/auth"
	"chatrelay/internal/blob"
	"chatrelay/internal/config"
	"chatrelay/internal/db"
	"chatrelay/internal/models"
	"chatrelay/internal/websocket"
)

type contextKey string

const identityContextKey contextKey = "identity"

const maxBodyBytes = 1 << 20

// Deps are the collaborators shared by every handler.
type Deps struct {
	DB         *db.DB
	Hub        *websocket.Hub
	Dispatcher websocket.Dispatcher
	Blobs      blob.Store
	Verifier   *auth.Verifier
	Config     *config.Config
	Logger     zerolog.Logger
}

type Handlers struct {
	db         *db.DB
	hub        *websocket.Hub
	dispatcher websocket.Dispatcher
	blobs      blob.Store
	verifier   *auth.Verifier
	cfg        *config.Config
	logger     zerolog.Logger
	upgrader   gorilla.Upgrader
	bcryptCost int
}

func NewHandlers(d Deps) *Handlers {
	h := &Handlers{
		db:         d.DB,
		hub:        d.Hub,
		dispatcher: d.Dispatcher,
		blobs:      d.Blobs,
		verifier:   d.Verifier,
		cfg:        d.Config,
		logger:     d.Logger.With().Str("component", "api").Logger(),
		bcryptCost: bcrypt.DefaultCost,
	}
	h.upgrader = gorilla.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// RequireAuth rejects requests without a valid credential for an existing user.
func (h *Handlers) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := h.authenticate(r)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate verifies the request credential and that its user still exists.
func (h *Handlers) authenticate(r *http.Request) (auth.Identity, error) {
	id, err := h.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		return auth.Identity{}, apperr.Unauthenticated()
	}
	if _, err := h.db.GetUserByID(r.Context(), id.ID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return auth.Identity{}, apperr.Unauthenticated()
		}
		return auth.Identity{}, apperr.Dependency(err)
	}
	return id, nil
}

func identityFrom(ctx context.Context) auth.Identity {
	id, _ := ctx.Value(identityContextKey).(auth.Identity)
	return id
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps err onto a status code and a structured body. Internal
// details are logged, never written.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.From(err)
	if !e.Kind.Public() {
		h.logger.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("kind", e.Kind.String()).
			Msg("request failed")
	}

	if e.Kind.Public() && len(e.Fields) > 0 {
		writeJSON(w, e.Kind.Status(), map[string]any{"errors": e.Fields})
		return
	}
	writeJSON(w, e.Kind.Status(), map[string]string{"message": e.Message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation(map[string]string{"body": "malformed JSON body"})
	}
	return nil
}

// storeError maps a persistence failure onto the error taxonomy.
func storeError(err error, what string) error {
	if errors.Is(err, db.ErrNotFound) {
		return apperr.NotFound(what)
	}
	return apperr.Dependency(err)
}

// peerOf returns the public profile of the member of chat that is not self.
func (h *Handlers) peerOf(ctx context.Context, chat *models.Chat, self string) (models.PublicUser, error) {
	for _, id := range chat.Members {
		if id == self {
			continue
		}
		user, err := h.db.GetUserByID(ctx, id)
		if err != nil {
			return models.PublicUser{}, storeError(err, "user")
		}
		return user.Public(), nil
	}
	return models.PublicUser{}, apperr.NotFound("chat peer")
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	if c, ok := h.blobs.(interface{ IsConnected() bool }); ok && !c.IsConnected() {
		h.logger.Error().Msg("health check failed: image store disconnected")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": h.hub.ClientCount(),
	})
}
