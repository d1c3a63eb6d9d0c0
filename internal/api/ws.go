package api

import (
	"net/http"

	"chatrelay/internal/db"
	"chatrelay/internal/models"
	"chatrelay/internal/websocket"
)

// ServeWS authenticates the handshake and upgrades it. Requests without a
// valid credential are refused before the upgrade.
func (h *Handlers) ServeWS(w http.ResponseWriter, r *http.Request) {
	id, err := h.authenticate(r)
	if err != nil {
		h.logger.Debug().Str("remote_addr", r.RemoteAddr).Msg("websocket handshake rejected")
		h.writeError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	session := models.Session{ConnID: db.NewID(), UserID: id.ID, Username: id.Username}
	if !h.hub.Register(websocket.NewClient(h.hub, conn, session, h.dispatcher)) {
		h.logger.Warn().Str("conn", session.ConnID).Msg("hub stopped, closing connection")
		conn.Close()
	}
}

func (h *Handlers) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	h.logger.Warn().Str("origin", origin).Msg("websocket origin rejected")
	return false
}
