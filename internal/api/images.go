package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"chatrelay/internal/apperr"
	"chatrelay/internal/blob"
	"chatrelay/internal/db"
)

// GetImage streams a message image from the blob store.
func (h *Handlers) GetImage(w http.ResponseWriter, r *http.Request) {
	imageID := chi.URLParam(r, "imageId")
	if !db.ValidID(imageID) {
		h.writeError(w, r, apperr.InvalidIdentifier("imageId"))
		return
	}

	data, info, err := h.blobs.Get(r.Context(), imageID)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			h.writeError(w, r, apperr.NotFound("image"))
			return
		}
		h.writeError(w, r, apperr.Dependency(err))
		return
	}

	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	// image ids are never reused
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
