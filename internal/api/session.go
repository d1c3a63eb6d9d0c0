package api

import (
	"errors"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"chatrelay/internal/apperr"
	"chatrelay/internal/auth"
	"chatrelay/internal/db"
	"chatrelay/internal/models"
)

func (h *Handlers) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if errs := req.Validate(); len(errs) > 0 {
		h.writeError(w, r, apperr.Validation(errs))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), h.bcryptCost)
	if err != nil {
		h.writeError(w, r, apperr.Internal(err))
		return
	}

	user, err := h.db.CreateUser(r.Context(), req.Username, req.Email, string(hash))
	if err != nil {
		var dup *db.DuplicateError
		if errors.As(err, &dup) {
			h.writeError(w, r, apperr.Conflict(dup.Field, dup.Field+" is already in use"))
			return
		}
		h.writeError(w, r, apperr.Dependency(err))
		return
	}

	h.logger.Info().Str("user", user.ID).Str("username", user.Username).Msg("user signed up")
	writeJSON(w, http.StatusCreated, map[string]string{"message": "User created"})
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if errs := req.Validate(); len(errs) > 0 {
		h.writeError(w, r, apperr.Validation(errs))
		return
	}

	invalid := map[string]any{"errors": map[string]string{"auth": "Invalid email or password"}}

	user, err := h.db.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeJSON(w, http.StatusBadRequest, invalid)
			return
		}
		h.writeError(w, r, apperr.Dependency(err))
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		writeJSON(w, http.StatusBadRequest, invalid)
		return
	}

	token, expires, err := h.verifier.Issue(auth.Identity{ID: user.ID, Username: user.Username})
	if err != nil {
		h.writeError(w, r, apperr.Internal(err))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		MaxAge:   int(time.Until(expires).Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.SecureCookies(),
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, models.LoginResponse{
		Message: "Login successful",
		User:    user.Public(),
	})
}

func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.SecureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}
