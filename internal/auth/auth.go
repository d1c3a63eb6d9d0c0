// Package auth issues and verifies the signed session credential carried by
// REST requests and WebSocket handshakes.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
)

// CookieName is the HTTP-only cookie holding the session token.
const CookieName = "auth_token"

const issuer = "chatrelay"

// ErrInvalidCredential is returned for every rejected token, whatever the reason.
var ErrInvalidCredential = errors.New("invalid credential")

// Identity is the verified user behind a credential.
type Identity struct {
	ID       string
	Username string
}

type claims struct {
	Username string `json:"username"`
	jwt.StandardClaims
}

type Verifier struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewVerifier(secret string, ttl time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// TTL returns how long issued tokens stay valid.
func (v *Verifier) TTL() time.Duration { return v.ttl }

// Issue signs a token for id.
func (v *Verifier) Issue(id Identity) (string, time.Time, error) {
	now := v.now()
	expires := now.Add(v.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Username: id.Username,
		StandardClaims: jwt.StandardClaims{
			Subject:   id.ID,
			Issuer:    issuer,
			IssuedAt:  now.Unix(),
			ExpiresAt: expires.Unix(),
		},
	})

	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// Verify checks signature, algorithm and expiry and returns the identity.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, ErrInvalidCredential
	}

	c := &claims{}
	token, err := jwt.ParseWithClaims(tokenString, c, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidCredential
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidCredential
	}

	// StandardClaims.Valid accepts a missing exp
	if c.ExpiresAt == 0 || c.ExpiresAt < v.now().Unix() || c.Subject == "" {
		return Identity{}, ErrInvalidCredential
	}

	return Identity{ID: c.Subject, Username: c.Username}, nil
}

// TokenFromRequest extracts the credential from the session cookie, falling
// back to an Authorization bearer header.
func TokenFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
		return strings.TrimPrefix(cookie.Value, "Bearer ")
	}

	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
