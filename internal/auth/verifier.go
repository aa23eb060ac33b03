// Package auth verifies the bearer credential presented on the WebSocket
// upgrade request. It is the only package that inspects HTTP; after a
// successful verification the connection is a WebSocket and identity travels
// as [Claims].
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// ErrNoToken is returned when neither the Authorization header nor the token
// query parameter carries a credential.
var ErrNoToken = errors.New("auth: no bearer token presented")

// ErrInvalidToken is returned for malformed, tampered, or expired tokens.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims is the verified identity extracted from a bearer token.
type Claims struct {
	TenantID    string    `json:"tenant_id"`
	LearnerID   string    `json:"learner_id"`
	Permissions []string  `json:"permissions,omitempty"`
	SessionHint string    `json:"session_hint,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// HasPermission reports whether the claims carry the named permission.
func (c Claims) HasPermission(name string) bool {
	for _, p := range c.Permissions {
		if p == name {
			return true
		}
	}
	return false
}

// Verifier decodes and validates a bearer credential.
type Verifier interface {
	// Verify validates token and returns its claims. Malformed or expired
	// tokens yield an error wrapping [ErrInvalidToken].
	Verify(ctx context.Context, token string) (Claims, error)
}

// TokenFromRequest extracts the bearer credential from the Authorization
// header or, if absent, from the token query parameter.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(h, prefix) {
			return "", ErrInvalidToken
		}
		return strings.TrimSpace(h[len(prefix):]), nil
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, nil
	}
	return "", ErrNoToken
}
