package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// HMACVerifier validates compact HMAC-SHA256-signed tokens of the form
// base64url(payload) + "." + base64url(signature), where payload is the JSON
// encoding of [Claims]. The platform's token service mints these; the relay
// only verifies.
type HMACVerifier struct {
	secret []byte
	now    func() time.Time
}

// Compile-time interface check.
var _ Verifier = (*HMACVerifier)(nil)

// NewHMACVerifier creates a verifier keyed with secret.
func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret), now: time.Now}
}

// Verify implements [Verifier].
func (v *HMACVerifier) Verify(_ context.Context, token string) (Claims, error) {
	payloadB64, sigB64, ok := strings.Cut(token, ".")
	if !ok {
		return Claims{}, fmt.Errorf("%w: not a compact token", ErrInvalidToken)
	}

	payload, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: payload encoding: %v", ErrInvalidToken, err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: signature encoding: %v", ErrInvalidToken, err)
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return Claims{}, fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, fmt.Errorf("%w: payload: %v", ErrInvalidToken, err)
	}
	if claims.TenantID == "" || claims.LearnerID == "" {
		return Claims{}, fmt.Errorf("%w: missing tenant or learner id", ErrInvalidToken)
	}
	if !claims.ExpiresAt.IsZero() && v.now().After(claims.ExpiresAt) {
		return Claims{}, fmt.Errorf("%w: expired at %s", ErrInvalidToken, claims.ExpiresAt.Format(time.RFC3339))
	}

	return claims, nil
}

// Mint signs claims into a compact token. Exposed for tests and local
// tooling; production tokens come from the platform's token service.
func (v *HMACVerifier) Mint(claims Claims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("auth: marshal claims: %w", err)
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}
