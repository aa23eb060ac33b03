// Package mock provides a test double for the auth.Verifier interface.
package mock

import (
	"context"

	"github.com/tandemly/voicerelay/internal/auth"
)

// Verifier is a configurable auth.Verifier test double. It records every
// token presented and returns the configured claims or error.
type Verifier struct {
	Claims auth.Claims
	Err    error

	// Tokens records each token passed to Verify, in order.
	Tokens []string
}

var _ auth.Verifier = (*Verifier)(nil)

// Verify implements auth.Verifier.
func (v *Verifier) Verify(_ context.Context, token string) (auth.Claims, error) {
	v.Tokens = append(v.Tokens, token)
	if v.Err != nil {
		return auth.Claims{}, v.Err
	}
	return v.Claims, nil
}
