package auth_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tandemly/voicerelay/internal/auth"
)

func TestHMACVerifier_RoundTrip(t *testing.T) {
	t.Parallel()

	v := auth.NewHMACVerifier("secret-key")
	claims := auth.Claims{
		TenantID:    "t1",
		LearnerID:   "u1",
		Permissions: []string{"voice:connect"},
		SessionHint: "sess_42",
		ExpiresAt:   time.Now().Add(time.Hour),
	}

	token, err := v.Mint(claims)
	if err != nil {
		t.Fatalf("Mint() error: %v", err)
	}

	got, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if got.TenantID != "t1" || got.LearnerID != "u1" {
		t.Errorf("claims = %+v", got)
	}
	if got.SessionHint != "sess_42" {
		t.Errorf("SessionHint = %q", got.SessionHint)
	}
	if !got.HasPermission("voice:connect") {
		t.Error("permission voice:connect should be present")
	}
	if got.HasPermission("voice:admin") {
		t.Error("permission voice:admin should be absent")
	}
}

func TestHMACVerifier_Rejections(t *testing.T) {
	t.Parallel()

	v := auth.NewHMACVerifier("secret-key")
	good, err := v.Mint(auth.Claims{TenantID: "t1", LearnerID: "u1"})
	if err != nil {
		t.Fatal(err)
	}

	other := auth.NewHMACVerifier("different-key")
	forged, err := other.Mint(auth.Claims{TenantID: "t1", LearnerID: "u1"})
	if err != nil {
		t.Fatal(err)
	}

	expired, err := v.Mint(auth.Claims{
		TenantID: "t1", LearnerID: "u1",
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"no separator", "abcdef"},
		{"bad base64", "!!!.???"},
		{"wrong key", forged},
		{"expired", expired},
		{"tampered", "eyJ0ZW5hbnRfaWQiOiJ0MiJ9." + strings.SplitN(good, ".", 2)[1]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := v.Verify(context.Background(), tt.token)
			if !errors.Is(err, auth.ErrInvalidToken) {
				t.Errorf("Verify(%q) error = %v, want ErrInvalidToken", tt.token, err)
			}
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	t.Parallel()

	t.Run("header", func(t *testing.T) {
		t.Parallel()
		r := httptest.NewRequest("GET", "/ws/voice/sess_1", nil)
		r.Header.Set("Authorization", "Bearer tok123")
		got, err := auth.TokenFromRequest(r)
		if err != nil || got != "tok123" {
			t.Errorf("got (%q, %v), want (tok123, nil)", got, err)
		}
	})

	t.Run("query fallback", func(t *testing.T) {
		t.Parallel()
		r := httptest.NewRequest("GET", "/ws/voice/sess_1?token=tok456", nil)
		got, err := auth.TokenFromRequest(r)
		if err != nil || got != "tok456" {
			t.Errorf("got (%q, %v), want (tok456, nil)", got, err)
		}
	})

	t.Run("header wins over query", func(t *testing.T) {
		t.Parallel()
		r := httptest.NewRequest("GET", "/ws/voice/sess_1?token=fromquery", nil)
		r.Header.Set("Authorization", "Bearer fromheader")
		got, _ := auth.TokenFromRequest(r)
		if got != "fromheader" {
			t.Errorf("got %q, want fromheader", got)
		}
	})

	t.Run("missing", func(t *testing.T) {
		t.Parallel()
		r := httptest.NewRequest("GET", "/ws/voice/sess_1", nil)
		_, err := auth.TokenFromRequest(r)
		if !errors.Is(err, auth.ErrNoToken) {
			t.Errorf("error = %v, want ErrNoToken", err)
		}
	})

	t.Run("non-bearer scheme", func(t *testing.T) {
		t.Parallel()
		r := httptest.NewRequest("GET", "/ws/voice/sess_1", nil)
		r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		_, err := auth.TokenFromRequest(r)
		if !errors.Is(err, auth.ErrInvalidToken) {
			t.Errorf("error = %v, want ErrInvalidToken", err)
		}
	})
}
