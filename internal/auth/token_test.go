package auth

import (
	"errors"
	"testing"
	"time"
)

func newTestManager(clock func() time.Time) *TokenManager {
	return NewTokenManager(TokenManagerConfig{
		SigningSecret: []byte("test-secret"),
		TokenTTL:      time.Hour,
		Clock:         clock,
	})
}

func TestIssueAndValidateToken(t *testing.T) {
	now := time.Unix(1700000000, 0)
	manager := newTestManager(func() time.Time { return now })

	token, err := manager.IssueToken("user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	subject, err := manager.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "user-1" {
		t.Fatalf("unexpected subject %q", subject)
	}
}

func TestValidateTokenExpired(t *testing.T) {
	now := time.Unix(1700000000, 0)
	manager := newTestManager(func() time.Time { return now })

	token, err := manager.IssueToken("user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := manager.ValidateToken(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	manager := newTestManager(nil)
	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := manager.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken for %q, got %v", token, err)
		}
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	issuer := NewTokenManager(TokenManagerConfig{SigningSecret: []byte("other-secret")})
	token, err := issuer.IssueToken("user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	manager := newTestManager(nil)
	if _, err := manager.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestIssueTokenRequiresSubject(t *testing.T) {
	manager := newTestManager(nil)
	if _, err := manager.IssueToken("  "); err == nil {
		t.Fatalf("expected error for blank subject")
	}
}
