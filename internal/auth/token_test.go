package auth

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"
)

func newTestAuthority(t *testing.T, now time.Time, ttl time.Duration) *TokenAuthority {
	t.Helper()
	authority, err := NewTokenAuthority("secret", ttl, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewTokenAuthority: %v", err)
	}
	return authority
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0)
	authority := newTestAuthority(t, now, 24*time.Hour)

	token, err := authority.Issue("player-123", "TestPlayer")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := authority.Validate(token)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if claims.PlayerID != "player-123" || claims.Username != "TestPlayer" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.ExpiresAt != now.Add(24*time.Hour).Unix() {
		t.Fatalf("unexpected expiry: %d", claims.ExpiresAt)
	}
	if len(claims.Nonce) < 32 {
		t.Fatalf("expected >=16 random bytes of nonce, got %q", claims.Nonce)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := &now
	authority, err := NewTokenAuthority("secret", time.Hour, WithClock(func() time.Time { return *clock }))
	if err != nil {
		t.Fatalf("NewTokenAuthority: %v", err)
	}

	token, err := authority.Issue("player-123", "TestPlayer")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := authority.Validate(token); err != nil {
		t.Fatalf("token should validate at issuance: %v", err)
	}

	later := now.Add(time.Hour + time.Second)
	clock = &later
	if _, err := authority.Validate(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	now := time.Unix(1700000000, 0)
	authority := newTestAuthority(t, now, time.Hour)

	token, err := authority.Issue("player-123", "TestPlayer")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	blob, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	for i := range blob {
		mutated := append([]byte(nil), blob...)
		mutated[i] ^= 0x01
		forged := base64.URLEncoding.EncodeToString(mutated)
		if _, err := authority.Validate(forged); err == nil {
			t.Fatalf("tampered byte %d validated", i)
		}
	}
}

func TestValidateRejectsGarbageInput(t *testing.T) {
	authority := newTestAuthority(t, time.Unix(1700000000, 0), time.Hour)

	for _, raw := range []string{"", "not-base64!!!", base64.URLEncoding.EncodeToString([]byte("{}"))} {
		if _, err := authority.Validate(raw); !errors.Is(err, ErrSignatureMismatch) {
			t.Fatalf("expected ErrSignatureMismatch for %q, got %v", raw, err)
		}
	}
}

func TestRevokeDropsCachedToken(t *testing.T) {
	authority := newTestAuthority(t, time.Unix(1700000000, 0), time.Hour)

	token, err := authority.Issue("player-123", "TestPlayer")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if cached, ok := authority.LastIssued("player-123"); !ok || cached != token {
		t.Fatal("expected cached last-issued token")
	}

	authority.Revoke("player-123")
	if _, ok := authority.LastIssued("player-123"); ok {
		t.Fatal("expected cache to be dropped after revoke")
	}
	// Revocation cannot recall a self-validating token before expiry.
	if _, err := authority.Validate(token); err != nil {
		t.Fatalf("revoked token should still validate until expiry: %v", err)
	}
}

func TestGenerateSessionKey(t *testing.T) {
	first, err := GenerateSessionKey()
	if err != nil {
		t.Fatalf("GenerateSessionKey: %v", err)
	}
	second, err := GenerateSessionKey()
	if err != nil {
		t.Fatalf("GenerateSessionKey: %v", err)
	}
	if len(first) != 64 || first == second {
		t.Fatalf("expected unique 32-byte hex keys, got %q and %q", first, second)
	}
}
