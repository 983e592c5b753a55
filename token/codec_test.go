package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("ed25519 keygen: %v", err)
	}

	codec, err := NewCodec(Config{
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     pub,
		Issuer:        "authcore-test",
	})
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return codec
}

func testClaims() Claims {
	c := Claims{
		Email:       "agent@estatedesk.example",
		Role:        "agent",
		DisplayName: "Test Agent",
		SessionID:   "sid-1",
	}
	c.Subject = "user-1"
	c.ID = "jti-1"
	return c
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	codec := newTestCodec(t)

	tok, err := codec.Issue(testClaims(), TypeAccess, 15*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := codec.Verify(tok, TypeAccess)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.SubjectID() != "user-1" {
		t.Fatalf("subject = %q, want user-1", claims.SubjectID())
	}
	if claims.SessionID != "sid-1" {
		t.Fatalf("session = %q, want sid-1", claims.SessionID)
	}
	if claims.Use != TypeAccess {
		t.Fatalf("use = %q, want access", claims.Use)
	}
	if claims.ExpiresAt == nil || !claims.ExpiresAt.After(time.Now()) {
		t.Fatal("expected a future expiry claim")
	}
}

func TestVerifyRejectsWrongClass(t *testing.T) {
	codec := newTestCodec(t)

	tok, err := codec.Issue(testClaims(), TypeRefresh, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := codec.Verify(tok, TypeAccess); !errors.Is(err, ErrClaimMismatch) {
		t.Fatalf("expected ErrClaimMismatch, got %v", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	codec := newTestCodec(t)

	tok, err := codec.Issue(testClaims(), TypeAccess, time.Millisecond)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	if _, err := codec.Verify(tok, TypeAccess); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	codec := newTestCodec(t)

	tok, err := codec.Issue(testClaims(), TypeAccess, 15*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		t.Fatalf("expected 3 token segments, got %d", len(parts))
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}

	// Flip each bit of the first signature byte; every mutation must fail
	// with a signature error, never pass or be misreported as malformed.
	for bit := 0; bit < 8; bit++ {
		mutated := make([]byte, len(sig))
		copy(mutated, sig)
		mutated[0] ^= 1 << bit

		forged := parts[0] + "." + parts[1] + "." + base64.RawURLEncoding.EncodeToString(mutated)
		if _, err := codec.Verify(forged, TypeAccess); !errors.Is(err, ErrSignatureInvalid) {
			t.Fatalf("bit %d: expected ErrSignatureInvalid, got %v", bit, err)
		}
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	codec := newTestCodec(t)

	for _, tok := range []string{"", "not-a-token", "a.b", "a.b.c.d"} {
		if _, err := codec.Verify(tok, TypeAccess); !errors.Is(err, ErrMalformed) {
			t.Fatalf("token %q: expected ErrMalformed, got %v", tok, err)
		}
	}
}

func TestVerifyRejectsCrossAlgorithm(t *testing.T) {
	edCodec := newTestCodec(t)

	hsCodec, err := NewCodec(Config{
		SigningMethod: MethodHS256,
		PrivateKey:    []byte("0123456789abcdef0123456789abcdef"),
	})
	if err != nil {
		t.Fatalf("NewCodec hs256: %v", err)
	}

	tok, err := hsCodec.Issue(testClaims(), TypeAccess, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := edCodec.Verify(tok, TypeAccess); err == nil {
		t.Fatal("expected cross-algorithm verification to fail")
	}
}
