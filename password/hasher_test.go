package password

import (
	"errors"
	"strings"
	"testing"
)

func testConfig() Config {
	return Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func TestHashCompareRoundTrip(t *testing.T) {
	h, err := NewHasher(testConfig())
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}

	encoded, err := h.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$") {
		t.Fatalf("unexpected hash prefix: %q", encoded)
	}

	ok, err := h.Compare("correct horse battery", encoded)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if !ok {
		t.Fatal("expected matching password to verify")
	}

	ok, err = h.Compare("wrong horse battery", encoded)
	if err != nil {
		t.Fatalf("Compare mismatch: %v", err)
	}
	if ok {
		t.Fatal("expected mismatched password to fail")
	}
}

func TestHashesAreSalted(t *testing.T) {
	h, err := NewHasher(testConfig())
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}

	first, err := h.Hash("same password twice")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	second, err := h.Hash("same password twice")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if first == second {
		t.Fatal("expected distinct salts to produce distinct hashes")
	}
}

func TestHashRejectsShortPassword(t *testing.T) {
	h, err := NewHasher(testConfig())
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}

	if _, err := h.Hash("short"); err == nil {
		t.Fatal("expected short password to be rejected")
	}
}

func TestCompareRejectsMalformedHash(t *testing.T) {
	h, err := NewHasher(testConfig())
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}

	cases := []string{
		"",
		"plaintext",
		"$bcrypt$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=19$m=8192,t=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=19$m=1,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
	}
	for _, encoded := range cases {
		if _, err := h.Compare("whatever pass", encoded); !errors.Is(err, ErrHashFormat) {
			t.Fatalf("hash %q: expected ErrHashFormat, got %v", encoded, err)
		}
	}
}

func TestNeedsRehash(t *testing.T) {
	weak, err := NewHasher(testConfig())
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	encoded, err := weak.Hash("long enough pass")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	upgrade, err := weak.NeedsRehash(encoded)
	if err != nil {
		t.Fatalf("NeedsRehash: %v", err)
	}
	if upgrade {
		t.Fatal("hash at current parameters should not need rehash")
	}

	stronger := testConfig()
	stronger.Time = 3
	strong, err := NewHasher(stronger)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}

	upgrade, err = strong.NeedsRehash(encoded)
	if err != nil {
		t.Fatalf("NeedsRehash: %v", err)
	}
	if !upgrade {
		t.Fatal("hash below current parameters should need rehash")
	}
}

func TestNewHasherValidatesConfig(t *testing.T) {
	bad := testConfig()
	bad.SaltLength = 4
	if _, err := NewHasher(bad); err == nil {
		t.Fatal("expected salt length below minimum to be rejected")
	}
}
