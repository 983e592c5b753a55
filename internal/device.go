package internal

import (
	"crypto/sha256"
	"strings"
)

// HashBindingValue hashes a session-binding input (IP or user-agent).
// Only the digest is ever persisted or compared.
func HashBindingValue(v string) [32]byte {
	return sha256.Sum256([]byte(v))
}

// FingerprintUserAgent normalizes a User-Agent header before hashing so
// harmless whitespace variations do not trip device-change detection.
func FingerprintUserAgent(ua string) [32]byte {
	return HashBindingValue(strings.TrimSpace(ua))
}
