package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

// SessionID is a 128-bit random session identifier, rendered as compact
// base64url in tokens and store keys.
type SessionID [16]byte

const refreshTokenRawSize = 48

// ErrTokenEncoding is returned when a raw refresh token is not valid
// base64url of the expected length.
var ErrTokenEncoding = errors.New("invalid refresh token encoding")

func NewSessionID() (SessionID, error) {
	var sid SessionID
	_, err := rand.Read(sid[:])
	return sid, err
}

func (s SessionID) String() string {
	return base64.RawURLEncoding.EncodeToString(s[:])
}

func ParseSessionID(sessionID string) (SessionID, error) {
	var sid SessionID

	raw, err := base64.RawURLEncoding.DecodeString(sessionID)
	if err != nil {
		return sid, err
	}
	if len(raw) != len(sid) {
		return sid, errors.New("invalid session id size")
	}

	copy(sid[:], raw)
	return sid, nil
}

// NewRefreshToken generates an opaque high-entropy refresh token and the
// SHA-256 digest the ledger stores in its place. The raw value exists only
// in the return path to the client.
func NewRefreshToken() (string, [32]byte, error) {
	var raw [refreshTokenRawSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", [32]byte{}, err
	}

	return base64.RawURLEncoding.EncodeToString(raw[:]), sha256.Sum256(raw[:]), nil
}

// HashRefreshToken recomputes the ledger digest for a client-presented raw
// token. Structurally invalid tokens fail with ErrTokenEncoding before any
// store lookup happens.
func HashRefreshToken(token string) ([32]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return [32]byte{}, ErrTokenEncoding
	}
	if len(raw) != refreshTokenRawSize {
		return [32]byte{}, ErrTokenEncoding
	}

	return sha256.Sum256(raw), nil
}

// DigestKey renders a token digest as the hex string used in store keys.
func DigestKey(digest [32]byte) string {
	return hex.EncodeToString(digest[:])
}
