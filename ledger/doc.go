// Package ledger tracks refresh tokens at rest as one-way hashes and
// enforces the rotation protocol: every successful refresh revokes the
// presented token and issues a successor in the same family.
//
// Presenting a token that was already rotated away is a theft signal.
// The ledger revokes the whole family and reports ErrReuseDetected so
// the caller can terminate the session.
//
// Rotation is linearizable per family: of N concurrent rotations of the
// same token exactly one wins, the rest observe ErrAlreadyRevoked or
// ErrReuseDetected. The memory store serializes on a mutex; the Redis
// store runs a Lua compare-and-swap.
package ledger
