// Package password hashes and verifies credentials with argon2id.
//
// Hashes are stored in PHC string format so parameters travel with the
// hash and can be upgraded over time. Compare is constant-time over the
// derived key; callers that want a constant-cost failure path for unknown
// accounts should call DummyCompare instead of skipping the comparison.
package password
