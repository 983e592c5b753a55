// Package internal holds shared primitives used by the authcore engine and
// its component packages: cryptographically random identifiers and refresh
// secrets, binding-value hashing, and client-key derivation for rate
// limiting.
//
// # Architecture boundaries
//
// This package must stay leaf-level: it may import only the standard library
// and small identifier helpers, never a sibling component package.
package internal
