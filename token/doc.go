// Package token implements the stateless token codec: issuance and
// verification of compact signed tokens carrying back-office auth claims.
//
// The codec is a pure function of its key material and the clock. It holds
// no per-token state; revocation and rotation live in the ledger and
// session packages.
//
// # What this package must NOT do
//
//   - Perform I/O of any kind.
//   - Log token values. Callers must never log a full token either.
//   - Import any other authcore package.
package token
