// Package session tracks login sessions: one record per login event,
// touched on every authenticated request and revoked on logout.
//
// The Registry applies validation policy (inactivity timeout, absolute
// lifetime, IP and user-agent binding) over a pluggable Store. The
// memory store suits single-node deployments; the Redis store shares
// session state across instances.
package session
