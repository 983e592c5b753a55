// Package authcore is the authentication and abuse-prevention core for
// a real-estate back office: JWT access tokens, rotating opaque refresh
// tokens with family-wide reuse detection, Redis-backed sessions bound
// to the creating client, account lockout with escalating durations,
// and per-scope rate limiting with progressive client-wide blocks.
//
// The package is designed for concurrent server workloads: Engine
// methods are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # Architecture boundaries
//
// authcore is the orchestration surface. It exposes [Engine],
// [Builder], [Config], and value types (LoginResult, MetricsSnapshot,
// SessionRecord, etc.). The mechanisms live in sub-packages: token
// signing in token/, password hashing in password/, the refresh ledger
// in ledger/, session policy in session/, and lockout, rate limiting,
// and audit dispatch under internal/.
//
// # Failure posture
//
// Backend outages fail closed everywhere credentials or tokens are
// judged; only read-class rate limit scopes fail open. Rejections that
// would reveal account existence or token provenance collapse into
// uniform errors: ErrInvalidCredentials for login, ErrUnauthorized for
// refresh.
package authcore
