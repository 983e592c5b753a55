package authcore

import (
	"errors"
	"time"
)

// DefaultEscalation is the shared block-duration table used by both the
// lockout tracker and the rate limit engine. The index is the number of
// prior offenses, clamped to the last entry.
var DefaultEscalation = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	24 * time.Hour,
}

// Config is the engine's full configuration tree. Zero values fall back
// to the defaults from DefaultConfig at Build time.
type Config struct {
	Token     TokenConfig
	Session   SessionConfig
	Lockout   LockoutConfig
	RateLimit RateLimitConfig
	Password  PasswordConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

// TokenConfig holds key material and TTLs for the token codec.
type TokenConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod string // "ed25519" (default) or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Leeway        time.Duration
}

// SessionConfig tunes session validation policy.
type SessionConfig struct {
	InactivityTimeout time.Duration
	// AbsoluteLifetime caps session age regardless of activity. Zero
	// disables the cap.
	AbsoluteLifetime time.Duration
	// EnforceIPBinding hard-rejects requests from a different IP than
	// the one that created the session.
	EnforceIPBinding bool
	// EnforceUserAgentBinding hard-rejects requests whose user-agent
	// fingerprint differs from the one that created the session. Off by
	// default; browsers change UA strings benignly.
	EnforceUserAgentBinding bool
	// DetectUserAgentChange flags user-agent changes in audit events
	// without rejecting. Ignored when EnforceUserAgentBinding is set.
	DetectUserAgentChange bool
}

// LockoutConfig tunes the failed-login tracker.
type LockoutConfig struct {
	Threshold int
	Window    time.Duration
	// Escalation overrides DefaultEscalation when set.
	Escalation []time.Duration
}

// ScopeLimit is one endpoint class's fixed-window budget.
type ScopeLimit struct {
	Window time.Duration
	Max    int
}

// RateLimitConfig tunes the rate limit engine. Scopes absent from
// Limits are not throttled.
type RateLimitConfig struct {
	Limits map[RateScope]ScopeLimit
	// Escalation overrides DefaultEscalation when set.
	Escalation []time.Duration
}

// PasswordConfig tunes argon2id hashing. Memory is in KiB.
type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	// DropIfFull sheds events when the buffer is full instead of
	// applying backpressure to request handlers.
	DropIfFull bool
}

// MetricsConfig controls the in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns production-leaning defaults. Key material must
// still be supplied by the caller.
func DefaultConfig() Config {
	return Config{
		Token: TokenConfig{
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    30 * 24 * time.Hour,
			SigningMethod: "ed25519",
			Leeway:        30 * time.Second,
		},
		Session: SessionConfig{
			InactivityTimeout:     30 * time.Minute,
			AbsoluteLifetime:      12 * time.Hour,
			EnforceIPBinding:      true,
			DetectUserAgentChange: true,
		},
		Lockout: LockoutConfig{
			Threshold: 5,
			Window:    15 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Limits: map[RateScope]ScopeLimit{
				ScopeAuth:      {Window: time.Minute, Max: 10},
				ScopeUpload:    {Window: time.Minute, Max: 20},
				ScopeWrite:     {Window: time.Minute, Max: 60},
				ScopeRead:      {Window: time.Minute, Max: 240},
				ScopeSearch:    {Window: time.Minute, Max: 60},
				ScopeSensitive: {Window: time.Minute, Max: 10},
			},
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        2,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Validate rejects configurations that would misbehave at runtime.
func (c *Config) Validate() error {
	if c.Token.AccessTTL <= 0 {
		return errors.New("token access ttl must be positive")
	}
	if c.Token.RefreshTTL <= c.Token.AccessTTL {
		return errors.New("token refresh ttl must exceed access ttl")
	}
	if c.Token.Leeway < 0 || c.Token.Leeway > 2*time.Minute {
		return errors.New("token leeway out of range")
	}
	if c.Session.InactivityTimeout <= 0 {
		return errors.New("session inactivity timeout must be positive")
	}
	if c.Session.AbsoluteLifetime < 0 {
		return errors.New("session absolute lifetime must not be negative")
	}
	if c.Lockout.Threshold <= 0 {
		return errors.New("lockout threshold must be positive")
	}
	if c.Lockout.Window <= 0 {
		return errors.New("lockout window must be positive")
	}
	for scope, limit := range c.RateLimit.Limits {
		if limit.Window <= 0 || limit.Max <= 0 {
			return errors.New("rate limit for scope " + string(scope) + " must have positive window and max")
		}
	}
	return nil
}

// escalationOrDefault returns the table, falling back to the shared
// default.
func escalationOrDefault(table []time.Duration) []time.Duration {
	if len(table) > 0 {
		return table
	}
	return DefaultEscalation
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Token.PrivateKey = cloneBytes(cfg.Token.PrivateKey)
	out.Token.PublicKey = cloneBytes(cfg.Token.PublicKey)
	out.Lockout.Escalation = cloneDurations(cfg.Lockout.Escalation)
	out.RateLimit.Escalation = cloneDurations(cfg.RateLimit.Escalation)
	if cfg.RateLimit.Limits != nil {
		out.RateLimit.Limits = make(map[RateScope]ScopeLimit, len(cfg.RateLimit.Limits))
		for scope, limit := range cfg.RateLimit.Limits {
			out.RateLimit.Limits[scope] = limit
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneDurations(d []time.Duration) []time.Duration {
	if d == nil {
		return nil
	}
	out := make([]time.Duration, len(d))
	copy(out, d)
	return out
}
