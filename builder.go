package authcore

import (
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/estatedesk/authcore/internal/audit"
	"github.com/estatedesk/authcore/internal/lockout"
	"github.com/estatedesk/authcore/internal/rate"
	"github.com/estatedesk/authcore/ledger"
	"github.com/estatedesk/authcore/password"
	"github.com/estatedesk/authcore/session"
	"github.com/estatedesk/authcore/token"
)

// Builder assembles an Engine. A builder is single-use; Build fails on
// the second call.
type Builder struct {
	config      Config
	redis       redis.UniversalClient
	credentials CredentialStore
	auditSink   AuditSink

	built bool
}

// New starts a builder with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the whole configuration tree.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis backs the ledger, session registry, lockout tracker, and
// rate limiter with Redis so state is shared across instances.
//
// Without Redis every store is in-process. The ledger and session
// registry then cannot survive restarts or span instances, and rate and
// lockout counting is per instance (slightly looser limits). That is
// acceptable for a single node and for tests, and a deliberate
// deployment tradeoff everywhere else.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithCredentialStore wires the back office's user directory. Required.
func (b *Builder) WithCredentialStore(store CredentialStore) *Builder {
	b.credentials = store
	return b
}

// WithAuditSink sets the destination for audit events.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithMetricsEnabled toggles the in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build validates the configuration and assembles the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.credentials == nil {
		return nil, errors.New("credential store required")
	}

	hasher, err := password.NewHasher(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	codec, err := token.NewCodec(token.Config{
		SigningMethod: token.SigningMethod(cfg.Token.SigningMethod),
		PrivateKey:    cfg.Token.PrivateKey,
		PublicKey:     cfg.Token.PublicKey,
		Issuer:        cfg.Token.Issuer,
		Leeway:        cfg.Token.Leeway,
	})
	if err != nil {
		return nil, err
	}

	lockoutCfg := lockout.Config{
		Threshold:  cfg.Lockout.Threshold,
		Window:     cfg.Lockout.Window,
		Escalation: escalationOrDefault(cfg.Lockout.Escalation),
	}

	rateCfg := rate.Config{
		Limits:     make(map[rate.Scope]rate.Limit, len(cfg.RateLimit.Limits)),
		Escalation: escalationOrDefault(cfg.RateLimit.Escalation),
	}
	for scope, limit := range cfg.RateLimit.Limits {
		rateCfg.Limits[scope] = rate.Limit{Window: limit.Window, Max: limit.Max}
	}

	engine := &Engine{
		config:      cfg,
		credentials: b.credentials,
		hasher:      hasher,
		codec:       codec,
	}

	sessionCfg := session.Config{
		InactivityTimeout:       cfg.Session.InactivityTimeout,
		AbsoluteLifetime:        cfg.Session.AbsoluteLifetime,
		EnforceIPBinding:        cfg.Session.EnforceIPBinding,
		EnforceUserAgentBinding: cfg.Session.EnforceUserAgentBinding,
		DetectUserAgentChange:   cfg.Session.DetectUserAgentChange,
	}

	if b.redis != nil {
		engine.ledger = ledger.NewRedisStore(b.redis)
		engine.sessions = session.NewRegistry(session.NewRedisStore(b.redis), sessionCfg)
		engine.lockouts = lockout.NewRedisTracker(b.redis, lockoutCfg)
		engine.limiter = rate.NewRedis(b.redis, rateCfg)
	} else {
		engine.ledger = ledger.NewMemoryStore()
		engine.sessions = session.NewRegistry(session.NewMemoryStore(), sessionCfg)
		engine.lockouts = lockout.NewMemoryTracker(lockoutCfg)
		engine.limiter = rate.NewMemory(rateCfg)
	}

	engine.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)

	b.built = true

	return engine, nil
}
