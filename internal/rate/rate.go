package rate

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Scope identifies an endpoint class with its own request budget.
type Scope string

const (
	ScopeAuth      Scope = "auth"
	ScopeUpload    Scope = "upload"
	ScopeWrite     Scope = "write"
	ScopeRead      Scope = "read"
	ScopeSearch    Scope = "search"
	ScopeSensitive Scope = "sensitive"
)

// failsOpen reports whether a backend outage lets requests through for
// this scope. Only read-class traffic trades security for availability.
func (s Scope) failsOpen() bool {
	return s == ScopeRead || s == ScopeSearch
}

// ErrUnavailable indicates the counter backend is unreachable and the
// scope's fail policy is closed.
var ErrUnavailable = errors.New("rate limit backend unavailable")

// violationHistoryTTL bounds how long past violations keep escalating
// block durations.
const violationHistoryTTL = 24 * time.Hour

// Limit is one scope's fixed-window budget.
type Limit struct {
	Window time.Duration
	Max    int
}

// Config tunes the engine. Scopes absent from Limits are not throttled.
type Config struct {
	Limits map[Scope]Limit
	// Escalation maps violation count n to the block duration at index
	// min(n-1, len-1).
	Escalation []time.Duration
}

// Result is the outcome of one admission check.
type Result struct {
	Allowed bool
	// Remaining is the budget left in the current window when allowed.
	Remaining int
	// ResetAt is when the current window's counter expires.
	ResetAt time.Time
	// Blocked reports a client-wide block rather than a per-scope
	// rejection.
	Blocked bool
	// RetryAfter is how long the client should wait when not allowed.
	RetryAfter time.Duration
}

// store is the counter backend. Implementations provide atomic
// first-hit-TTL increments.
type store interface {
	// incrWindow bumps the scope counter, starting a window of the given
	// length on first hit, and returns the count and window expiry.
	incrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Time, error)
	// incrViolations bumps the client's violation counter, refreshing
	// its TTL.
	incrViolations(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// getBlock returns the client's block expiry, zero when unblocked.
	getBlock(ctx context.Context, key string) (time.Time, error)
	// setBlock places a client-wide block until the given instant.
	setBlock(ctx context.Context, key string, until time.Time) error
}

// Engine applies the admission pipeline: client-wide block check first,
// then the per-scope counter, then violation accounting on rejection.
type Engine struct {
	store  store
	config Config
	now    func() time.Time
}

// NewMemory creates an engine with in-process counters.
func NewMemory(cfg Config) *Engine {
	return &Engine{store: newMemoryStore(), config: cfg, now: time.Now}
}

// SetClock overrides the engine's clock. Test hook.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	if mem, ok := e.store.(*memoryStore); ok {
		mem.now = now
	}
}

// Allow runs the full admission pipeline for one request.
func (e *Engine) Allow(ctx context.Context, scope Scope, clientKey string) (Result, error) {
	now := e.now()

	until, err := e.store.getBlock(ctx, blockKey(clientKey))
	if err != nil {
		return e.failPolicy(scope, err)
	}
	if now.Before(until) {
		return Result{Blocked: true, RetryAfter: until.Sub(now)}, nil
	}

	limit, ok := e.config.Limits[scope]
	if !ok || limit.Max <= 0 {
		return Result{Allowed: true, Remaining: -1}, nil
	}

	count, resetAt, err := e.store.incrWindow(ctx, counterKey(scope, clientKey), limit.Window)
	if err != nil {
		return e.failPolicy(scope, err)
	}

	if count <= int64(limit.Max) {
		return Result{
			Allowed:   true,
			Remaining: limit.Max - int(count),
			ResetAt:   resetAt,
		}, nil
	}

	violations, err := e.store.incrViolations(ctx, violationKey(clientKey), violationHistoryTTL)
	if err != nil {
		return e.failPolicy(scope, err)
	}
	blockDuration := e.blockDuration(violations)

	// Flooding far past the budget earns a client-wide block that
	// short-circuits every scope until it expires.
	if count > 2*int64(limit.Max) {
		blockUntil := now.Add(blockDuration)
		if err := e.store.setBlock(ctx, blockKey(clientKey), blockUntil); err != nil {
			return e.failPolicy(scope, err)
		}
		return Result{Blocked: true, RetryAfter: blockDuration, ResetAt: resetAt}, nil
	}

	return Result{ResetAt: resetAt, RetryAfter: resetAt.Sub(now)}, nil
}

// Block places an explicit client-wide block, for operator tooling.
func (e *Engine) Block(ctx context.Context, clientKey string, duration time.Duration) error {
	if err := e.store.setBlock(ctx, blockKey(clientKey), e.now().Add(duration)); err != nil {
		return err
	}
	return nil
}

// Blocked reports whether the client is under a client-wide block.
func (e *Engine) Blocked(ctx context.Context, clientKey string) (bool, time.Duration, error) {
	until, err := e.store.getBlock(ctx, blockKey(clientKey))
	if err != nil {
		return false, 0, err
	}
	now := e.now()
	if now.Before(until) {
		return true, until.Sub(now), nil
	}
	return false, 0, nil
}

// Sweep drops expired in-process counters. No-op on TTL-native backends.
func (e *Engine) Sweep() {
	if sweeper, ok := e.store.(interface{ sweep(now time.Time) }); ok {
		sweeper.sweep(e.now())
	}
}

func (e *Engine) blockDuration(violations int64) time.Duration {
	table := e.config.Escalation
	if len(table) == 0 {
		return time.Minute
	}
	idx := violations - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= int64(len(table)) {
		idx = int64(len(table)) - 1
	}
	return table[idx]
}

func (e *Engine) failPolicy(scope Scope, err error) (Result, error) {
	if scope.failsOpen() {
		return Result{Allowed: true, Remaining: -1}, nil
	}
	return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func counterKey(scope Scope, clientKey string) string {
	return "rt:c:" + string(scope) + ":" + clientKey
}

func violationKey(clientKey string) string { return "rt:v:" + clientKey }
func blockKey(clientKey string) string     { return "rt:b:" + clientKey }
