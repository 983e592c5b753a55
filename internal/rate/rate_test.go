package rate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testRateConfig() Config {
	return Config{
		Limits: map[Scope]Limit{
			ScopeAuth:   {Window: time.Minute, Max: 3},
			ScopeSearch: {Window: time.Minute, Max: 3},
		},
		Escalation: []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour, 24 * time.Hour},
	}
}

func TestMemoryWindowBoundary(t *testing.T) {
	engine := NewMemory(testRateConfig())
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	engine.SetClock(func() time.Time { return now })
	ctx := context.Background()

	for i, wantRemaining := range []int{2, 1, 0} {
		result, err := engine.Allow(ctx, ScopeAuth, "10.0.0.1")
		if err != nil {
			t.Fatalf("Allow %d: %v", i+1, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if result.Remaining != wantRemaining {
			t.Fatalf("request %d: remaining = %d, want %d", i+1, result.Remaining, wantRemaining)
		}
	}

	result, err := engine.Allow(ctx, ScopeAuth, "10.0.0.1")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if result.Allowed {
		t.Fatal("fourth request in the window should be rejected")
	}
	if !result.ResetAt.After(now) {
		t.Fatalf("ResetAt = %v, want future", result.ResetAt)
	}
	if result.Blocked {
		t.Fatal("a mild overage must not hard-block the client")
	}

	// A fresh window restores the budget.
	now = now.Add(time.Minute + time.Second)
	result, err = engine.Allow(ctx, ScopeAuth, "10.0.0.1")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !result.Allowed || result.Remaining != 2 {
		t.Fatalf("after window reset: allowed=%v remaining=%d", result.Allowed, result.Remaining)
	}
}

func TestMemoryScopesAreIndependent(t *testing.T) {
	engine := NewMemory(testRateConfig())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := engine.Allow(ctx, ScopeAuth, "10.0.0.1"); err != nil {
			t.Fatalf("Allow: %v", err)
		}
	}

	result, err := engine.Allow(ctx, ScopeSearch, "10.0.0.1")
	if err != nil {
		t.Fatalf("Allow search: %v", err)
	}
	if !result.Allowed {
		t.Fatal("exhausting one scope must not reject another")
	}
}

func TestMemorySevereOverageBlocksAllScopes(t *testing.T) {
	engine := NewMemory(testRateConfig())
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	engine.SetClock(func() time.Time { return now })
	ctx := context.Background()

	// Max is 3; the 7th hit crosses 2*Max and earns a hard block.
	var result Result
	var err error
	for i := 0; i < 7; i++ {
		result, err = engine.Allow(ctx, ScopeAuth, "10.0.0.9")
		if err != nil {
			t.Fatalf("Allow %d: %v", i+1, err)
		}
	}
	if !result.Blocked {
		t.Fatal("crossing twice the budget should hard-block the client")
	}

	// The block short-circuits every scope for that client.
	blocked, err := engine.Allow(ctx, ScopeSearch, "10.0.0.9")
	if err != nil {
		t.Fatalf("Allow search: %v", err)
	}
	if blocked.Allowed || !blocked.Blocked {
		t.Fatal("blocked client should be rejected on all scopes")
	}
	if blocked.RetryAfter <= 0 {
		t.Fatalf("RetryAfter = %v, want positive", blocked.RetryAfter)
	}

	// Other clients are unaffected.
	other, err := engine.Allow(ctx, ScopeAuth, "10.0.0.10")
	if err != nil {
		t.Fatalf("Allow other: %v", err)
	}
	if !other.Allowed {
		t.Fatal("block must be scoped to the offending client")
	}
}

func TestEscalationTable(t *testing.T) {
	engine := NewMemory(testRateConfig())

	wants := []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour, 24 * time.Hour, 24 * time.Hour}
	for i, want := range wants {
		if got := engine.blockDuration(int64(i + 1)); got != want {
			t.Fatalf("violation %d: duration = %v, want %v", i+1, got, want)
		}
	}
}

func TestUnlimitedScopePassesThrough(t *testing.T) {
	engine := NewMemory(testRateConfig())
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		result, err := engine.Allow(ctx, ScopeRead, "10.0.0.1")
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !result.Allowed {
			t.Fatal("unconfigured scope must not throttle")
		}
	}
}

func TestSweepDropsExpiredCounters(t *testing.T) {
	engine := NewMemory(testRateConfig())
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	engine.SetClock(func() time.Time { return now })
	ctx := context.Background()

	if _, err := engine.Allow(ctx, ScopeAuth, "10.0.0.1"); err != nil {
		t.Fatalf("Allow: %v", err)
	}

	now = now.Add(2 * time.Minute)
	engine.Sweep()

	mem := engine.store.(*memoryStore)
	mem.mu.Lock()
	counters := len(mem.counters)
	mem.mu.Unlock()
	if counters != 0 {
		t.Fatalf("expected swept counters, have %d", counters)
	}
}

func newRedisEngine(t *testing.T) (*Engine, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedis(rdb, testRateConfig()), mr
}

func TestRedisWindowBoundary(t *testing.T) {
	engine, mr := newRedisEngine(t)
	ctx := context.Background()

	for i, wantRemaining := range []int{2, 1, 0} {
		result, err := engine.Allow(ctx, ScopeAuth, "10.0.0.1")
		if err != nil {
			t.Fatalf("Allow %d: %v", i+1, err)
		}
		if !result.Allowed || result.Remaining != wantRemaining {
			t.Fatalf("request %d: allowed=%v remaining=%d", i+1, result.Allowed, result.Remaining)
		}
	}

	result, err := engine.Allow(ctx, ScopeAuth, "10.0.0.1")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if result.Allowed {
		t.Fatal("fourth request in the window should be rejected")
	}

	mr.FastForward(2 * time.Minute)

	result, err = engine.Allow(ctx, ScopeAuth, "10.0.0.1")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !result.Allowed || result.Remaining != 2 {
		t.Fatalf("after window expiry: allowed=%v remaining=%d", result.Allowed, result.Remaining)
	}
}

func TestRedisSevereOverageBlocks(t *testing.T) {
	engine, _ := newRedisEngine(t)
	ctx := context.Background()

	var result Result
	var err error
	for i := 0; i < 7; i++ {
		result, err = engine.Allow(ctx, ScopeAuth, "10.0.0.9")
		if err != nil {
			t.Fatalf("Allow %d: %v", i+1, err)
		}
	}
	if !result.Blocked {
		t.Fatal("crossing twice the budget should hard-block the client")
	}

	blocked, retryAfter, err := engine.Blocked(ctx, "10.0.0.9")
	if err != nil {
		t.Fatalf("Blocked: %v", err)
	}
	if !blocked || retryAfter <= 0 {
		t.Fatalf("Blocked = %v retryAfter = %v", blocked, retryAfter)
	}
}

func TestFailurePolicyPerScope(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	engine := NewRedis(rdb, testRateConfig())

	// Kill the backend.
	mr.Close()
	_ = rdb.Close()
	ctx := context.Background()

	result, err := engine.Allow(ctx, ScopeSearch, "10.0.0.1")
	if err != nil {
		t.Fatalf("read-class scope should fail open, got %v", err)
	}
	if !result.Allowed {
		t.Fatal("read-class scope should fail open")
	}

	if _, err := engine.Allow(ctx, ScopeAuth, "10.0.0.1"); err == nil {
		t.Fatal("auth scope should fail closed on backend outage")
	}
}
