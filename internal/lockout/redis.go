package lockout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTracker is the shared-backend Tracker. Counters and lock marks
// live in Redis so every node sees the same account standing.
type RedisTracker struct {
	redis  redis.UniversalClient
	config Config
	now    func() time.Time
}

// NewRedisTracker creates a tracker backed by the given Redis client.
func NewRedisTracker(redisClient redis.UniversalClient, cfg Config) *RedisTracker {
	return &RedisTracker{
		redis:  redisClient,
		config: cfg,
		now:    time.Now,
	}
}

func failureKey(key string) string { return "lk:f:" + key }
func lockKey(key string) string    { return "lk:u:" + key }
func historyKey(key string) string { return "lk:c:" + key }

func (t *RedisTracker) RecordFailure(ctx context.Context, key string) (Status, error) {
	locked, status, err := t.lockStatus(ctx, key)
	if err != nil {
		return Status{}, err
	}
	if locked {
		return status, nil
	}

	count, err := t.redis.Incr(ctx, failureKey(key)).Result()
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// Fixed-window semantics: TTL is set only on the first failure.
	if count == 1 && t.config.Window > 0 {
		if err := t.redis.Expire(ctx, failureKey(key), t.config.Window).Err(); err != nil {
			return Status{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	lockouts, err := t.lockoutHistory(ctx, key)
	if err != nil {
		return Status{}, err
	}

	if count < int64(t.config.Threshold) {
		return Status{Failures: int(count), Lockouts: lockouts}, nil
	}

	duration := t.config.lockDuration(lockouts)
	until := t.now().Add(duration)

	pipe := t.redis.TxPipeline()
	pipe.Set(ctx, lockKey(key), until.UnixMilli(), duration)
	pipe.Incr(ctx, historyKey(key))
	pipe.Expire(ctx, historyKey(key), lockoutHistoryTTL)
	pipe.Del(ctx, failureKey(key))
	if _, err := pipe.Exec(ctx); err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return Status{
		Locked:      true,
		LockedUntil: until,
		Lockouts:    lockouts + 1,
	}, nil
}

func (t *RedisTracker) RecordSuccess(ctx context.Context, key string) error {
	if err := t.redis.Del(ctx, failureKey(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (t *RedisTracker) Status(ctx context.Context, key string) (Status, error) {
	locked, status, err := t.lockStatus(ctx, key)
	if err != nil {
		return Status{}, err
	}
	if locked {
		return status, nil
	}

	failures, err := t.redis.Get(ctx, failureKey(key)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Status{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	lockouts, err := t.lockoutHistory(ctx, key)
	if err != nil {
		return Status{}, err
	}

	return Status{Failures: int(failures), Lockouts: lockouts}, nil
}

func (t *RedisTracker) lockStatus(ctx context.Context, key string) (bool, Status, error) {
	raw, err := t.redis.Get(ctx, lockKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, Status{}, nil
		}
		return false, Status{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, Status{}, fmt.Errorf("%w: corrupt lock mark", ErrUnavailable)
	}

	until := time.UnixMilli(millis)
	if !t.now().Before(until) {
		// Key TTL and stored timestamp drifted; treat as unlocked.
		return false, Status{}, nil
	}

	lockouts, err := t.lockoutHistory(ctx, key)
	if err != nil {
		return false, Status{}, err
	}

	return true, Status{
		Locked:      true,
		LockedUntil: until,
		Lockouts:    lockouts,
	}, nil
}

func (t *RedisTracker) lockoutHistory(ctx context.Context, key string) (int, error) {
	count, err := t.redis.Get(ctx, historyKey(key)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return int(count), nil
}
