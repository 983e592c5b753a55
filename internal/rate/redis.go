package rate

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisStore keeps counters in Redis so throttling is shared across
// instances. Windows and blocks ride on key TTLs.
type redisStore struct {
	redis redis.UniversalClient
	now   func() time.Time
}

// NewRedis creates an engine with counters in the given Redis client.
func NewRedis(redisClient redis.UniversalClient, cfg Config) *Engine {
	return &Engine{
		store:  &redisStore{redis: redisClient, now: time.Now},
		config: cfg,
		now:    time.Now,
	}
}

func (s *redisStore) incrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	count, err := s.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, time.Time{}, err
	}

	// Fixed-window semantics: TTL is set only for the first hit.
	if count == 1 {
		if err := s.redis.PExpire(ctx, key, window).Err(); err != nil {
			return 0, time.Time{}, err
		}
		return count, s.now().Add(window), nil
	}

	ttl, err := s.redis.PTTL(ctx, key).Result()
	if err != nil {
		return 0, time.Time{}, err
	}
	if ttl < 0 {
		// Counter lost its TTL (e.g. first hit crashed between INCR and
		// PEXPIRE). Reattach the window rather than counting forever.
		if err := s.redis.PExpire(ctx, key, window).Err(); err != nil {
			return 0, time.Time{}, err
		}
		ttl = window
	}

	return count, s.now().Add(ttl), nil
}

func (s *redisStore) incrViolations(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.redis.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (s *redisStore) getBlock(ctx context.Context, key string) (time.Time, error) {
	raw, err := s.redis.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}

	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, errors.New("corrupt block mark")
	}
	return time.UnixMilli(millis), nil
}

func (s *redisStore) setBlock(ctx context.Context, key string, until time.Time) error {
	duration := until.Sub(s.now())
	if duration <= 0 {
		return nil
	}
	return s.redis.Set(ctx, key, until.UnixMilli(), duration).Err()
}
