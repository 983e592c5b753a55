package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "ss:"
	userSetPrefix    = "ssu:"
)

// touchScript updates last_activity_at and slides the key TTL in one
// atomic step so concurrent touches cannot resurrect a lapsed session.
const touchScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return 0
end
local rec = cjson.decode(data)
rec.last_activity_at = ARGV[1]
redis.call("SET", KEYS[1], cjson.encode(rec), "PX", tonumber(ARGV[2]))
return 1
`

var touchLua = redis.NewScript(touchScript)

// revokeSessionScript marks the record revoked while preserving its
// remaining TTL. Returns 1 only when the record was still unrevoked.
const revokeSessionScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return 0
end
local rec = cjson.decode(data)
if rec.revoked_at then
  return 0
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl <= 0 then
  return 0
end
rec.revoked_at = ARGV[1]
redis.call("SET", KEYS[1], cjson.encode(rec), "PX", ttl)
return 1
`

var revokeSessionLua = redis.NewScript(revokeSessionScript)

// RedisStore keeps sessions in Redis so any instance can validate and
// revoke them.
type RedisStore struct {
	redis redis.UniversalClient
}

// NewRedisStore creates a session store backed by the given Redis
// client.
func NewRedisStore(redisClient redis.UniversalClient) *RedisStore {
	return &RedisStore{redis: redisClient}
}

func sessionKey(sessionID string) string { return sessionKeyPrefix + sessionID }
func userSetKey(userID string) string    { return userSetPrefix + userID }

func (s *RedisStore) Save(ctx context.Context, record *Record, ttl time.Duration) error {
	blob, err := json.Marshal(record)
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(record.SessionID), blob, ttl)
		pipe.SAdd(ctx, userSetKey(record.UserID), record.SessionID)
		pipe.Expire(ctx, userSetKey(record.UserID), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return nil
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	blob, err := s.redis.Get(ctx, sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var record Record
	if err := json.Unmarshal(blob, &record); err != nil {
		return nil, fmt.Errorf("%w: corrupt session record", ErrUnavailable)
	}

	return &record, nil
}

func (s *RedisStore) Touch(ctx context.Context, sessionID string, at time.Time, ttl time.Duration) error {
	timestamp, err := at.UTC().MarshalText()
	if err != nil {
		return err
	}

	result, err := touchLua.Run(
		ctx,
		s.redis,
		[]string{sessionKey(sessionID)},
		string(timestamp),
		ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if result == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *RedisStore) Revoke(ctx context.Context, sessionID string, at time.Time) (bool, error) {
	timestamp, err := at.UTC().MarshalText()
	if err != nil {
		return false, err
	}

	result, err := revokeSessionLua.Run(
		ctx,
		s.redis,
		[]string{sessionKey(sessionID)},
		string(timestamp),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return result == 1, nil
}

func (s *RedisStore) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int, error) {
	sessionIDs, err := s.redis.SMembers(ctx, userSetKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	revoked := 0
	for _, sessionID := range sessionIDs {
		wasActive, err := s.Revoke(ctx, sessionID, at)
		if err != nil {
			return revoked, err
		}
		if wasActive {
			revoked++
		}
	}

	return revoked, nil
}

func (s *RedisStore) ListForUser(ctx context.Context, userID string) ([]*Record, error) {
	sessionIDs, err := s.redis.SMembers(ctx, userSetKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*Record{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	records := make([]*Record, 0, len(sessionIDs))
	for _, sessionID := range sessionIDs {
		record, err := s.Get(ctx, sessionID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		records = append(records, record)
	}

	return records, nil
}
