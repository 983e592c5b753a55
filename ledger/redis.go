package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/estatedesk/authcore/internal"
)

const (
	tokenKeyPrefix   = "rl:t:"
	familyKeyPrefix  = "rl:f:"
	sessionKeyPrefix = "rl:s:"
	userKeyPrefix    = "rl:u:"
)

const (
	rotateStatusNotFound int64 = 0
	rotateStatusRotated  int64 = 1
	rotateStatusReuse    int64 = 2
	rotateStatusRevoked  int64 = 3
	rotateStatusExpired  int64 = 4
)

// rotateScript is the compare-and-swap core of the rotation protocol.
// It revokes the presented record and writes its successor in one atomic
// step, so concurrent rotations of the same token admit exactly one
// winner. Timestamps are unix milliseconds so Lua can compare them.
const rotateScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return {0}
end

local rec = cjson.decode(data)

if rec.r and rec.r > 0 then
  if rec.p and rec.p ~= "" then
    return {2, data}
  end
  return {3}
end

local now = tonumber(ARGV[2])
if rec.e <= now then
  return {4}
end

local ttl = redis.call("PTTL", KEYS[1])
if ttl <= 0 then
  return {4}
end

local lifetime = rec.e - rec.c

rec.r = now
rec.p = ARGV[1]
redis.call("SET", KEYS[1], cjson.encode(rec), "PX", ttl)

local succ = {
  h = ARGV[1],
  u = rec.u,
  s = rec.s,
  f = rec.f,
  c = now,
  e = now + lifetime,
  r = 0,
  ip = ARGV[3],
  ua = ARGV[4],
}
local blob = cjson.encode(succ)
redis.call("SET", KEYS[2], blob, "PX", lifetime)

redis.call("SADD", ARGV[5] .. rec.f, ARGV[1])
redis.call("PEXPIRE", ARGV[5] .. rec.f, lifetime)
redis.call("SADD", ARGV[6] .. rec.s, ARGV[1])
redis.call("PEXPIRE", ARGV[6] .. rec.s, lifetime)
redis.call("SADD", ARGV[7] .. rec.u, ARGV[1])
redis.call("PEXPIRE", ARGV[7] .. rec.u, lifetime)

return {1, blob}
`

var rotateLua = redis.NewScript(rotateScript)

// revokeScript marks one record revoked while preserving its TTL, so a
// superseded token stays resident for reuse detection until its nominal
// expiry. Returns 1 only when the record was still active.
const revokeScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return {0, ""}
end

local rec = cjson.decode(data)
if rec.r and rec.r > 0 then
  return {0, data}
end

local ttl = redis.call("PTTL", KEYS[1])
if ttl <= 0 then
  return {0, ""}
end

rec.r = tonumber(ARGV[1])
local blob = cjson.encode(rec)
redis.call("SET", KEYS[1], blob, "PX", ttl)
return {1, blob}
`

var revokeLua = redis.NewScript(revokeScript)

// wireRecord is the Redis JSON shape. Field names stay one or two bytes
// and timestamps stay numeric so the Lua scripts can read them.
type wireRecord struct {
	TokenHash      string `json:"h"`
	UserID         string `json:"u"`
	SessionID      string `json:"s"`
	FamilyID       string `json:"f"`
	CreatedAtMS    int64  `json:"c"`
	ExpiresAtMS    int64  `json:"e"`
	RevokedAtMS    int64  `json:"r"`
	ReplacedByHash string `json:"p,omitempty"`
	ClientIP       string `json:"ip,omitempty"`
	UserAgent      string `json:"ua,omitempty"`
}

func (w *wireRecord) record() *Record {
	record := &Record{
		TokenHash:      w.TokenHash,
		UserID:         w.UserID,
		SessionID:      w.SessionID,
		FamilyID:       w.FamilyID,
		CreatedAt:      time.UnixMilli(w.CreatedAtMS),
		ExpiresAt:      time.UnixMilli(w.ExpiresAtMS),
		ReplacedByHash: w.ReplacedByHash,
		ClientIP:       w.ClientIP,
		UserAgent:      w.UserAgent,
	}
	if w.RevokedAtMS > 0 {
		revokedAt := time.UnixMilli(w.RevokedAtMS)
		record.RevokedAt = &revokedAt
	}
	return record
}

// RedisStore keeps the ledger in Redis so rotation and reuse detection
// are shared across instances.
type RedisStore struct {
	redis redis.UniversalClient
	now   func() time.Time
}

// NewRedisStore creates a ledger backed by the given Redis client.
func NewRedisStore(redisClient redis.UniversalClient) *RedisStore {
	return &RedisStore{redis: redisClient, now: time.Now}
}

// SetClock overrides the store's clock. Test hook.
func (s *RedisStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *RedisStore) Issue(ctx context.Context, userID, sessionID, familyID string, ttl time.Duration, clientIP, userAgent string) (string, *Record, error) {
	raw, digest, err := internal.NewRefreshToken()
	if err != nil {
		return "", nil, err
	}
	if familyID == "" {
		familyID = uuid.NewString()
	}

	now := s.now()
	key := internal.DigestKey(digest)
	wire := wireRecord{
		TokenHash:   key,
		UserID:      userID,
		SessionID:   sessionID,
		FamilyID:    familyID,
		CreatedAtMS: now.UnixMilli(),
		ExpiresAtMS: now.Add(ttl).UnixMilli(),
		ClientIP:    clientIP,
		UserAgent:   userAgent,
	}
	blob, err := json.Marshal(wire)
	if err != nil {
		return "", nil, err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, tokenKeyPrefix+key, blob, ttl)
		pipe.SAdd(ctx, familyKeyPrefix+familyID, key)
		pipe.PExpire(ctx, familyKeyPrefix+familyID, ttl)
		pipe.SAdd(ctx, sessionKeyPrefix+sessionID, key)
		pipe.PExpire(ctx, sessionKeyPrefix+sessionID, ttl)
		pipe.SAdd(ctx, userKeyPrefix+userID, key)
		pipe.PExpire(ctx, userKeyPrefix+userID, ttl)
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return raw, wire.record(), nil
}

func (s *RedisStore) Rotate(ctx context.Context, rawToken, clientIP, userAgent string) (string, *Record, error) {
	digest, err := internal.HashRefreshToken(rawToken)
	if err != nil {
		return "", nil, ErrNotFound
	}

	newRaw, newDigest, err := internal.NewRefreshToken()
	if err != nil {
		return "", nil, err
	}
	newKey := internal.DigestKey(newDigest)

	result, err := rotateLua.Run(
		ctx,
		s.redis,
		[]string{tokenKeyPrefix + internal.DigestKey(digest), tokenKeyPrefix + newKey},
		newKey,
		s.now().UnixMilli(),
		clientIP,
		userAgent,
		familyKeyPrefix,
		sessionKeyPrefix,
		userKeyPrefix,
	).Result()
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	code, blob, err := parseScriptReply(result)
	if err != nil {
		return "", nil, err
	}

	switch code {
	case rotateStatusNotFound:
		return "", nil, ErrNotFound
	case rotateStatusRevoked:
		return "", nil, ErrAlreadyRevoked
	case rotateStatusExpired:
		return "", nil, ErrExpired
	case rotateStatusReuse:
		record, decErr := decodeRecord(blob)
		if decErr != nil {
			return "", nil, decErr
		}
		// ATOMICITY NOTE: the family revocation runs after the CAS, not
		// inside it. A token issued to the family between the two steps
		// is caught by the next rotation attempt or by expiry; the
		// offending record itself was already revoked by a prior
		// rotation, so no usable credential escapes the gap.
		if _, revErr := s.RevokeFamily(ctx, record.FamilyID); revErr != nil {
			return "", nil, revErr
		}
		return "", record, ErrReuseDetected
	case rotateStatusRotated:
		record, decErr := decodeRecord(blob)
		if decErr != nil {
			return "", nil, decErr
		}
		return newRaw, record, nil
	default:
		return "", nil, fmt.Errorf("%w: unknown rotate script status %d", ErrUnavailable, code)
	}
}

func (s *RedisStore) Revoke(ctx context.Context, rawToken string) (*Record, error) {
	digest, err := internal.HashRefreshToken(rawToken)
	if err != nil {
		return nil, nil
	}

	_, record, err := s.revokeKey(ctx, internal.DigestKey(digest))
	return record, err
}

func (s *RedisStore) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	return s.revokeIndexed(ctx, familyKeyPrefix+familyID)
}

func (s *RedisStore) RevokeSession(ctx context.Context, sessionID string) (int, error) {
	return s.revokeIndexed(ctx, sessionKeyPrefix+sessionID)
}

func (s *RedisStore) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	return s.revokeIndexed(ctx, userKeyPrefix+userID)
}

func (s *RedisStore) ListFamily(ctx context.Context, familyID string) ([]*Record, error) {
	keys, err := s.redis.SMembers(ctx, familyKeyPrefix+familyID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	records := make([]*Record, 0, len(keys))
	for _, key := range keys {
		blob, err := s.redis.Get(ctx, tokenKeyPrefix+key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Record expired after the index read; the set entry goes
				// with it on its own TTL.
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		record, err := decodeRecord(blob)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	sortRecordsByCreation(records)
	return records, nil
}

func (s *RedisStore) revokeIndexed(ctx context.Context, indexKey string) (int, error) {
	keys, err := s.redis.SMembers(ctx, indexKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	revoked := 0
	for _, key := range keys {
		wasActive, _, err := s.revokeKey(ctx, key)
		if err != nil {
			return revoked, err
		}
		if wasActive {
			revoked++
		}
	}

	return revoked, nil
}

func (s *RedisStore) revokeKey(ctx context.Context, hashKey string) (bool, *Record, error) {
	result, err := revokeLua.Run(
		ctx,
		s.redis,
		[]string{tokenKeyPrefix + hashKey},
		s.now().UnixMilli(),
	).Result()
	if err != nil {
		return false, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	code, blob, err := parseScriptReply(result)
	if err != nil {
		return false, nil, err
	}
	if blob == "" {
		return false, nil, nil
	}

	record, err := decodeRecord(blob)
	if err != nil {
		return false, nil, err
	}
	return code == 1, record, nil
}

func parseScriptReply(result interface{}) (int64, string, error) {
	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return 0, "", fmt.Errorf("%w: invalid script response", ErrUnavailable)
	}

	code, ok := parts[0].(int64)
	if !ok {
		return 0, "", fmt.Errorf("%w: invalid script status", ErrUnavailable)
	}

	var blob string
	if len(parts) > 1 {
		switch v := parts[1].(type) {
		case string:
			blob = v
		case []byte:
			blob = string(v)
		default:
			return 0, "", fmt.Errorf("%w: invalid script payload", ErrUnavailable)
		}
	}

	return code, blob, nil
}

func decodeRecord(blob string) (*Record, error) {
	var wire wireRecord
	if err := json.Unmarshal([]byte(blob), &wire); err != nil {
		return nil, fmt.Errorf("%w: corrupt ledger record", ErrUnavailable)
	}
	return wire.record(), nil
}
