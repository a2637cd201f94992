package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/drivecreds/internal/broker"
)

const (
	defaultRedisPrefix = "drivecreds:"
	// stateGrace keeps an expired state around long enough to be reported as
	// expired rather than unknown.
	stateGrace = time.Minute
)

// takeState moves a pending state to its tombstone in one step.
// KEYS[1] pending key, KEYS[2] tombstone key.
// Returns the payload, 1 for a replay, or nil for an unknown token.
var takeState = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v then
  local ttl = redis.call('PTTL', KEYS[1])
  if ttl < 1 then ttl = 1 end
  redis.call('DEL', KEYS[1])
  redis.call('SET', KEYS[2], '1', 'PX', ttl)
  return v
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 1
end
return false
`)

// RedisStates is a StateRepository shared by every instance of the service.
// Expiry is left to Redis key TTLs, so Sweep has nothing to do.
type RedisStates struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStates constructs a Redis-backed state repository. An empty prefix
// selects "drivecreds:".
func NewRedisStates(client redis.UniversalClient, prefix string) *RedisStates {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStates{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStates) pendingKey(token string) string { return s.prefix + "state:" + token }
func (s *RedisStates) usedKey(token string) string    { return s.prefix + "state-used:" + token }

// Put stores the state payload until shortly after it expires.
func (s *RedisStates) Put(ctx context.Context, st broker.StateToken) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	ttl := st.ExpiresAt.Sub(s.now()) + stateGrace
	if ttl <= 0 {
		ttl = stateGrace
	}
	if err := s.client.Set(ctx, s.pendingKey(st.Token), payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

func (s *RedisStates) Take(ctx context.Context, token string) (*broker.StateToken, error) {
	res, err := takeState.Run(ctx, s.client, []string{s.pendingKey(token), s.usedKey(token)}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("take state: %w", err)
	}
	switch v := res.(type) {
	case int64:
		return nil, broker.ErrReplayedState
	case string:
		var st broker.StateToken
		if err := json.Unmarshal([]byte(v), &st); err != nil {
			return nil, fmt.Errorf("decode state: %w", err)
		}
		return &st, nil
	default:
		return nil, fmt.Errorf("take state: unexpected reply %T", res)
	}
}

func (s *RedisStates) Sweep(context.Context, time.Time) (int, error) { return 0, nil }

// RedisRecords stores each TokenRecord as a JSON value under prefix+"token:"+userID.
type RedisRecords struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRecords(client redis.UniversalClient, prefix string) *RedisRecords {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisRecords{client: client, prefix: prefix}
}

func (r *RedisRecords) key(userID string) string { return r.prefix + "token:" + userID }

func (r *RedisRecords) Get(ctx context.Context, userID string) (*broker.TokenRecord, error) {
	data, err := r.client.Get(ctx, r.key(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load token record: %w", err)
	}
	var rec broker.TokenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode token record: %w", err)
	}
	rec.UserID = userID
	return &rec, nil
}

func (r *RedisRecords) Put(ctx context.Context, rec broker.TokenRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal token record: %w", err)
	}
	if err := r.client.Set(ctx, r.key(rec.UserID), payload, 0).Err(); err != nil {
		return fmt.Errorf("persist token record: %w", err)
	}
	return nil
}

func (r *RedisRecords) Delete(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, r.key(userID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete token record: %w", err)
	}
	return nil
}

func (r *RedisRecords) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

// Close is a no-op; the client is shared with RedisStates and closed by its owner.
func (r *RedisRecords) Close() error { return nil }
