package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/punchamoorthee/mintgate/internal/domain"
)

// replaceIfPresent overwrites KEYS[1] with ARGV[1] keeping its TTL, only if the key still exists.
var replaceIfPresent = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    redis.call("SET", KEYS[1], ARGV[1], "KEEPTTL")
    return 1
end
return 0
`)

// RedisStore keeps idempotency records in Redis so several API replicas share them.
// Expiry is delegated to key TTLs, so PurgeExpiredKeys has nothing to do.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "mintgate:idem:"}
}

func (s *RedisStore) redisKey(key string) string { return s.prefix + key }

// wireRecord stores the response body as base64 so replays stay byte-identical.
type wireRecord struct {
	domain.IdempotencyRecord
	ResponseBody []byte `json:"response_body,omitempty"`
}

func encode(rec domain.IdempotencyRecord) ([]byte, error) {
	w := wireRecord{IdempotencyRecord: rec, ResponseBody: rec.ResponseBody}
	w.IdempotencyRecord.ResponseBody = nil
	return json.Marshal(w)
}

func (s *RedisStore) ReserveKey(ctx context.Context, rec domain.IdempotencyRecord) (*domain.IdempotencyRecord, error) {
	raw, err := encode(rec)
	if err != nil {
		return nil, err
	}
	ttl := rec.ExpiresAt.Sub(rec.CreatedAt)

	// A key that expires between SETNX and GET is retried once.
	for range 2 {
		ok, err := s.client.SetNX(ctx, s.redisKey(rec.Key), raw, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis setnx: %w", err)
		}
		if ok {
			return nil, nil
		}

		existing, err := s.get(ctx, rec.Key)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return existing, nil
	}
	return nil, fmt.Errorf("redis reserve %s: key churned", rec.Key)
}

func (s *RedisStore) CompleteKey(ctx context.Context, key string, status int, body []byte, at time.Time) error {
	rec, err := s.get(ctx, key)
	if err != nil {
		return err
	}
	if !rec.InFlight() {
		return fmt.Errorf("redis complete %s: already completed", key)
	}
	rec.ResponseStatus = status
	rec.ResponseBody = append(json.RawMessage(nil), body...)
	rec.CompletedAt = &at

	raw, err := encode(*rec)
	if err != nil {
		return err
	}
	n, err := replaceIfPresent.Run(ctx, s.client, []string{s.redisKey(key)}, raw).Int()
	if err != nil {
		return fmt.Errorf("redis complete: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("redis complete %s: key expired", key)
	}
	return nil
}

func (s *RedisStore) ReleaseKey(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.redisKey(key)).Err()
}

func (s *RedisStore) PurgeExpiredKeys(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *RedisStore) get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	raw, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		return nil, err
	}
	var w wireRecord
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	rec := w.IdempotencyRecord
	rec.ResponseBody = w.ResponseBody
	return &rec, nil
}
