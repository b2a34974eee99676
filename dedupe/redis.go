package dedupe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	x402 "github.com/riverventures/solana-agent-pay"
)

const redisKeyPrefix = "agentpay:fp:"

// releasePending deletes the key only while its entry is still pending.
var releasePending = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v and string.find(v, '"state":"pending"', 1, true) then
	return redis.call('DEL', KEYS[1])
end
return 0`)

// RedisStore is a Store shared by several gateway processes. Reserve uses
// SETNX; entries expire after the retention TTL, so Prune is a no-op.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to redisURL (redis://...) and verifies the
// connection with PING.
func NewRedisStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("dedupe: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("dedupe: connect redis: %w", err)
	}
	return NewRedisStoreFromClient(client, ttl), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, now: time.Now}
}

func (s *RedisStore) key(fp x402.Fingerprint) string { return redisKeyPrefix + string(fp) }

func (s *RedisStore) Reserve(ctx context.Context, fp x402.Fingerprint, resource string) (bool, error) {
	now := s.now()
	data, err := json.Marshal(Entry{
		Fingerprint: fp,
		State:       StatePending,
		Resource:    resource,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return false, fmt.Errorf("dedupe: marshal entry: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(fp), data, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe: reserve: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Record(ctx context.Context, fp x402.Fingerprint, result Result) error {
	entry, err := s.Lookup(ctx, fp)
	if errors.Is(err, ErrNotFound) {
		entry = &Entry{Fingerprint: fp, CreatedAt: s.now()}
	} else if err != nil {
		return err
	}
	entry.State = result.State
	entry.Transaction = result.Transaction
	entry.Payer = result.Payer
	entry.Reason = result.Reason
	entry.UpdatedAt = s.now()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("dedupe: marshal entry: %w", err)
	}
	if err := s.client.Set(ctx, s.key(fp), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("dedupe: record: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, fp x402.Fingerprint) error {
	if err := releasePending.Run(ctx, s.client, []string{s.key(fp)}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("dedupe: release: %w", err)
	}
	return nil
}

func (s *RedisStore) Lookup(ctx context.Context, fp x402.Fingerprint) (*Entry, error) {
	data, err := s.client.Get(ctx, s.key(fp)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dedupe: lookup: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("dedupe: decode entry: %w", err)
	}
	return &e, nil
}

// Prune is handled by key expiry.
func (s *RedisStore) Prune(context.Context, time.Time) (int, error) { return 0, nil }

func (s *RedisStore) Close() error { return s.client.Close() }
