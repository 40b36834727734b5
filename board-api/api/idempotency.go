package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const pendingMarker = "\x00pending"

// RedisDeduper stores move results under their idempotency keys in Redis so a retried
// request on any instance replays the first response instead of moving again.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(userID, key string) string {
	return fmt.Sprintf("move:%s:%s", userID, key)
}

func (r *RedisDeduper) Lookup(ctx context.Context, userID, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.key(userID, key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if string(data) == pendingMarker {
		return nil, false, nil
	}
	return data, true, nil
}

// Claim records the key as in flight if it does not already exist.
func (r *RedisDeduper) Claim(ctx context.Context, userID, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(userID, key), pendingMarker, r.ttl).Result()
}

func (r *RedisDeduper) Complete(ctx context.Context, userID, key string, payload []byte) error {
	return r.client.Set(ctx, r.key(userID, key), payload, r.ttl).Err()
}

// Release deletes a previously claimed key. It is used when the move fails so the
// caller may retry it.
func (r *RedisDeduper) Release(ctx context.Context, userID, key string) error {
	return r.client.Del(ctx, r.key(userID, key)).Err()
}
