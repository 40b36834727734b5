package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"prism-board/board-api/domain"
)

// Cache wraps a domain.Store with a Redis read-through cache for whole-board reads.
// Every successful transaction evicts the board.
type Cache struct {
	domain.Store
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Store wrapper using the provided Redis client and TTL.
func NewCache(base domain.Store, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{Store: base, redis: client, ttl: ttl}
}

func (c *Cache) ListBoard(ctx context.Context, boardID string) ([]domain.OrderedItem, error) {
	if items, ok := c.load(ctx, boardID); ok {
		return items, nil
	}
	items, err := c.Store.ListBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, boardID, items)
	return items, nil
}

func (c *Cache) InTx(ctx context.Context, boardID string, parentIDs []string, fn func(domain.Tx) error) error {
	if err := c.Store.InTx(ctx, boardID, parentIDs, fn); err != nil {
		return err
	}
	c.Evict(ctx, boardID)
	return nil
}

func (c *Cache) load(ctx context.Context, boardID string) ([]domain.OrderedItem, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, itemsCacheKey(boardID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, itemsCacheKey(boardID)).Err()
		}
		return nil, false
	}
	var items []domain.OrderedItem
	if err := sonic.Unmarshal(data, &items); err != nil {
		_ = c.redis.Del(ctx, itemsCacheKey(boardID)).Err()
		return nil, false
	}
	return items, true
}

func (c *Cache) store(ctx context.Context, boardID string, items []domain.OrderedItem) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(items)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, itemsCacheKey(boardID), data, c.ttl).Err()
}

// Evict drops the cached board snapshot.
func (c *Cache) Evict(ctx context.Context, boardID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, itemsCacheKey(boardID)).Err()
}

func itemsCacheKey(boardID string) string {
	return "board-items:" + boardID
}
