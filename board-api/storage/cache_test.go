package storage

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"prism-board/board-api/domain"
)

type countingStore struct {
	*MemoryStore
	listCalls int
}

func (c *countingStore) ListBoard(ctx context.Context, boardID string) ([]domain.OrderedItem, error) {
	c.listCalls++
	return c.MemoryStore.ListBoard(ctx, boardID)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestCacheListBoardMissThenHit(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	base := &countingStore{MemoryStore: NewMemoryStore()}
	base.Put(domain.OrderedItem{ID: "a", BoardID: "b1", ParentID: "l1", Kind: domain.KindCard, Position: 1000, Version: 1})
	cache := NewCache(base, client, time.Minute)

	for i := 0; i < 2; i++ {
		items, err := cache.ListBoard(ctx, "b1")
		if err != nil {
			t.Fatalf("list board: %v", err)
		}
		if len(items) != 1 || items[0].ID != "a" || items[0].Position != 1000 {
			t.Fatalf("unexpected items: %+v", items)
		}
	}
	if base.listCalls != 1 {
		t.Fatalf("expected 1 backend call, got %d", base.listCalls)
	}
	if ttl := mr.TTL(itemsCacheKey("b1")); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}
}

func TestCacheEvictsAfterCommit(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	base := &countingStore{MemoryStore: NewMemoryStore()}
	base.Put(domain.OrderedItem{ID: "a", BoardID: "b1", ParentID: "l1", Kind: domain.KindCard, Position: 1000, Version: 1})
	cache := NewCache(base, client, time.Minute)

	if _, err := cache.ListBoard(ctx, "b1"); err != nil {
		t.Fatalf("list board: %v", err)
	}
	err := cache.InTx(ctx, "b1", []string{"l1"}, func(tx domain.Tx) error {
		_, err := tx.UpdatePosition(ctx, "a", "l1", 50, 1)
		return err
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if mr.Exists(itemsCacheKey("b1")) {
		t.Fatal("expected cache eviction after commit")
	}
	items, _ := cache.ListBoard(ctx, "b1")
	if items[0].Position != 50 || base.listCalls != 2 {
		t.Fatalf("expected fresh read, got %+v (calls %d)", items, base.listCalls)
	}
}

func TestCacheCorruptEntryFallsBack(t *testing.T) {
	mr, client := newTestRedis(t)
	base := &countingStore{MemoryStore: NewMemoryStore()}
	cache := NewCache(base, client, time.Minute)
	_ = mr.Set(itemsCacheKey("b1"), "{not json")

	items, err := cache.ListBoard(context.Background(), "b1")
	if err != nil {
		t.Fatalf("list board: %v", err)
	}
	if len(items) != 0 || base.listCalls != 1 {
		t.Fatalf("expected backend fallback, got %+v (calls %d)", items, base.listCalls)
	}
}

func TestCacheWithoutRedis(t *testing.T) {
	base := &countingStore{MemoryStore: NewMemoryStore()}
	cache := NewCache(base, nil, time.Minute)
	if _, err := cache.ListBoard(context.Background(), "b1"); err != nil {
		t.Fatalf("list board: %v", err)
	}
	if base.listCalls != 1 {
		t.Fatalf("expected backend call")
	}
}
