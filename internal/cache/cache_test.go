package cache

import (
	"context"
	"testing"
	"time"

	"github.com/kenneth/image-keyring/internal/model"
)

func testKey(id int64) *model.EncryptionKey {
	return &model.EncryptionKey{
		ID:        id,
		Version:   int(id),
		Status:    model.KeyStatusActive,
		Algorithm: "AES256-GCM",
		Material:  []byte{byte(id), 2, 3, 4},
	}
}

func TestMemoryCache_GetSet(t *testing.T) {
	cache := NewMemoryCache(100, 5*time.Minute)
	ctx := context.Background()

	cache.Set(ctx, testKey(1), 0)

	got, ok := cache.Get(ctx, 1)
	if !ok {
		t.Fatal("cache entry not found")
	}
	if got.Version != 1 || got.Material[0] != 1 {
		t.Fatalf("unexpected cached key: %+v", got)
	}
}

func TestMemoryCache_ReturnsCopies(t *testing.T) {
	cache := NewMemoryCache(100, 5*time.Minute)
	ctx := context.Background()

	key := testKey(1)
	cache.Set(ctx, key, 0)
	key.Material[0] = 99 // caller mutates its own copy

	got, _ := cache.Get(ctx, 1)
	if got.Material[0] != 1 {
		t.Fatal("cache shares material with the caller passed to Set")
	}
	got.Material[0] = 42

	again, _ := cache.Get(ctx, 1)
	if again.Material[0] != 1 {
		t.Fatal("cache shares material with the value returned by Get")
	}
}

func TestMemoryCache_Expiration(t *testing.T) {
	cache := NewMemoryCache(100, 5*time.Minute)
	ctx := context.Background()

	cache.Set(ctx, testKey(1), 100*time.Millisecond)

	if _, ok := cache.Get(ctx, 1); !ok {
		t.Fatal("cache entry not found immediately after set")
	}

	time.Sleep(150 * time.Millisecond)

	if _, ok := cache.Get(ctx, 1); ok {
		t.Fatal("cache entry should be expired")
	}
}

func TestMemoryCache_Delete(t *testing.T) {
	cache := NewMemoryCache(100, 5*time.Minute)
	ctx := context.Background()

	cache.Set(ctx, testKey(1), 0)
	cache.Delete(ctx, 1)

	if _, ok := cache.Get(ctx, 1); ok {
		t.Fatal("cache entry should be deleted")
	}
}

func TestMemoryCache_EvictsAtCapacity(t *testing.T) {
	cache := NewMemoryCache(2, 5*time.Minute)
	ctx := context.Background()

	cache.Set(ctx, testKey(1), time.Minute)
	cache.Set(ctx, testKey(2), 2*time.Minute)
	cache.Set(ctx, testKey(3), 3*time.Minute)

	if _, ok := cache.Get(ctx, 1); ok {
		t.Fatal("entry closest to expiry should have been evicted")
	}
	if _, ok := cache.Get(ctx, 3); !ok {
		t.Fatal("newest entry missing")
	}

	stats := cache.Stats()
	if stats.Items != 2 {
		t.Fatalf("expected 2 items, got %d", stats.Items)
	}
	if stats.Evictions != 1 {
		t.Fatalf("expected 1 eviction, got %d", stats.Evictions)
	}
}

func TestMemoryCache_Stats(t *testing.T) {
	cache := NewMemoryCache(100, 5*time.Minute)
	ctx := context.Background()

	cache.Set(ctx, testKey(1), 0)
	cache.Get(ctx, 1)
	cache.Get(ctx, 2)

	stats := cache.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("expected 1 hit and 1 miss, got %+v", stats)
	}

	cache.Clear(ctx)
	if cache.Stats().Items != 0 {
		t.Fatal("cache should be empty after Clear")
	}
}
