package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T, ttl time.Duration) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedisCache(rdb, ttl), mr
}

func TestRedisCache_StoreSent_Success(t *testing.T) {
	t.Parallel()

	cache, mr := newTestCache(t, 10*time.Second)

	ctx := context.Background()
	sentAt := time.Date(2026, 2, 2, 18, 0, 0, 0, time.UTC)

	if err := cache.StoreSent(ctx, "msg-42", "wamid.123", sentAt); err != nil {
		t.Fatalf("StoreSent() error: %v", err)
	}

	key := "provider:wamid.123"

	if !mr.Exists(key) {
		t.Fatalf("expected key %q to exist", key)
	}

	if ttlRemaining := mr.TTL(key); ttlRemaining <= 0 {
		t.Fatalf("expected TTL to be set, got %v", ttlRemaining)
	}

	raw, err := mr.Get(key)
	if err != nil {
		t.Fatalf("failed to get key %q: %v", key, err)
	}

	var got sentValue
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("failed to unmarshal value: %v", err)
	}

	if got.MessageID != "msg-42" {
		t.Fatalf("expected MessageID %q, got %q", "msg-42", got.MessageID)
	}
	if !got.SentAt.Equal(sentAt.UTC()) {
		t.Fatalf("expected SentAt %v, got %v", sentAt.UTC(), got.SentAt)
	}
}

func TestRedisCache_StoreSent_RejectsEmptyProviderID(t *testing.T) {
	t.Parallel()

	cache, _ := newTestCache(t, time.Minute)
	if err := cache.StoreSent(context.Background(), "m1", "", time.Now()); err == nil {
		t.Fatalf("expected error for empty provider id")
	}
}

func TestRedisCache_LookupProvider(t *testing.T) {
	t.Parallel()

	cache, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	if _, ok, err := cache.LookupProvider(ctx, "unknown"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	if err := cache.StoreSent(ctx, "m1", "p1", time.Now()); err != nil {
		t.Fatalf("StoreSent() error: %v", err)
	}
	// Second write overwrites.
	if err := cache.StoreSent(ctx, "m2", "p1", time.Now()); err != nil {
		t.Fatalf("StoreSent() error: %v", err)
	}

	id, ok, err := cache.LookupProvider(ctx, "p1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if id != "m2" {
		t.Fatalf("expected overwritten message id %q, got %q", "m2", id)
	}
}

func TestRedisCache_LookupProvider_Expired(t *testing.T) {
	t.Parallel()

	cache, mr := newTestCache(t, time.Second)
	ctx := context.Background()

	if err := cache.StoreSent(ctx, "m1", "p1", time.Now()); err != nil {
		t.Fatalf("StoreSent() error: %v", err)
	}
	mr.FastForward(2 * time.Second)

	if _, ok, err := cache.LookupProvider(ctx, "p1"); err != nil || ok {
		t.Fatalf("expected miss after ttl, got ok=%v err=%v", ok, err)
	}
}

func TestRedisCache_StoreSent_ContextCanceled(t *testing.T) {
	t.Parallel()

	cache, _ := newTestCache(t, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := cache.StoreSent(ctx, "1", "x", time.Now()); err == nil {
		t.Fatalf("expected error due to canceled context, got nil")
	}
}
