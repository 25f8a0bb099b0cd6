package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestMemoryCacheStoreLookup(t *testing.T) {
	cache, err := NewMemory(16, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}
	ctx := context.Background()

	entry := Entry{
		Status:      200,
		ContentType: "application/json",
		Body:        []byte(`{"answer":"ok"}`),
		StoredAt:    time.Now().UTC(),
	}
	entry.ExpiresAt = entry.StoredAt.Add(500 * time.Millisecond)

	if err := cache.Store(ctx, "chat:v1:abc", entry); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, ok, err := cache.Lookup(ctx, "chat:v1:abc")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if got.Status != 200 || string(got.Body) != `{"answer":"ok"}` {
		t.Fatalf("unexpected entry: %#v", got)
	}

	size, err := cache.Size(ctx)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 1 {
		t.Fatalf("expected size 1, got %d", size)
	}

	if err := cache.Delete(ctx, "chat:v1:abc"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, ok, err = cache.Lookup(ctx, "chat:v1:abc")
	if err != nil {
		t.Fatalf("lookup after delete: %v", err)
	}
	if ok {
		t.Fatalf("expected delete to remove key")
	}

	if err := cache.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	cache, err := NewMemory(16, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}
	ctx := context.Background()

	entry := Entry{Status: 200, Body: []byte("stale"), StoredAt: time.Now().UTC()}
	entry.ExpiresAt = entry.StoredAt.Add(10 * time.Millisecond)
	if err := cache.Store(ctx, "key", entry); err != nil {
		t.Fatalf("store: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	_, ok, err := cache.Lookup(ctx, "key")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestMemoryCacheBound(t *testing.T) {
	cache, err := NewMemory(4, time.Minute)
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		entry := Entry{Status: 200, Body: []byte("x")}
		if err := cache.Store(ctx, fmt.Sprintf("key-%d", i), entry); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}

	size, err := cache.Size(ctx)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 4 {
		t.Fatalf("expected bounded size 4, got %d", size)
	}

	// The oldest keys were evicted, the newest survive.
	if _, ok, _ := cache.Lookup(ctx, "key-0"); ok {
		t.Fatalf("expected key-0 to be evicted")
	}
	if _, ok, _ := cache.Lookup(ctx, "key-9"); !ok {
		t.Fatalf("expected key-9 to survive")
	}
}

func TestMemoryCacheLookupCopiesBody(t *testing.T) {
	cache, err := NewMemory(16, time.Minute)
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}
	ctx := context.Background()

	if err := cache.Store(ctx, "key", Entry{Status: 200, Body: []byte("original")}); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, ok, err := cache.Lookup(ctx, "key")
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v err=%v", ok, err)
	}
	got.Body[0] = 'X'

	again, ok, err := cache.Lookup(ctx, "key")
	if err != nil || !ok {
		t.Fatalf("second lookup: ok=%v err=%v", ok, err)
	}
	if string(again.Body) != "original" {
		t.Fatalf("cached body mutated by caller: %q", again.Body)
	}
}

func TestRedisCacheStoreLookup(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	cache, err := NewRedis(RedisConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	ctx := context.Background()
	entry := Entry{
		Status:      200,
		ContentType: "application/json",
		Body:        []byte(`{"documents":[]}`),
		StoredAt:    time.Now().UTC(),
	}
	entry.ExpiresAt = entry.StoredAt.Add(500 * time.Millisecond)

	if err := cache.Store(ctx, "documents:list", entry); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, ok, err := cache.Lookup(ctx, "documents:list")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok {
		t.Fatalf("expected redis cache hit")
	}
	if got.Status != entry.Status || string(got.Body) != string(entry.Body) {
		t.Fatalf("unexpected entry: %#v", got)
	}

	server.FastForward(time.Second)
	_, ok, err = cache.Lookup(ctx, "documents:list")
	if err != nil {
		t.Fatalf("lookup after ttl: %v", err)
	}
	if ok {
		t.Fatalf("expected redis entry to expire")
	}

	if size, err := cache.Size(ctx); err != nil {
		t.Fatalf("size: %v", err)
	} else if size != 0 {
		t.Fatalf("expected size to reflect expired entries being gone, got %d", size)
	}

	if err := cache.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRedisCacheDelete(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	cache, err := NewRedis(RedisConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	ctx := context.Background()

	entry := Entry{Status: 200, Body: []byte("listing"), StoredAt: time.Now().UTC()}
	entry.ExpiresAt = entry.StoredAt.Add(time.Minute)
	if err := cache.Store(ctx, "documents:list", entry); err != nil {
		t.Fatalf("store: %v", err)
	}

	if err := cache.Delete(ctx, "documents:list"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, ok, err := cache.Lookup(ctx, "documents:list")
	if err != nil {
		t.Fatalf("lookup after delete: %v", err)
	}
	if ok {
		t.Fatalf("expected delete to remove key")
	}
}

func TestRedisCacheRequiresAddress(t *testing.T) {
	if _, err := NewRedis(RedisConfig{}); err == nil {
		t.Fatalf("expected error for missing address")
	}
}

func TestNoopCacheNeverHits(t *testing.T) {
	cache := NewNoop()
	ctx := context.Background()

	if err := cache.Store(ctx, "key", Entry{Status: 200, Body: []byte("x")}); err != nil {
		t.Fatalf("store: %v", err)
	}
	_, ok, err := cache.Lookup(ctx, "key")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ok {
		t.Fatalf("noop cache must never hit")
	}
	if size, err := cache.Size(ctx); err != nil || size != 0 {
		t.Fatalf("expected empty noop cache, size=%d err=%v", size, err)
	}
}
