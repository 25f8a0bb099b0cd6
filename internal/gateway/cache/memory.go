package cache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMaxEntries = 4096

type memoryCache struct {
	ttl     time.Duration
	entries *lru.Cache[string, Entry]
}

// NewMemory builds a bounded in-process cache. The LRU bound caps memory use
// when the backend serves many distinct payloads; expired entries are dropped
// on read.
func NewMemory(maxEntries int, ttl time.Duration) (ResponseCache, error) {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	entries, err := lru.New[string, Entry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("cache: memory init: %w", err)
	}
	return &memoryCache{ttl: ttl, entries: entries}, nil
}

func (c *memoryCache) Lookup(_ context.Context, key string) (Entry, bool, error) {
	entry, ok := c.entries.Get(key)
	if !ok {
		return Entry{}, false, nil
	}
	if time.Now().After(entry.ExpiresAt) {
		c.entries.Remove(key)
		return Entry{}, false, nil
	}
	return cloneEntry(entry), true, nil
}

func (c *memoryCache) Store(_ context.Context, key string, entry Entry) error {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	if entry.ExpiresAt.IsZero() || entry.ExpiresAt.Before(entry.StoredAt) {
		entry.ExpiresAt = entry.StoredAt.Add(c.ttl)
	}
	c.entries.Add(key, cloneEntry(entry))
	return nil
}

func (c *memoryCache) Delete(_ context.Context, key string) error {
	if key == "" {
		return nil
	}
	c.entries.Remove(key)
	return nil
}

func (c *memoryCache) Size(_ context.Context) (int64, error) {
	return int64(c.entries.Len()), nil
}

func (c *memoryCache) Close(_ context.Context) error {
	c.entries.Purge()
	return nil
}

func cloneEntry(in Entry) Entry {
	out := in
	if len(in.Body) > 0 {
		out.Body = append([]byte(nil), in.Body...)
	}
	return out
}
