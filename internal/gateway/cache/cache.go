package cache

import (
	"context"
	"time"
)

// Entry is a cached backend response body with enough metadata to replay it.
type Entry struct {
	Status      int       `json:"status"`
	ContentType string    `json:"contentType"`
	Body        []byte    `json:"body"`
	StoredAt    time.Time `json:"storedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// ResponseCache stores backend responses keyed by family, version token, and
// payload fingerprint.
type ResponseCache interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, key string) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

type noopCache struct{}

// NewNoop returns a cache that stores nothing and never hits. Wiring it in
// place of a real backend turns caching off without branching at call sites.
func NewNoop() ResponseCache { return noopCache{} }

func (noopCache) Lookup(context.Context, string) (Entry, bool, error) { return Entry{}, false, nil }

func (noopCache) Store(context.Context, string, Entry) error { return nil }

func (noopCache) Delete(context.Context, string) error { return nil }

func (noopCache) Size(context.Context) (int64, error) { return 0, nil }

func (noopCache) Close(context.Context) error { return nil }
