package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/l0p7/ragproxy/internal/metrics"
)

// Families group cached responses under one version token so a single bump
// retires every entry in the family.
const (
	// FamilyChat covers cached chat answers.
	FamilyChat = "chat"
	// FamilyDocuments covers the cached document listing.
	FamilyDocuments = "documents"
)

// ListKey is the fixed cache key for the document listing response.
const ListKey = "documents:list"

// Manager coordinates the response cache, version tokens, and per-family TTL
// policy. Backend outages degrade lookups to misses and stores to no-ops so a
// broken cache never blocks traffic.
type Manager struct {
	cache    ResponseCache
	versions VersionStore
	chatTTL  time.Duration
	listTTL  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

// ManagerConfig wires the manager's collaborators and TTL policy.
type ManagerConfig struct {
	Cache    ResponseCache
	Versions VersionStore
	ChatTTL  time.Duration
	ListTTL  time.Duration
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
}

// NewManager constructs a cache manager with the supplied configuration.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		cache:    cfg.Cache,
		versions: cfg.Versions,
		chatTTL:  cfg.ChatTTL,
		listTTL:  cfg.ListTTL,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	if m.cache == nil {
		m.cache = NewNoop()
	}
	if m.versions == nil {
		m.versions = NewNoopVersions()
	}
	if m.chatTTL <= 0 {
		m.chatTTL = 30 * time.Minute
	}
	if m.listTTL <= 0 {
		m.listTTL = 5 * time.Minute
	}
	return m
}

// ChatKey derives the cache key for a chat payload from the family's current
// version token and the payload fingerprint. An empty key means the payload
// cannot be cached; Lookup and Store skip empty keys.
func (m *Manager) ChatKey(ctx context.Context, payload []byte) string {
	fingerprint, err := Fingerprint(payload)
	if err != nil {
		m.log().Debug("chat payload not fingerprintable", slog.Any("error", err))
		return ""
	}
	token, err := m.versions.Current(ctx, FamilyChat)
	if err != nil {
		m.log().Warn("version lookup failed", slog.String("family", FamilyChat), slog.Any("error", err))
		return ""
	}
	return FamilyChat + ":" + token + ":" + fingerprint
}

// Lookup fetches a cached response. Backend errors surface as misses.
func (m *Manager) Lookup(ctx context.Context, family, key string) (Entry, bool) {
	if key == "" {
		return Entry{}, false
	}
	start := time.Now()
	entry, ok, err := m.cache.Lookup(ctx, key)
	outcome := metrics.CacheLookupMiss
	switch {
	case err != nil:
		outcome = metrics.CacheLookupError
	case ok:
		outcome = metrics.CacheLookupHit
	}
	m.metrics.ObserveCacheLookup(family, outcome, time.Since(start))
	if err != nil {
		m.log().Warn("cache lookup failed", slog.String("family", family), slog.Any("error", err))
		return Entry{}, false
	}
	return entry, ok
}

// Store persists a backend response under key with the family's TTL.
// Concurrent writers resolve last-writer-wins; failures are logged and
// dropped.
func (m *Manager) Store(ctx context.Context, family, key string, status int, contentType string, body []byte) {
	if key == "" {
		return
	}
	ttl := m.ttlFor(family)
	if ttl <= 0 {
		return
	}
	storedAt := time.Now().UTC()
	entry := Entry{
		Status:      status,
		ContentType: contentType,
		Body:        body,
		StoredAt:    storedAt,
		ExpiresAt:   storedAt.Add(ttl),
	}
	start := time.Now()
	err := m.cache.Store(ctx, key, entry)
	outcome := metrics.CacheStoreStored
	if err != nil {
		outcome = metrics.CacheStoreError
	}
	m.metrics.ObserveCacheStore(family, outcome, time.Since(start))
	if err != nil {
		m.log().Warn("cache store failed", slog.String("family", family), slog.String("cache_key", key), slog.Any("error", err))
	}
}

// Drop removes one exact key, used for the fixed document listing entry.
func (m *Manager) Drop(ctx context.Context, key string) {
	if err := m.cache.Delete(ctx, key); err != nil {
		m.log().Warn("cache delete failed", slog.String("cache_key", key), slog.Any("error", err))
	}
}

// Invalidate bumps the family's version token, orphaning every key derived
// from the previous token.
func (m *Manager) Invalidate(ctx context.Context, family string) {
	if _, err := m.versions.Bump(ctx, family); err != nil {
		m.log().Warn("version bump failed", slog.String("family", family), slog.Any("error", err))
	}
}

// Size reports the entry count of the underlying cache backend.
func (m *Manager) Size(ctx context.Context) (int64, error) {
	return m.cache.Size(ctx)
}

// Close releases the cache and version store connections.
func (m *Manager) Close(ctx context.Context) error {
	verr := m.versions.Close(ctx)
	if cerr := m.cache.Close(ctx); cerr != nil {
		return cerr
	}
	return verr
}

func (m *Manager) ttlFor(family string) time.Duration {
	switch family {
	case FamilyChat:
		return m.chatTTL
	case FamilyDocuments:
		return m.listTTL
	default:
		return 0
	}
}

func (m *Manager) log() *slog.Logger {
	if m.logger != nil {
		return m.logger
	}
	return slog.Default()
}
