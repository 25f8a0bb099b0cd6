package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	valkey "github.com/valkey-io/valkey-go"
)

const defaultVersionTTL = 72 * time.Hour

// VersionStore tracks the active version token for each cache family. Bumping
// a family mints a fresh token, which makes every key derived from the old
// token unreachable and retires those entries without scanning for them.
type VersionStore interface {
	Current(ctx context.Context, family string) (string, error)
	Bump(ctx context.Context, family string) (string, error)
	Close(ctx context.Context) error
}

type memoryVersions struct {
	mu     sync.Mutex
	tokens map[string]string
}

// NewMemoryVersions keeps version tokens in process memory.
func NewMemoryVersions() VersionStore {
	return &memoryVersions{tokens: make(map[string]string)}
}

func (s *memoryVersions) Current(_ context.Context, family string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[family]
	if !ok {
		token = uuid.NewString()
		s.tokens[family] = token
	}
	return token, nil
}

func (s *memoryVersions) Bump(_ context.Context, family string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token := uuid.NewString()
	s.tokens[family] = token
	return token, nil
}

func (s *memoryVersions) Close(context.Context) error { return nil }

type redisVersions struct {
	client valkey.Client
	ttl    time.Duration
}

// NewRedisVersions keeps version tokens in redis so multiple gateway
// instances share invalidations. The token TTL must comfortably outlive the
// longest entry TTL.
func NewRedisVersions(cfg RedisConfig, ttl time.Duration) (VersionStore, error) {
	client, err := newRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = defaultVersionTTL
	}
	return &redisVersions{client: client, ttl: ttl}, nil
}

func versionKey(family string) string { return "version:" + family }

func (s *redisVersions) Current(ctx context.Context, family string) (string, error) {
	key := versionKey(family)
	resp := s.client.Do(ctx, s.client.B().Get().Key(key).Build())
	err := resp.Error()
	if err == nil {
		token, convErr := resp.ToString()
		if convErr != nil {
			return "", fmt.Errorf("cache: version get: %w", convErr)
		}
		return token, nil
	}
	if !errors.Is(err, valkey.Nil) {
		return "", fmt.Errorf("cache: version get: %w", err)
	}

	// First read mints the family token. SET NX keeps the winner when two
	// gateway instances race.
	token := uuid.NewString()
	setCmd := s.client.B().Set().Key(key).Value(token).Nx().Px(s.ttl).Build()
	if err := s.client.Do(ctx, setCmd).Error(); err != nil && !errors.Is(err, valkey.Nil) {
		return "", fmt.Errorf("cache: version init: %w", err)
	}
	resp = s.client.Do(ctx, s.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		return "", fmt.Errorf("cache: version get: %w", err)
	}
	winner, err := resp.ToString()
	if err != nil {
		return "", fmt.Errorf("cache: version get: %w", err)
	}
	return winner, nil
}

func (s *redisVersions) Bump(ctx context.Context, family string) (string, error) {
	token := uuid.NewString()
	cmd := s.client.B().Set().Key(versionKey(family)).Value(token).Px(s.ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return "", fmt.Errorf("cache: version bump: %w", err)
	}
	return token, nil
}

func (s *redisVersions) Close(context.Context) error {
	s.client.Close()
	return nil
}

type noopVersions struct{}

// NewNoopVersions pairs with the noop cache when caching is disabled.
func NewNoopVersions() VersionStore { return noopVersions{} }

func (noopVersions) Current(context.Context, string) (string, error) { return "disabled", nil }

func (noopVersions) Bump(context.Context, string) (string, error) { return "disabled", nil }

func (noopVersions) Close(context.Context) error { return nil }
