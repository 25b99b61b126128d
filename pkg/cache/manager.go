package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStaleWindow is how long a stale entry is kept for revalidation.
const DefaultStaleWindow = 24 * time.Hour

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Manager handles caching operations with Redis backend.
type Manager struct {
	redis       *redis.Client
	staleWindow time.Duration
}

// NewManager creates a new cache manager with Redis backend.
// A non-positive staleWindow falls back to DefaultStaleWindow.
func NewManager(redisClient *redis.Client, staleWindow time.Duration) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if staleWindow <= 0 {
		staleWindow = DefaultStaleWindow
	}
	return &Manager{
		redis:       redisClient,
		staleWindow: staleWindow,
	}
}

// Get retrieves a cache entry by key.
// Stale entries are returned as well; callers check IsExpired and revalidate.
// Returns ErrCacheMiss if the key doesn't exist.
func (m *Manager) Get(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	data, err := m.redis.Get(ctx, key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		_ = m.Delete(ctx, key)
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if entry.IsExpired() {
		CacheHits.WithLabelValues("stale").Inc()
	} else {
		CacheHits.WithLabelValues("fresh").Inc()
	}

	return &entry, nil
}

// Set stores a cache entry. Redis keeps it until Expires + stale window.
func (m *Manager) Set(ctx context.Context, key CacheKey, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	ttl := entry.TTL() + m.staleWindow
	if entry.ETag == "" && entry.LastModified.IsZero() {
		// Without validators a stale entry can never be revalidated.
		ttl = entry.TTL()
	}
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := m.redis.Set(ctx, key.String(), data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// Delete removes a cache entry.
func (m *Manager) Delete(ctx context.Context, key CacheKey) error {
	if err := m.redis.Del(ctx, key.String()).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}

	return nil
}

// UpdateTTL moves the Expires time of an existing entry.
// Used after a 304 Not Modified revalidation.
func (m *Manager) UpdateTTL(ctx context.Context, key CacheKey, newExpires time.Time) error {
	entry, err := m.Get(ctx, key)
	if err != nil {
		return err
	}

	entry.Expires = newExpires

	return m.Set(ctx, key, entry)
}
