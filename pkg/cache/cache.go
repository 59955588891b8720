// Package cache implements the Cache Layer: typed caches over the KV
// Store Adapter with LRU eviction, TTL, batched access-count updates, and
// bulk operations. Grounded on the teacher's internal/audit.Writer
// batched-flush goroutine (read before Step-0 deletion) generalized from
// "batch audit events" to "batch access-count increments."
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wisbric/gpuctl/pkg/kv"
)

// entryMeta is the bookkeeping persisted alongside a cache entry's value.
type entryMeta struct {
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	LastAccessed time.Time  `json:"lastAccessed"`
	AccessCount  int64      `json:"accessCount"`
}

type envelope[T any] struct {
	Value T         `json:"value"`
	Meta  entryMeta `json:"meta"`
}

// Stats is a point-in-time snapshot of a cache's size and hit behavior.
type Stats struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

// Cache is a typed cache of name Name over a shared kv.Store, namespaced
// under cache:<name>:<key>.
type Cache[T any] struct {
	name            string
	store           kv.Store
	maxSize         int
	defaultTTL      time.Duration
	cleanupInterval time.Duration
	logger          *slog.Logger

	mu           sync.Mutex
	pendingHits  map[string]int64
	flushStop    chan struct{}
	flushStopped chan struct{}
}

// Config configures one named cache.
type Config struct {
	Name            string
	MaxSize         int
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
	AccessFlushEvery time.Duration
}

// New constructs a Cache and starts its background access-count flush
// loop (stopped by Close).
func New[T any](store kv.Store, cfg Config, logger *slog.Logger) *Cache[T] {
	if cfg.AccessFlushEvery == 0 {
		cfg.AccessFlushEvery = 5 * time.Second
	}
	c := &Cache[T]{
		name:            cfg.Name,
		store:           store,
		maxSize:         cfg.MaxSize,
		defaultTTL:      cfg.DefaultTTL,
		cleanupInterval: cfg.CleanupInterval,
		logger:          logger,
		pendingHits:     make(map[string]int64),
		flushStop:       make(chan struct{}),
		flushStopped:    make(chan struct{}),
	}
	go c.runAccessFlush(cfg.AccessFlushEvery)
	return c
}

func (c *Cache[T]) key(k string) string {
	return fmt.Sprintf("cache:%s:%s", c.name, k)
}

func (c *Cache[T]) keyPrefix() string {
	return fmt.Sprintf("cache:%s:", c.name)
}

// Get returns the cached value, or ok=false on miss. A hit schedules an
// access-count update batched by the background flush loop rather than
// writing back synchronously.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	raw, ok, err := c.store.Get(ctx, c.key(key))
	if err != nil {
		return zero, false, err
	}
	if !ok {
		return zero, false, nil
	}
	var env envelope[T]
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// Defensive: another namespace's value collided with this key, or
		// the stored shape is stale. Treat as a miss rather than abort.
		c.logger.Warn("cache decode mismatch, treating as miss", "cache", c.name, "key", key, "error", err)
		return zero, false, nil
	}
	if env.Meta.ExpiresAt != nil && time.Now().After(*env.Meta.ExpiresAt) {
		return zero, false, nil
	}

	c.mu.Lock()
	c.pendingHits[key]++
	c.mu.Unlock()

	return env.Value, true, nil
}

// Set upserts value under key with an optional ttl (0 uses the cache's
// defaultTTL, negative means no expiry).
func (c *Cache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	env := envelope[T]{Value: value, Meta: entryMeta{LastAccessed: time.Now()}}
	if ttl > 0 {
		exp := time.Now().Add(ttl)
		env.Meta.ExpiresAt = &exp
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	storeTTL := ttl
	if storeTTL < 0 {
		storeTTL = 0
	}
	if err := c.store.Set(ctx, c.key(key), string(raw), storeTTL); err != nil {
		return err
	}
	return c.enforceMaxSize(ctx)
}

// Delete removes key.
func (c *Cache[T]) Delete(ctx context.Context, key string) error {
	return c.store.Del(ctx, c.key(key))
}

// Clear removes every entry in this cache.
func (c *Cache[T]) Clear(ctx context.Context) error {
	keys, err := c.store.Scan(ctx, c.keyPrefix())
	if err != nil {
		return err
	}
	for _, full := range keys {
		if err := c.store.Del(ctx, full); err != nil {
			return err
		}
	}
	return nil
}

// Has reports whether key is present and unexpired, without counting as
// an access for LRU purposes.
func (c *Cache[T]) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := c.store.Get(ctx, c.key(key))
	return ok, err
}

// Keys lists the logical (unprefixed) keys whose full key matches prefix.
func (c *Cache[T]) Keys(ctx context.Context, prefix string) ([]string, error) {
	full, err := c.store.Scan(ctx, c.keyPrefix()+prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(full))
	base := c.keyPrefix()
	for _, k := range full {
		out = append(out, strings.TrimPrefix(k, base))
	}
	sort.Strings(out)
	return out, nil
}

// Size reports the number of entries currently stored.
func (c *Cache[T]) Size(ctx context.Context) (int, error) {
	keys, err := c.store.Scan(ctx, c.keyPrefix())
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Stats returns a point-in-time snapshot.
func (c *Cache[T]) Stats(ctx context.Context) (Stats, error) {
	size, err := c.Size(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Name: c.name, Size: size}, nil
}

const bulkBatchSize = 40

// BulkSet upserts many entries, batched to amortize round trips.
func (c *Cache[T]) BulkSet(ctx context.Context, values map[string]T, ttl time.Duration) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i := 0; i < len(keys); i += bulkBatchSize {
		end := i + bulkBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		for _, k := range keys[i:end] {
			if err := c.Set(ctx, k, values[k], ttl); err != nil {
				return fmt.Errorf("bulk set key %q: %w", k, err)
			}
		}
	}
	return nil
}

// BulkDelete removes many entries, batched to amortize round trips.
func (c *Cache[T]) BulkDelete(ctx context.Context, keys []string) error {
	for i := 0; i < len(keys); i += bulkBatchSize {
		end := i + bulkBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		for _, k := range keys[i:end] {
			if err := c.Delete(ctx, k); err != nil {
				return fmt.Errorf("bulk delete key %q: %w", k, err)
			}
		}
	}
	return nil
}

// BulkSyncCache applies updates and deletions together, the shape the
// Startup Reconciler uses to reconcile cached state with Provider truth
// in one call.
func (c *Cache[T]) BulkSyncCache(ctx context.Context, updates map[string]T, deletions []string, ttl time.Duration) error {
	if err := c.BulkSet(ctx, updates, ttl); err != nil {
		return err
	}
	return c.BulkDelete(ctx, deletions)
}

// enforceMaxSize evicts least-recently-accessed entries until the cache
// is at or below maxSize. maxSize <= 0 means unbounded.
func (c *Cache[T]) enforceMaxSize(ctx context.Context) error {
	if c.maxSize <= 0 {
		return nil
	}
	fullKeys, err := c.store.Scan(ctx, c.keyPrefix())
	if err != nil {
		return err
	}
	if len(fullKeys) <= c.maxSize {
		return nil
	}

	type candidate struct {
		key          string
		lastAccessed time.Time
	}
	candidates := make([]candidate, 0, len(fullKeys))
	for _, fk := range fullKeys {
		raw, ok, err := c.store.Get(ctx, fk)
		if err != nil || !ok {
			continue
		}
		var env envelope[T]
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		candidates = append(candidates, candidate{key: fk, lastAccessed: env.Meta.LastAccessed})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccessed.Before(candidates[j].lastAccessed)
	})

	toEvict := len(fullKeys) - c.maxSize
	for i := 0; i < toEvict && i < len(candidates); i++ {
		if err := c.store.Del(ctx, candidates[i].key); err != nil {
			return err
		}
	}
	return nil
}

// runAccessFlush periodically writes batched access-count increments back
// to the store, avoiding a write on every Get.
func (c *Cache[T]) runAccessFlush(interval time.Duration) {
	defer close(c.flushStopped)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.flushAccessCounts(context.Background())
		case <-c.flushStop:
			c.flushAccessCounts(context.Background())
			return
		}
	}
}

func (c *Cache[T]) flushAccessCounts(ctx context.Context) {
	c.mu.Lock()
	hits := c.pendingHits
	c.pendingHits = make(map[string]int64)
	c.mu.Unlock()

	for key, n := range hits {
		raw, ok, err := c.store.Get(ctx, c.key(key))
		if err != nil || !ok {
			continue
		}
		var env envelope[T]
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		env.Meta.AccessCount += n
		env.Meta.LastAccessed = time.Now()
		updated, err := json.Marshal(env)
		if err != nil {
			continue
		}
		var ttl time.Duration
		if env.Meta.ExpiresAt != nil {
			ttl = time.Until(*env.Meta.ExpiresAt)
			if ttl <= 0 {
				continue
			}
		}
		if err := c.store.Set(ctx, c.key(key), string(updated), ttl); err != nil {
			c.logger.Warn("cache access-count flush failed", "cache", c.name, "key", key, "error", err)
		}
	}
}

// Close stops the background access-count flush loop, flushing any
// pending increments first.
func (c *Cache[T]) Close() {
	close(c.flushStop)
	<-c.flushStopped
}
