package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"leadhub/internal/metrics"
)

// Entry is a cached value stamped with the time it was produced.
type Entry[T any] struct {
	Value    T         `json:"value"`
	StoredAt time.Time `json:"stored_at"`
}

// Tier is one storage level of an SWR cache.
type Tier[T any] interface {
	Load(ctx context.Context, key string) (Entry[T], bool, error)
	Store(ctx context.Context, key string, e Entry[T]) error
	Delete(ctx context.Context, key string) error
}

// LoadFunc produces a fresh value for a key.
type LoadFunc[T any] func(ctx context.Context) (T, error)

// SWR is a stale-while-revalidate cache. A fresh hit is served directly; a stale
// hit is served immediately and refreshed in the background, one refresh per key.
type SWR[T any] struct {
	name    string
	ttl     time.Duration
	now     func() time.Time
	tiers   []Tier[T]
	logger  *slog.Logger
	metrics *metrics.Metrics

	refreshTimeout time.Duration

	mu         sync.Mutex
	refreshing map[string]struct{}
	wg         sync.WaitGroup
}

// Options configures an SWR cache.
type Options struct {
	Name    string
	TTL     time.Duration
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// NewSWR builds a cache consulting tiers in order. The first tier should be the cheapest.
func NewSWR[T any](opts Options, tiers ...Tier[T]) *SWR[T] {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SWR[T]{
		name:           opts.Name,
		ttl:            opts.TTL,
		now:            now,
		tiers:          tiers,
		logger:         logger.With("component", "cache", "cache", opts.Name),
		metrics:        opts.Metrics,
		refreshTimeout: 30 * time.Second,
		refreshing:     make(map[string]struct{}),
	}
}

// Get returns the cached value for key, calling load on a miss.
func (c *SWR[T]) Get(ctx context.Context, key string, load LoadFunc[T]) (T, error) {
	entry, ok := c.lookup(ctx, key)
	if !ok {
		c.record("miss")
		return c.fill(ctx, key, load)
	}

	if c.now().Sub(entry.StoredAt) < c.ttl {
		c.record("hit")
		return entry.Value, nil
	}

	c.record("stale")
	c.revalidate(ctx, key, load)
	return entry.Value, nil
}

// Invalidate drops key from every tier so the next Get loads it again. Every
// tier is attempted; failures are joined.
func (c *SWR[T]) Invalidate(ctx context.Context, key string) error {
	var errs []error
	for i, tier := range c.tiers {
		if err := tier.Delete(ctx, key); err != nil {
			c.logger.Warn("cache tier delete failed", "tier", i, "key", key, "error", err)
			errs = append(errs, err)
		}
	}
	c.record("invalidate")
	return errors.Join(errs...)
}

// Wait blocks until background refreshes finish.
func (c *SWR[T]) Wait() {
	c.wg.Wait()
}

func (c *SWR[T]) lookup(ctx context.Context, key string) (Entry[T], bool) {
	for i, tier := range c.tiers {
		entry, ok, err := tier.Load(ctx, key)
		if err != nil {
			c.logger.Warn("cache tier load failed", "tier", i, "key", key, "error", err)
			continue
		}
		if !ok {
			continue
		}
		// Backfill the cheaper tiers that missed.
		for _, upper := range c.tiers[:i] {
			if err := upper.Store(ctx, key, entry); err != nil {
				c.logger.Warn("cache backfill failed", "key", key, "error", err)
			}
		}
		return entry, true
	}
	var zero Entry[T]
	return zero, false
}

func (c *SWR[T]) fill(ctx context.Context, key string, load LoadFunc[T]) (T, error) {
	value, err := load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	c.store(ctx, key, Entry[T]{Value: value, StoredAt: c.now()})
	return value, nil
}

func (c *SWR[T]) store(ctx context.Context, key string, entry Entry[T]) {
	for i, tier := range c.tiers {
		if err := tier.Store(ctx, key, entry); err != nil {
			c.logger.Warn("cache tier store failed", "tier", i, "key", key, "error", err)
		}
	}
}

func (c *SWR[T]) revalidate(ctx context.Context, key string, load LoadFunc[T]) {
	c.mu.Lock()
	if _, busy := c.refreshing[key]; busy {
		c.mu.Unlock()
		return
	}
	c.refreshing[key] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.refreshing, key)
			c.mu.Unlock()
		}()

		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
		defer cancel()
		if _, err := c.fill(refreshCtx, key, load); err != nil {
			c.logger.Warn("background refresh failed", "key", key, "error", err)
		}
	}()
}

func (c *SWR[T]) record(result string) {
	if c.metrics != nil {
		c.metrics.CacheLookups.WithLabelValues(c.name, result).Inc()
	}
}

// Memory is an in-process tier.
type Memory[T any] struct {
	mu      sync.RWMutex
	entries map[string]Entry[T]
}

// NewMemory returns an empty in-process tier.
func NewMemory[T any]() *Memory[T] {
	return &Memory[T]{entries: make(map[string]Entry[T])}
}

func (m *Memory[T]) Load(_ context.Context, key string) (Entry[T], bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

func (m *Memory[T]) Store(_ context.Context, key string, e Entry[T]) error {
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}

func (m *Memory[T]) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// RedisTier shares entries between processes. Keys expire after retain so abandoned
// entries do not accumulate.
type RedisTier[T any] struct {
	redis  *Redis
	prefix string
	retain time.Duration
}

// NewRedisTier wraps r with a key prefix.
func NewRedisTier[T any](r *Redis, prefix string, retain time.Duration) *RedisTier[T] {
	return &RedisTier[T]{redis: r, prefix: prefix, retain: retain}
}

func (t *RedisTier[T]) Load(ctx context.Context, key string) (Entry[T], bool, error) {
	var e Entry[T]
	ok, err := t.redis.GetJSON(ctx, t.prefix+key, &e)
	return e, ok, err
}

func (t *RedisTier[T]) Store(ctx context.Context, key string, e Entry[T]) error {
	return t.redis.SetJSON(ctx, t.prefix+key, e, t.retain)
}

func (t *RedisTier[T]) Delete(ctx context.Context, key string) error {
	return t.redis.Delete(ctx, t.prefix+key)
}
