// Package cache implements the bounded TTL/LRU result cache shared by the
// executor and the progressive loader.  It is the only mutable shared state
// in the pipeline and is safe for concurrent use.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/openlot/image-delivery/core"
	apperrors "github.com/openlot/image-delivery/errors"
)

// State describes an entry's position in its lifecycle.
type State uint8

const (
	StatePending State = iota
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	default:
		return "failed"
	}
}

// EntrySnapshot is a read-only view of a cache entry.
type EntrySnapshot struct {
	Key       string
	State     State
	Value     *core.Artifact
	Err       error
	CreatedAt time.Time
	TTL       time.Duration
}

type entry struct {
	key       string
	state     State
	value     *core.Artifact
	err       error
	createdAt time.Time
	failedAt  time.Time
	ttl       time.Duration
	// done is closed exactly once, when a pending entry settles.  All
	// concurrent callers for the same key wait on the same channel, so
	// the underlying computation runs at most once.
	done chan struct{}
	// discarded marks an entry invalidated while still pending; its
	// result is delivered to waiters but never stored.
	discarded bool
}

// Options configures a Cache.
type Options struct {
	MaxEntries int // settled-entry bound; 0 = 1024
	// FailureGrace is how long a failed entry keeps answering with its
	// cached failure before the next access may retry.
	FailureGrace time.Duration
	// SweepInterval > 0 starts a background goroutine reclaiming expired
	// entries nobody reads again.  Lazy expiry on access is always on.
	SweepInterval time.Duration
	Logger        core.Logger
	Metrics       core.MetricsCollector
}

// Cache maps fingerprints to computed artifacts or their in-flight
// computations.  It knows nothing about workers, networks, or the UI.
type Cache struct {
	mu      sync.Mutex
	settled *lru.LRU[string, *entry]
	// pending entries live outside the LRU so eviction pressure can never
	// duplicate an in-flight computation.
	pending map[string]*entry

	failureGrace time.Duration
	logger       core.Logger
	metrics      core.MetricsCollector

	sweepStop chan struct{}
	closed    bool
}

// New creates a Cache.  Call Close when done.
func New(opts Options) *Cache {
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	logger := opts.Logger
	if logger == nil {
		logger = core.NopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = core.NopMetrics{}
	}

	settled, _ := lru.NewLRU[string, *entry](maxEntries, nil)
	c := &Cache{
		settled:      settled,
		pending:      make(map[string]*entry),
		failureGrace: opts.FailureGrace,
		logger:       logger,
		metrics:      metrics,
	}
	if opts.SweepInterval > 0 {
		c.sweepStop = make(chan struct{})
		go c.sweepLoop(opts.SweepInterval)
	}
	return c
}

// Get returns a snapshot of the entry for key, or ok=false when absent.
// Expired entries are reclaimed lazily here and reported absent.
func (c *Cache) Get(key string) (EntrySnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.pending[key]; ok {
		return snapshot(e), true
	}
	e, ok := c.settled.Get(key)
	if !ok {
		return EntrySnapshot{}, false
	}
	if c.expiredLocked(e, time.Now()) {
		c.settled.Remove(key)
		return EntrySnapshot{}, false
	}
	return snapshot(e), true
}

// GetOrCompute is the core primitive: a ready unexpired entry is returned
// directly; a pending entry is awaited (sharing the in-flight computation);
// otherwise compute starts, with a pending entry visible to other callers
// before compute is awaited.  A failed entry answers with its cached
// failure inside the grace window and is retried afterwards.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) (*core.Artifact, error)) (*core.Artifact, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, apperrors.New(apperrors.ClassInternal, "cache.get_or_compute", apperrors.ErrEngineClosed)
	}

	if e, ok := c.pending[key]; ok {
		c.mu.Unlock()
		c.metrics.RecordCacheHit(key)
		return c.await(ctx, e)
	}

	now := time.Now()
	if e, ok := c.settled.Get(key); ok && !c.expiredLocked(e, now) {
		c.mu.Unlock()
		c.metrics.RecordCacheHit(key)
		if e.state == StateFailed {
			return nil, e.err
		}
		return e.value, nil
	}

	// Miss: publish the pending entry before running compute so that
	// concurrent identical requests attach instead of recomputing.
	e := &entry{
		key:       key,
		state:     StatePending,
		createdAt: now,
		ttl:       ttl,
		done:      make(chan struct{}),
	}
	c.pending[key] = e
	c.mu.Unlock()

	c.metrics.RecordCacheMiss(key)
	c.logger.Debug("cache.miss", "key", key)

	value, err := compute(ctx)

	c.mu.Lock()
	if err != nil {
		e.state = StateFailed
		e.err = err
		e.failedAt = time.Now()
	} else {
		e.state = StateReady
		e.value = value
		e.createdAt = time.Now()
	}
	if c.pending[key] == e {
		delete(c.pending, key)
		if !e.discarded && !c.closed {
			c.settled.Add(key, e)
		}
	}
	c.mu.Unlock()
	close(e.done)

	return value, err
}

// await blocks until a pending entry settles or the caller's context ends.
// A caller abandoning the wait does not abandon the computation: other
// waiters and the cache still receive the result.
func (c *Cache) await(ctx context.Context, e *entry) (*core.Artifact, error) {
	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, apperrors.Wrap(apperrors.ClassCanceled, "cache.await", ctx.Err())
	}
	if e.state == StateFailed {
		return nil, e.err
	}
	return e.value, nil
}

// Invalidate removes the entry for key regardless of state.  An in-flight
// computation keeps running for its waiters but its result is not stored.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.pending[key]; ok {
		e.discarded = true
		delete(c.pending, key)
	}
	c.settled.Remove(key)
}

// InvalidatePrefix removes every entry whose key starts with prefix.
func (c *Cache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.pending {
		if strings.HasPrefix(key, prefix) {
			e.discarded = true
			delete(c.pending, key)
		}
	}
	for _, key := range c.settled.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.settled.Remove(key)
		}
	}
}

// Len reports the number of settled entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settled.Len()
}

// Sweep removes every expired entry now.  Useful when SweepInterval is 0
// and the caller wants to reclaim memory explicitly.
func (c *Cache) Sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.settled.Keys() {
		if e, ok := c.settled.Peek(key); ok && c.expiredLocked(e, now) {
			c.settled.Remove(key)
		}
	}
}

// Close stops the sweep goroutine and empties the cache.  Pending
// computations settle normally but are not stored.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for key, e := range c.pending {
		e.discarded = true
		delete(c.pending, key)
	}
	c.settled.Purge()
	stop := c.sweepStop
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.sweepStop:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// expiredLocked reports whether a settled entry is past its useful life: a
// ready entry past its TTL, or a failed entry past the grace window.
func (c *Cache) expiredLocked(e *entry, now time.Time) bool {
	switch e.state {
	case StateReady:
		return e.ttl > 0 && now.Sub(e.createdAt) >= e.ttl
	case StateFailed:
		return now.Sub(e.failedAt) >= c.failureGrace
	default:
		return false
	}
}

func snapshot(e *entry) EntrySnapshot {
	return EntrySnapshot{
		Key:       e.key,
		State:     e.state,
		Value:     e.value,
		Err:       e.err,
		CreatedAt: e.createdAt,
		TTL:       e.ttl,
	}
}
