// Package cache provides a size-bounded in-memory cache with per-entry expiry.
package cache

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// TTL caches values for a fixed duration. Reads do not extend an entry's
// life. When full, the least recently used entry is evicted. A background
// sweep drops expired entries until Close is called.
type TTL[V any] struct {
	items    *ttlcache.Cache[string, V]
	sweeping bool
	stopOnce sync.Once
}

// Option configures a TTL cache.
type Option func(*options)

type options struct {
	sweep bool
}

// WithoutSweep disables the background sweep. Expired entries are still
// never returned and are dropped by Sweep.
func WithoutSweep() Option {
	return func(o *options) { o.sweep = false }
}

// NewTTL creates a cache holding at most maxSize entries for ttl each.
func NewTTL[V any](ttl time.Duration, maxSize int, opts ...Option) *TTL[V] {
	o := options{sweep: true}
	for _, opt := range opts {
		opt(&o)
	}
	if maxSize < 1 {
		maxSize = 1
	}

	c := &TTL[V]{
		items: ttlcache.New[string, V](
			ttlcache.WithTTL[string, V](ttl),
			ttlcache.WithCapacity[string, V](uint64(maxSize)),
			ttlcache.WithDisableTouchOnHit[string, V](),
		),
		sweeping: o.sweep,
	}
	if c.sweeping {
		go c.items.Start()
	}
	return c
}

// Get returns the cached value for key if it has not expired.
func (c *TTL[V]) Get(key string) (V, bool) {
	item := c.items.Get(key)
	if item == nil {
		var zero V
		return zero, false
	}
	return item.Value(), true
}

// Set stores value under key for the cache's ttl.
func (c *TTL[V]) Set(key string, value V) {
	c.items.Set(key, value, ttlcache.DefaultTTL)
}

// Len reports the number of stored entries, expired or not.
func (c *TTL[V]) Len() int {
	return c.items.Len()
}

// Sweep drops every expired entry.
func (c *TTL[V]) Sweep() {
	c.items.DeleteExpired()
}

// Close stops the background sweep. The cache stays usable.
func (c *TTL[V]) Close() {
	if !c.sweeping {
		return
	}
	c.stopOnce.Do(c.items.Stop)
}
