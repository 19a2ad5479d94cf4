// Package querycache is an in-memory stand-in for the data-fetching layer's
// query cache: results stored under invalidation keys, expired after a TTL and
// dropped when an invalidation covers their key.
package querycache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/whisper/chatsync/internal/invalidation"
)

// DefaultTTL is how long a cached result stays fresh without invalidation.
const DefaultTTL = 5 * time.Minute

type entry struct {
	key   invalidation.Key
	value any
}

// Cache stores query results by key. It is safe for concurrent use.
type Cache struct {
	items *ttlcache.Cache[string, entry]
	log   *zap.Logger
}

// New creates a Cache whose entries expire after ttl. A non-positive ttl
// selects DefaultTTL.
func New(ttl time.Duration, log *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Cache{
		items: ttlcache.New[string, entry](
			ttlcache.WithTTL[string, entry](ttl),
			// Reads must not keep a result fresh.
			ttlcache.WithDisableTouchOnHit[string, entry](),
		),
		log: log.Named("querycache"),
	}
	c.items.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, entry]) {
		if reason == ttlcache.EvictionReasonExpired {
			c.log.Debug("expired", zap.String("key", item.Key()))
		}
	})
	return c
}

// Set stores value under key with the default TTL.
func (c *Cache) Set(key invalidation.Key, value any) {
	c.items.Set(key.String(), entry{key: key, value: value}, ttlcache.DefaultTTL)
}

// Get returns the value stored under exactly key.
func (c *Cache) Get(key invalidation.Key) (any, bool) {
	item := c.items.Get(key.String())
	if item == nil {
		return nil, false
	}
	return item.Value().value, true
}

// Invalidate drops every entry covered by key. It implements
// invalidation.Invalidator.
func (c *Cache) Invalidate(key invalidation.Key) {
	dropped := 0
	for k, item := range c.items.Items() {
		if key.Covers(item.Value().key) {
			c.items.Delete(k)
			dropped++
		}
	}
	if dropped > 0 {
		c.log.Debug("invalidated", zap.Stringer("key", key), zap.Int("entries", dropped))
	}
}

// Len returns the number of stored entries, expired ones included until the
// next cleanup.
func (c *Cache) Len() int {
	return c.items.Len()
}

// Start runs the expiry loop until Stop is called. It blocks.
func (c *Cache) Start() {
	c.items.Start()
}

// Stop ends the expiry loop.
func (c *Cache) Stop() {
	c.items.Stop()
}

var _ invalidation.Invalidator = (*Cache)(nil)
