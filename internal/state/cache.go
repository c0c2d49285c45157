package state

import (
	"sync/atomic"

	"github.com/maypok86/otter"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/zeebo/xxh3"

	"github.com/relayhub/relay/internal/model"
)

// cachedContent is one cache entry. The checksum is verified on every hit so
// a corrupted entry is evicted instead of delivered.
type cachedContent struct {
	content  model.TopicContent
	checksum uint64
}

// ContentCache is a bounded in-memory cache of topic content, kept coherent
// by the Postgres topic_changed notification channel. It starts disabled and
// is enabled only while the listener connection is live.
type ContentCache struct {
	store   otter.Cache[string, cachedContent]
	enabled atomic.Bool

	hits      *xsync.Counter
	misses    *xsync.Counter
	evictions *xsync.Counter
}

// NewContentCache builds a cache bounded to maxEntries topics.
func NewContentCache(maxEntries int) *ContentCache {
	store, err := otter.MustBuilder[string, cachedContent](maxEntries).
		Cost(func(_ string, _ cachedContent) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("state: failed to create content cache: " + err.Error())
	}
	return &ContentCache{
		store:     store,
		hits:      xsync.NewCounter(),
		misses:    xsync.NewCounter(),
		evictions: xsync.NewCounter(),
	}
}

// Get returns the cached content for topicID, if present and intact.
func (c *ContentCache) Get(topicID string) (model.TopicContent, bool) {
	if !c.enabled.Load() {
		return model.TopicContent{}, false
	}
	entry, found := c.store.Get(topicID)
	if !found {
		c.misses.Inc()
		return model.TopicContent{}, false
	}
	if xxh3.Hash(entry.content.Content) != entry.checksum {
		c.store.Delete(topicID)
		c.evictions.Inc()
		c.misses.Inc()
		return model.TopicContent{}, false
	}
	c.hits.Inc()
	return entry.content, true
}

// Put stores tc unless the cache is disabled.
func (c *ContentCache) Put(tc model.TopicContent) {
	if !c.enabled.Load() {
		return
	}
	c.store.Set(tc.TopicID, cachedContent{
		content:  tc,
		checksum: xxh3.Hash(tc.Content),
	})
}

// Evict drops the entry for topicID.
func (c *ContentCache) Evict(topicID string) {
	c.store.Delete(topicID)
	c.evictions.Inc()
}

// Enable turns the cache on. The store is purged first: a Put racing a
// Disable can land after its purge, and such an entry predates the
// notification gap.
func (c *ContentCache) Enable() {
	c.store.Clear()
	c.enabled.Store(true)
}

// Disable turns the cache off and purges every entry. Entries cached before
// a notification gap cannot be trusted afterwards.
func (c *ContentCache) Disable() {
	c.enabled.Store(false)
	c.store.Clear()
}

// Stats snapshots the cache counters.
func (c *ContentCache) Stats() CacheStats {
	return CacheStats{
		Enabled:   c.enabled.Load(),
		Entries:   c.store.Size(),
		Hits:      uint64(c.hits.Value()),
		Misses:    uint64(c.misses.Value()),
		Evictions: uint64(c.evictions.Value()),
	}
}

// Close releases the underlying store.
func (c *ContentCache) Close() {
	c.store.Close()
}
