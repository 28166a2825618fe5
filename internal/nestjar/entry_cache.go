package nestjar

import (
	"container/list"
	"hash/fnv"
	"sync"
)

// defaultEntryContentShards is the number of internal shards used to reduce lock
// contention when many goroutines inflate entries at once.
const defaultEntryContentShards = 64

// EntryContentCache is a sharded, memory-budgeted LRU cache for inflated entry
// content of deflated entries inside nested archives.
//
// Stored entries are never cached: they are served directly from their byte range.
// A nil *EntryContentCache is valid and always misses.
type EntryContentCache struct {
	metrics   *Metrics
	shards    []entryContentShard
	numShards uint64
	perShard  int64
}

type entryContentShard struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	lru      *list.List // front = most recently used
	curBytes int64
}

type entryCacheItem struct {
	key  string
	data []byte
}

// NewEntryContentCache constructs a cache holding at most maxBytes of inflated
// content across all shards. It returns nil when maxBytes <= 0.
func NewEntryContentCache(maxBytes int64, metrics *Metrics) *EntryContentCache {
	if maxBytes <= 0 {
		return nil
	}
	numShards := uint64(defaultEntryContentShards)
	perShard := maxBytes / int64(numShards)
	if perShard < 1 {
		perShard = 1
	}

	shards := make([]entryContentShard, numShards)
	for i := range shards {
		shards[i] = entryContentShard{
			items: make(map[string]*list.Element),
			lru:   list.New(),
		}
	}

	return &EntryContentCache{
		metrics:   metrics,
		shards:    shards,
		numShards: numShards,
		perShard:  perShard,
	}
}

// entryKey joins an archive key and an entry name. Archive key components never
// contain NUL, so the entry name as the last component may.
func entryKey(archiveKey, entryName string) string {
	return archiveKey + "\x00" + entryName
}

func (c *EntryContentCache) shardFor(key string) *entryContentShard {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key)) // fnv hash.Write never returns an error
	return &c.shards[h.Sum64()%c.numShards]
}

// Fits reports whether an entry of the given size would be admitted.
func (c *EntryContentCache) Fits(size uint64) bool {
	return c != nil && size <= uint64(c.perShard) //nolint:gosec // perShard > 0
}

// Get returns cached content. The returned slice must not be modified.
func (c *EntryContentCache) Get(archiveKey, entryName string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}

	key := entryKey(archiveKey, entryName)
	shard := c.shardFor(key)

	shard.mu.Lock()
	elem, ok := shard.items[key]
	if !ok {
		shard.mu.Unlock()
		c.metrics.IncEntryCacheMisses()
		return nil, false
	}
	shard.lru.MoveToFront(elem)
	item, _ := elem.Value.(*entryCacheItem) //nolint:errcheck // internal invariant: LRU list only contains *entryCacheItem
	shard.mu.Unlock()

	c.metrics.IncEntryCacheHits()
	return item.data, true
}

// Put stores inflated content, evicting least recently used entries of the same
// shard until it fits. Content larger than a shard's budget is not stored.
func (c *EntryContentCache) Put(archiveKey, entryName string, data []byte) {
	if c == nil {
		return
	}

	key := entryKey(archiveKey, entryName)
	shard := c.shardFor(key)
	size := int64(len(data))
	if size > c.perShard {
		return
	}

	shard.mu.Lock()
	// Entries are immutable, so an existing item already holds identical bytes.
	if elem, ok := shard.items[key]; ok {
		shard.lru.MoveToFront(elem)
		shard.mu.Unlock()
		return
	}
	for shard.curBytes+size > c.perShard && shard.lru.Len() > 0 {
		c.evictBack(shard)
	}
	shard.items[key] = shard.lru.PushFront(&entryCacheItem{key: key, data: data})
	shard.curBytes += size
	shard.mu.Unlock()

	if c.metrics != nil {
		totalBytes, totalItems := c.totals()
		c.metrics.SetEntryCacheUsage(totalBytes, totalItems)
	}
}

// evictBack removes the least recently used item. Caller must hold shard.mu.
func (c *EntryContentCache) evictBack(shard *entryContentShard) {
	elem := shard.lru.Back()
	if elem == nil {
		return
	}
	shard.lru.Remove(elem)
	item, _ := elem.Value.(*entryCacheItem) //nolint:errcheck // internal invariant: LRU list only contains *entryCacheItem
	shard.curBytes -= int64(len(item.data))
	delete(shard.items, item.key)

	c.metrics.IncEntryCacheEvictions()
}

// totals returns aggregate byte and item counts. Shards are read one at a time,
// so the sum is approximate under concurrent writes; it only feeds gauges.
func (c *EntryContentCache) totals() (totalBytes int64, totalItems int) {
	for i := range c.shards {
		c.shards[i].mu.Lock()
		totalBytes += c.shards[i].curBytes
		totalItems += c.shards[i].lru.Len()
		c.shards[i].mu.Unlock()
	}
	return totalBytes, totalItems
}
