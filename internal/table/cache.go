package table

import "container/list"

// orderedCache is a strict insertion-order cache: the entry evicted when
// the cache is over capacity is always the oldest by first-insertion,
// never by most-recent-access or most-recent-update (spec.md §4.8.3 —
// updating an existing key's value must not move it in eviction order).
// No third-party cache in the example pack preserves that invariant;
// every one (including maypok86/otter) evicts by a recency or admission
// policy, which would silently reorder a table whose semantics are
// defined entry-by-entry. container/list plus a map is the direct
// expression of the invariant, so that's what this is.
type orderedCache struct {
	size   *int // nil: unbounded: <=0: caching disabled: >0: bounded with FIFO eviction
	order  *list.List
	index  map[string]*list.Element
	values map[string][]byte
}

func newOrderedCache() *orderedCache {
	return &orderedCache{
		order:  list.New(),
		index:  make(map[string]*list.Element),
		values: make(map[string][]byte),
	}
}

// SetSize installs a new size bound. Existing entries over the new bound
// are not evicted immediately — truncation happens lazily, the next time
// Put grows the cache past the bound (spec.md §6 set_config: a size
// shrink takes effect on the next insertion, not retroactively).
func (c *orderedCache) SetSize(n int) {
	c.size = &n
}

func (c *orderedCache) disabled() bool {
	return c.size != nil && *c.size <= 0
}

// Put inserts or updates key. An update to an already-cached key leaves
// its position in the eviction order untouched.
func (c *orderedCache) Put(key string, value []byte) {
	if c.disabled() {
		return
	}
	if _, ok := c.index[key]; ok {
		c.values[key] = value
		return
	}
	c.index[key] = c.order.PushBack(key)
	c.values[key] = value
	c.evict()
}

func (c *orderedCache) evict() {
	if c.size == nil || *c.size <= 0 {
		return
	}
	for c.order.Len() > *c.size {
		front := c.order.Front()
		key := front.Value.(string)
		c.order.Remove(front)
		delete(c.index, key)
		delete(c.values, key)
	}
}

func (c *orderedCache) Get(key string) ([]byte, bool) {
	v, ok := c.values[key]
	return v, ok
}

func (c *orderedCache) Remove(key string) {
	if elem, ok := c.index[key]; ok {
		c.order.Remove(elem)
		delete(c.index, key)
	}
	delete(c.values, key)
}

func (c *orderedCache) Clear() {
	c.order.Init()
	c.index = make(map[string]*list.Element)
	c.values = make(map[string][]byte)
}

func (c *orderedCache) Len() int { return len(c.values) }

// Snapshot returns every cached item in insertion order, the "full_cache"
// payload on_cache_update fans out after any cache change (spec.md §4.8.3).
func (c *orderedCache) Snapshot() []Item {
	out := make([]Item, 0, c.order.Len())
	for e := c.order.Front(); e != nil; e = e.Next() {
		key := e.Value.(string)
		out = append(out, Item{Key: key, Data: c.values[key]})
	}
	return out
}
