// Package kernelcache memoizes kernel lookups per (executable, entry point).
//
// Resolving kernel info can walk executable metadata; a dispatch loop that
// launches the same few kernels repeatedly only pays for that once.
package kernelcache

import (
	"sync"

	"github.com/gogpu/streamcb/device"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 64

// Key identifies one entry point of one executable.
type Key struct {
	Executable device.Executable
	EntryPoint int32
}

type entry struct {
	info device.KernelInfo
	node *lruNode[Key]
}

// Cache is an LRU cache of resolved kernel info.
//
// Cache is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	entries  map[Key]*entry
	lru      lruList[Key]
	capacity int

	hits      uint64
	misses    uint64
	evictions uint64
}

// Stats contains cache statistics.
type Stats struct {
	Len       int
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// New creates a cache holding at most capacity entries.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		entries:  make(map[Key]*entry, capacity),
		capacity: capacity,
	}
}

// Lookup returns the kernel info of (exe, entryPoint), resolving it through
// the executable on a miss. Lookup errors are not cached.
func (c *Cache) Lookup(exe device.Executable, entryPoint int32) (device.KernelInfo, error) {
	key := Key{Executable: exe, EntryPoint: entryPoint}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.lru.moveToFront(e.node)
		c.hits++
		info := e.info
		c.mu.Unlock()
		return info, nil
	}
	c.misses++
	c.mu.Unlock()

	info, err := exe.KernelInfo(entryPoint)
	if err != nil {
		return device.KernelInfo{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.lru.moveToFront(e.node)
		return e.info, nil
	}
	c.entries[key] = &entry{info: info, node: c.lru.pushFront(key)}
	for len(c.entries) > c.capacity {
		oldest, ok := c.lru.removeOldest()
		if !ok {
			break
		}
		delete(c.entries, oldest)
		c.evictions++
	}
	return info, nil
}

// Forget drops every entry of exe.
func (c *Cache) Forget(exe device.Executable) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if key.Executable == exe {
			c.lru.unlink(e.node)
			delete(c.entries, key)
		}
	}
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.entries)
	c.lru.clear()
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Len:       len(c.entries),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
