package dib

import (
	"errors"
	"sync"
)

// CacheStats is a snapshot of Cache counters.
type CacheStats struct {
	Entries   int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Cache keeps attached buffers by sequence number so a receiver maps each
// shared buffer once. It owns the buffers it holds and closes them on
// eviction, removal and Close.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[uint32]*Buffer
	order    []uint32
	stats    CacheStats
}

// NewCache returns a cache holding at most capacity buffers.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[uint32]*Buffer, capacity),
	}
}

// Add stores b under seq, replacing and closing any previous entry. The
// oldest entry is evicted when the cache is full.
func (c *Cache) Add(seq uint32, b *Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[seq]; ok {
		if old != b {
			_ = old.Close()
		}
		c.dropOrder(seq)
	}
	for len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		_ = c.entries[oldest].Close()
		delete(c.entries, oldest)
		c.stats.Evictions++
	}
	c.entries[seq] = b
	c.order = append(c.order, seq)
}

// Get returns the buffer stored under seq.
func (c *Cache) Get(seq uint32) (*Buffer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.entries[seq]
	if ok {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
	return b, ok
}

// Remove closes and forgets the buffer stored under seq.
func (c *Cache) Remove(seq uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.entries[seq]
	if !ok {
		return false
	}
	_ = b.Close()
	delete(c.entries, seq)
	c.dropOrder(seq)
	return true
}

// Len returns the number of cached buffers.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns the cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	return s
}

// Close closes every cached buffer.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for seq, b := range c.entries {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(c.entries, seq)
	}
	c.order = c.order[:0]
	return errors.Join(errs...)
}

func (c *Cache) dropOrder(seq uint32) {
	for i, s := range c.order {
		if s == seq {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
