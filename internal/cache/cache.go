package cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrNotClaimed is returned when filling a key nobody claimed.
var ErrNotClaimed = errors.New("cache entry was not claimed")

// Entry is a cache slot. It is either pending (claimed, work in flight) or
// resolved; once resolved it never changes.
type Entry[V any] struct {
	done chan struct{}
	val  V
}

func newResolved[V any](val V) *Entry[V] {
	e := &Entry[V]{done: make(chan struct{}), val: val}
	close(e.done)
	return e
}

// Wait blocks until the entry is resolved or ctx is done.
func (e *Entry[V]) Wait(ctx context.Context) (V, error) {
	select {
	case <-e.done:
		return e.val, nil
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Resolved reports whether the entry holds its final value.
func (e *Entry[V]) Resolved() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Value returns the resolved value and true, or the zero value and false
// while the entry is pending.
func (e *Entry[V]) Value() (V, bool) {
	if !e.Resolved() {
		var zero V
		return zero, false
	}
	return e.val, true
}

// ResourceCache deduplicates lookups by URL within a session. Pending entries
// are pinned until filled; resolved entries are retained in a bounded LRU
// when maxEntries is positive.
type ResourceCache[V any] struct {
	mu       sync.Mutex
	pending  map[string]*Entry[V]
	resolved *lru.Cache[string, *Entry[V]]
}

// New creates a cache. maxEntries <= 0 keeps every resolved entry.
func New[V any](maxEntries int) (*ResourceCache[V], error) {
	if maxEntries <= 0 {
		maxEntries = math.MaxInt
	}
	resolved, err := lru.New[string, *Entry[V]](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &ResourceCache[V]{
		pending:  make(map[string]*Entry[V]),
		resolved: resolved,
	}, nil
}

// Get returns the entry stored for url, pending or resolved.
func (c *ResourceCache[V]) Get(url string) (*Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(url)
}

func (c *ResourceCache[V]) getLocked(url string) (*Entry[V], bool) {
	if e, ok := c.pending[url]; ok {
		return e, true
	}
	return c.resolved.Get(url)
}

// Set stores a resolved value. A pending entry for url is filled; an
// already resolved entry is left untouched.
func (c *ResourceCache[V]) Set(url string, val V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.pending[url]; ok {
		c.fillLocked(url, e, val)
		return
	}
	if c.resolved.Contains(url) {
		return
	}
	c.resolved.Add(url, newResolved(val))
}

// Claim returns the entry for url, creating a pending one if none exists.
// claimed is true when the caller created the entry and must Fill it.
func (c *ResourceCache[V]) Claim(url string) (e *Entry[V], claimed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.getLocked(url); ok {
		return e, false
	}
	e = &Entry[V]{done: make(chan struct{})}
	c.pending[url] = e
	return e, true
}

// Fill resolves a claimed entry and wakes every waiter.
func (c *ResourceCache[V]) Fill(url string, val V) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pending[url]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotClaimed, url)
	}
	c.fillLocked(url, e, val)
	return nil
}

func (c *ResourceCache[V]) fillLocked(url string, e *Entry[V], val V) {
	e.val = val
	close(e.done)
	delete(c.pending, url)
	c.resolved.Add(url, e)
}

// Len returns the number of entries, pending included.
func (c *ResourceCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) + c.resolved.Len()
}

// Purge drops every resolved entry. Pending entries stay so in-flight work
// can still complete.
func (c *ResourceCache[V]) Purge() {
	c.mu.Lock()
	c.resolved.Purge()
	c.mu.Unlock()
}
