// Package cache deduplicates repeat executions by input fingerprint.
//
// The fingerprint is a sha256 over a canonical JSON encoding of the
// execution input with volatile fields removed, so two inputs that differ
// only in timestamps or trace ids hash to the same key. Concurrent requests
// for the same key are collapsed into a single execution; completed results
// are retained in an LRU bounded by maxEntries.
package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"agentmesh/pkg/logx"
	"agentmesh/pkg/proto"
)

// DefaultMaxEntries bounds the result store when no limit is configured.
const DefaultMaxEntries = 1024

// ExecFunc produces the output for a cache miss.
type ExecFunc func(ctx context.Context) (proto.ExecutionOutput, error)

type lruEntry struct {
	key    string
	output proto.ExecutionOutput
}

// Cache is a bounded, deduplicating result store keyed by input fingerprint.
type Cache struct {
	logger     *logx.Logger
	group      singleflight.Group
	maxEntries int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache holding at most maxEntries results. Sizes below one
// fall back to DefaultMaxEntries.
func New(maxEntries int) *Cache {
	if maxEntries < 1 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		logger:     logx.NewLogger("cache"),
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

// GetOrExecute returns the cached output for the input's fingerprint, or runs
// exec exactly once for concurrent callers sharing the fingerprint. Failed
// executions are never cached. The second return reports a cache or
// singleflight hit.
func (c *Cache) GetOrExecute(ctx context.Context, input proto.ExecutionInput, exec ExecFunc) (proto.ExecutionOutput, bool, error) {
	key := Fingerprint(input)

	if out, ok := c.lookup(key); ok {
		c.hits.Add(1)
		return out, true, nil
	}

	var executed atomic.Bool
	v, err, shared := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: another caller may have stored the
		// result between our lookup and the flight starting.
		if out, ok := c.lookup(key); ok {
			return out, nil
		}
		executed.Store(true)
		out, err := exec(ctx)
		if err != nil {
			return proto.ExecutionOutput{}, err
		}
		if out.Success {
			c.store(key, out)
		}
		return out, nil
	})
	if err != nil {
		c.misses.Add(1)
		return proto.ExecutionOutput{}, false, err
	}

	hit := shared || !executed.Load()
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v.(proto.ExecutionOutput), hit, nil
}

// Get returns the cached output for an input, if present.
func (c *Cache) Get(input proto.ExecutionInput) (proto.ExecutionOutput, bool) {
	return c.lookup(Fingerprint(input))
}

// Invalidate drops the cached result for an input. It returns true when an
// entry was removed.
func (c *Cache) Invalidate(input proto.ExecutionInput) bool {
	key := Fingerprint(input)

	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return false
	}
	c.order.Remove(el)
	delete(c.entries, key)
	return true
}

// Len reports the number of cached results.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats reports hit and miss counts since creation.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *Cache) lookup(key string) (proto.ExecutionOutput, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return proto.ExecutionOutput{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).output, true
}

func (c *Cache) store(key string, output proto.ExecutionOutput) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*lruEntry).output = output
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&lruEntry{key: key, output: output})

	for c.order.Len() > c.maxEntries {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*lruEntry).key)
	}
}
