// Package memory provides an in-process, TTL-bounded result cache.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/scrapegate/internal/scrape"
)

type entry struct {
	result  scrape.Result
	expires time.Time
}

// Cache is a scrape.ResultCache backed by a map. Expired entries are dropped
// on lookup and swept on every Set.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]entry
}

var _ scrape.ResultCache = (*Cache)(nil)

// New constructs a Cache whose entries live for ttl.
func New(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

// Get returns the cached result for key if it has not expired.
func (c *Cache) Get(_ context.Context, key string) (scrape.Result, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return scrape.Result{}, false, nil
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return scrape.Result{}, false, nil
	}
	return clone(e.result), true, nil
}

// Set stores result under key for the cache TTL.
func (c *Cache) Set(_ context.Context, key string, result scrape.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = entry{result: clone(result), expires: now.Add(c.ttl)}
	return nil
}

// Invalidate drops key.
func (c *Cache) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// Len reports the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func clone(r scrape.Result) scrape.Result {
	r.Items = append([]string(nil), r.Items...)
	return r
}
