package did

import (
	"context"
	"sync"
	"time"
)

// DefaultCacheTTL is how long CachingResolver keeps a resolved document.
const DefaultCacheTTL = 5 * time.Minute

type cachedResolution struct {
	doc    *Document
	meta   DocumentMetadata
	expiry time.Time
}

// CachingResolver memoizes successful resolutions of another resolver for a
// TTL. Concurrent lookups of the same DID share one upstream call; failures
// are not cached.
type CachingResolver struct {
	inner Resolver
	ttl   time.Duration
	now   func() time.Time

	mu       sync.Mutex
	entries  map[string]cachedResolution
	inFlight map[string]chan struct{}
}

// NewCachingResolver wraps inner. A non-positive ttl uses DefaultCacheTTL.
func NewCachingResolver(inner Resolver, ttl time.Duration) *CachingResolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachingResolver{
		inner:    inner,
		ttl:      ttl,
		now:      time.Now,
		entries:  map[string]cachedResolution{},
		inFlight: map[string]chan struct{}{},
	}
}

// Resolve returns the cached document for id or resolves it upstream.
func (c *CachingResolver) Resolve(ctx context.Context, id DID) (*Document, DocumentMetadata, error) {
	key := id.String()
	for {
		entry, cached, wait := c.checkAndMark(key)
		if cached {
			return entry.doc, entry.meta, nil
		}
		if wait == nil {
			break
		}
		select {
		case <-wait:
			// the other lookup finished; loop to read its result or take over
		case <-ctx.Done():
			return nil, DocumentMetadata{}, ctx.Err()
		}
	}

	doc, meta, err := c.inner.Resolve(ctx, id)

	c.mu.Lock()
	defer c.mu.Unlock()
	done := c.inFlight[key]
	delete(c.inFlight, key)
	if err == nil {
		c.entries[key] = cachedResolution{doc: doc, meta: meta, expiry: c.now().Add(c.ttl)}
		c.evictExpiredLocked()
	}
	close(done)
	return doc, meta, err
}

// checkAndMark returns a live entry, or the channel of an in-flight lookup,
// or marks key in flight for the caller (both zero).
func (c *CachingResolver) checkAndMark(key string) (cachedResolution, bool, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		if c.now().Before(entry.expiry) {
			return entry, true, nil
		}
		delete(c.entries, key)
	}
	if wait, ok := c.inFlight[key]; ok {
		return cachedResolution{}, false, wait
	}
	c.inFlight[key] = make(chan struct{})
	return cachedResolution{}, false, nil
}

// Invalidate drops the cached document of id.
func (c *CachingResolver) Invalidate(id DID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id.String())
}

// Len reports the number of cached documents, expired ones included.
func (c *CachingResolver) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *CachingResolver) evictExpiredLocked() {
	now := c.now()
	for key, entry := range c.entries {
		if !now.Before(entry.expiry) {
			delete(c.entries, key)
		}
	}
}
