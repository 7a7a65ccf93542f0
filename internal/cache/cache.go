package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/kvoss/ccproxy/internal/anthropic"
)

// entry is the value stored in the LRU, carrying the TTL deadline alongside
// the cached response.
type entry struct {
	response  *anthropic.Response
	expiresAt time.Time
}

// Status reports the outcome of a cache probe, echoed to the client in the
// x-cache header.
type Status string

const (
	StatusHit    Status = "HIT"
	StatusMiss   Status = "MISS"
	StatusBypass Status = "BYPASS"
)

// DefaultMaxEntries and DefaultTTL match the policy defaults.
const (
	DefaultMaxEntries = 100
	DefaultTTL        = 300 * time.Second
)

// Cache is a bounded LRU of fingerprinted non-streaming responses, with
// single-flight coalescing of concurrent misses on the same fingerprint.
type Cache struct {
	lru *lru.Cache[string, entry]
	ttl time.Duration
	sf  singleflight.Group
}

// New constructs a Cache with the given capacity and per-entry TTL.
func New(maxEntries int, ttl time.Duration) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	backing, err := lru.New[string, entry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: backing, ttl: ttl}, nil
}

// Get returns the cached response for fingerprint, if present and
// unexpired. An expired entry is treated as a miss and evicted.
func (c *Cache) Get(fingerprint string) (*anthropic.Response, bool) {
	e, ok := c.lru.Get(fingerprint)
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.lru.Remove(fingerprint)
		return nil, false
	}
	return e.response, true
}

// Put stores a response under fingerprint with this cache's configured
// TTL. Callers must only store successful (2xx) responses.
func (c *Cache) Put(fingerprint string, response *anthropic.Response) {
	c.lru.Add(fingerprint, entry{response: response, expiresAt: time.Now().Add(c.ttl)})
}

// GetOrCompute probes the cache, and on a miss, coalesces concurrent
// callers sharing the same fingerprint into a single invocation of
// compute. Only the first caller's compute runs; all callers, including
// the computing one, see the same result and cache.Put call.
func (c *Cache) GetOrCompute(fingerprint string, compute func() (*anthropic.Response, error)) (resp *anthropic.Response, status Status, err error) {
	if cached, ok := c.Get(fingerprint); ok {
		return cached, StatusHit, nil
	}

	v, _, err := c.sf.Do(fingerprint, func() (interface{}, error) {
		// Re-check after winning the singleflight race: another goroutine
		// may have already populated the cache between our initial Get and
		// acquiring the singleflight slot.
		if cached, ok := c.Get(fingerprint); ok {
			return cached, nil
		}
		result, err := compute()
		if err != nil {
			return nil, err
		}
		c.Put(fingerprint, result)
		return result, nil
	})
	if err != nil {
		return nil, StatusMiss, err
	}
	return v.(*anthropic.Response), StatusMiss, nil
}
