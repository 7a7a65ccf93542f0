package translate

import (
	"sync"
	"time"
)

// MinSignatureLength is the shortest thinking signature Cloud Code will
// accept on replay; shorter values are treated as unsigned and filtered.
const MinSignatureLength = 16

const signatureCacheTTL = 30 * time.Minute

type signatureEntry struct {
	signature string
	expiresAt time.Time
}

// SignatureCache remembers the most recent thinking-block signature seen
// per conversation/model-family pair, so a thinking block produced by one
// model family can be replayed to another without the upstream rejecting it
// as unsigned. It is additive to the per-request tool-call id side table:
// this cache survives across requests within process lifetime, scoped by
// caller-supplied key (typically a hash of the leading conversation turns).
type SignatureCache struct {
	mu      sync.Mutex
	entries map[string]signatureEntry
}

// NewSignatureCache constructs an empty cache.
func NewSignatureCache() *SignatureCache {
	return &SignatureCache{entries: make(map[string]signatureEntry)}
}

func cacheKey(conversationKey string, family string) string {
	return family + "\x00" + conversationKey
}

// Put records the most recent signature seen for a conversation/family pair.
func (c *SignatureCache) Put(conversationKey, family, signature string) {
	if len(signature) < MinSignatureLength {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked()
	c.entries[cacheKey(conversationKey, family)] = signatureEntry{
		signature: signature,
		expiresAt: time.Now().Add(signatureCacheTTL),
	}
}

// Get returns the most recent signature for a conversation/family pair, if
// one is cached and unexpired.
func (c *SignatureCache) Get(conversationKey, family string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[cacheKey(conversationKey, family)]
	if !ok || time.Now().After(e.expiresAt) {
		return "", false
	}
	return e.signature, true
}

// evictLocked drops expired entries. Called under c.mu.
func (c *SignatureCache) evictLocked() {
	now := time.Now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}
