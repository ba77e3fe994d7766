package conductor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultCacheSize = 512
	defaultCacheTTL  = time.Hour
	// cacheTempCeiling bounds cacheability: sampling above it is too
	// stochastic for a cache hit to be a faithful replay.
	cacheTempCeiling = 0.5
)

// responseCache memoizes deterministic-enough chat completions. Entries
// expire after the TTL; an optional KV layer persists them across restarts.
type responseCache struct {
	lru *expirable.LRU[string, ChatResponse]
	kv  KV
}

func newResponseCache(size int, ttl time.Duration, kv KV) *responseCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &responseCache{
		lru: expirable.NewLRU[string, ChatResponse](size, nil, ttl),
		kv:  kv,
	}
}

// cacheable reports whether a request's response may be stored and replayed.
func cacheable(req ChatRequest) bool {
	return req.Temperature < cacheTempCeiling
}

// key derives the cache key from the full message list, temperature, and
// max tokens. Stop sequences and tool schemas ride along via the messages
// in practice; requests that differ there also differ in messages.
func (c *responseCache) key(req ChatRequest) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	_ = enc.Encode(req.Messages)
	fmt.Fprintf(h, "|t=%.3f|m=%d", req.Temperature, req.MaxTokens)
	return hex.EncodeToString(h.Sum(nil))
}

func (c *responseCache) get(req ChatRequest) (ChatResponse, bool) {
	if c == nil || !cacheable(req) {
		return ChatResponse{}, false
	}
	k := c.key(req)
	if resp, ok := c.lru.Get(k); ok {
		return resp, true
	}
	if c.kv != nil {
		if raw, ok := c.kv.Get("llmcache:" + k); ok {
			var resp ChatResponse
			if err := json.Unmarshal(raw, &resp); err == nil {
				c.lru.Add(k, resp)
				return resp, true
			}
		}
	}
	return ChatResponse{}, false
}

func (c *responseCache) put(req ChatRequest, resp ChatResponse) {
	if c == nil || !cacheable(req) {
		return
	}
	k := c.key(req)
	c.lru.Add(k, resp)
	if c.kv != nil {
		if raw, err := json.Marshal(resp); err == nil {
			c.kv.Put("llmcache:"+k, raw)
		}
	}
}
