package collab

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"time"
)

const defaultCacheTTL = 5 * time.Minute

// cachedResult is one stored task result with its expiry.
type cachedResult struct {
	result map[string]any
	expiry time.Time
}

// resultCache stores successful task results keyed by capability and
// parameters, so a repeat of identical work is answered locally. Expired
// entries are evicted lazily on read plus via ClearExpired. Not
// goroutine-safe; the manager's lock guards it.
type resultCache struct {
	ttl     time.Duration
	entries map[string]cachedResult
}

func newResultCache(ttl time.Duration) *resultCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &resultCache{ttl: ttl, entries: make(map[string]cachedResult)}
}

// cacheKey derives the cache key from the capability id and a canonical
// encoding of the parameters. encoding/json sorts map keys, so two maps
// with the same contents produce the same key regardless of insertion
// order.
func cacheKey(capabilityID string, parameters map[string]any) string {
	canonical, err := json.Marshal(parameters)
	if err != nil {
		canonical = []byte("{}")
	}
	sum := md5.Sum([]byte(capabilityID + ":" + string(canonical)))
	return hex.EncodeToString(sum[:])
}

// get returns the cached result for key, deleting it when expired.
func (c *resultCache) get(key string) (map[string]any, bool) {
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiry) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.result, true
}

// put stores a result under key with the cache TTL.
func (c *resultCache) put(key string, result map[string]any) {
	c.entries[key] = cachedResult{
		result: result,
		expiry: time.Now().Add(c.ttl),
	}
}

// clearExpired removes every expired entry, returning the count removed.
func (c *resultCache) clearExpired() int {
	now := time.Now()
	n := 0
	for key, entry := range c.entries {
		if now.After(entry.expiry) {
			delete(c.entries, key)
			n++
		}
	}
	return n
}

// clear drops everything.
func (c *resultCache) clear() {
	c.entries = make(map[string]cachedResult)
}

// status counts total and unexpired entries.
func (c *resultCache) status() (total, active int) {
	now := time.Now()
	for _, entry := range c.entries {
		if now.Before(entry.expiry) {
			active++
		}
	}
	return len(c.entries), active
}
