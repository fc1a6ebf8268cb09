package translate

import (
	"strings"
	"sync"
	"unicode/utf8"

	"pulpit/txt"
)

const (
	cacheMaxEntries = 1000
	fuzzyThreshold  = 0.9
)

// resultCache is the process-wide translation cache, keyed by
// "normalizedText|sourceLang|targetLang". Insertion order is kept explicitly
// so eviction removes the oldest entries first.
type resultCache struct {
	mu      sync.Mutex
	entries map[string]string
	order   []string
	max     int
}

func newResultCache(max int) *resultCache {
	return &resultCache{
		entries: make(map[string]string),
		max:     max,
	}
}

func cacheKey(normalized, sourceLang, targetLang string) string {
	return normalized + "|" + sourceLang + "|" + targetLang
}

func (c *resultCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

// fuzzyGet scans existing keys for the same language pair and returns the
// cached result of the first key whose text part is similar enough.
func (c *resultCache) fuzzyGet(normalized, sourceLang, targetLang string) (string, bool) {
	suffix := "|" + sourceLang + "|" + targetLang
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.order {
		if !strings.HasSuffix(key, suffix) {
			continue
		}
		existing := strings.TrimSuffix(key, suffix)
		if txt.Similarity(normalized, existing) >= fuzzyThreshold {
			return c.entries[key], true
		}
	}
	return "", false
}

// put inserts a result, evicting the oldest tenth of the cache when full.
func (c *resultCache) put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		c.entries[key] = value
		return
	}

	if len(c.order) >= c.max {
		evict := len(c.order) / 10
		if evict < 1 {
			evict = 1
		}
		for _, old := range c.order[:evict] {
			delete(c.entries, old)
		}
		c.order = append(c.order[:0], c.order[evict:]...)
	}

	c.entries[key] = value
	c.order = append(c.order, key)
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// errorPhrases disqualify a provider response from being cached; they are
// telltale signs of a refusal or failure dressed up as output.
var errorPhrases = []string{
	"error", "failed", "unable", "sorry", "i cannot", "i'm sorry",
	"no translation", "translation failed", "api error",
}

// cacheWorthy reports whether a translation result is worth keeping.
func cacheWorthy(result string) bool {
	trimmed := strings.TrimSpace(result)
	if utf8.RuneCountInString(trimmed) < 3 {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, phrase := range errorPhrases {
		if strings.Contains(lower, phrase) {
			return false
		}
	}
	return true
}
