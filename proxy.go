package satchel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// FetchStrategy selects how the proxy answers a request category.
type FetchStrategy string

const (
	// FetchCacheFirst serves from cache and only fetches on a miss.
	FetchCacheFirst FetchStrategy = "cache-first"
	// FetchNetworkFirst tries the network and falls back to cache.
	FetchNetworkFirst FetchStrategy = "network-first-with-fallback"
	// FetchStaleWhileRevalidate serves cache immediately and refreshes in
	// the background.
	FetchStaleWhileRevalidate FetchStrategy = "stale-while-revalidate"
	// FetchNetworkFirstOffline tries the network, then cache, then a
	// synthesized offline response.
	FetchNetworkFirstOffline FetchStrategy = "network-first-with-offline-fallback"
)

// Proxy cache names. Each shares a row of the policy table with the store's
// eviction manager.
const (
	ProxyCacheStatic = "static-assets"
	ProxyCacheAPI    = "api-responses"
	ProxyCacheImages = "images"
	ProxyCachePages  = "pages"
)

// RequestClassifier maps a request to a named cache and fetch strategy. The
// mapping must be total: every request gets some category.
type RequestClassifier func(r *http.Request) (cache string, strategy FetchStrategy)

// DefaultClassifier routes static assets cache-first, API calls
// network-first, images stale-while-revalidate, and navigations
// network-first with an offline fallback.
func DefaultClassifier(r *http.Request) (string, FetchStrategy) {
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/api/"):
		return ProxyCacheAPI, FetchNetworkFirst
	case hasAnySuffix(path, ".js", ".css", ".woff", ".woff2", ".svg", ".ico"):
		return ProxyCacheStatic, FetchCacheFirst
	case hasAnySuffix(path, ".png", ".jpg", ".jpeg", ".gif", ".webp"):
		return ProxyCacheImages, FetchStaleWhileRevalidate
	default:
		return ProxyCachePages, FetchNetworkFirstOffline
	}
}

func hasAnySuffix(s string, suffixes ...string) bool {
	for _, suffix := range suffixes {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}

// cachedResponse is one stored HTTP response.
type cachedResponse struct {
	status     int
	header     http.Header
	body       []byte
	storedAt   time.Time
	lastAccess time.Time
	seq        int64
}

// responseCache is one named, sized, TTL-bound response cache.
type responseCache struct {
	name    string
	entries map[string]*cachedResponse
	used    int64
	seq     int64

	hits   atomic.Int64
	misses atomic.Int64
}

// ProxyCacheStats reports one named cache's state.
type ProxyCacheStats struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// ProxyConfig configures the edge cache proxy.
type ProxyConfig struct {
	// Upstream performs network fetches. Default: http.DefaultTransport
	Upstream http.RoundTripper

	// Policies is the budget/TTL table shared with the eviction manager.
	// Cache names are looked up as partitions.
	Policies *PolicyTable

	// Classifier maps requests to cache name and strategy.
	// Default: DefaultClassifier
	Classifier RequestClassifier

	// PrecacheURLs is the fixed asset list populated at install time.
	PrecacheURLs []string
}

// CacheProxy is the network-edge response cache: named TTL-bound caches, a
// per-category fetch strategy dispatch, install-time pre-population, and the
// message command channel served by CommandHandler. It shares the policy
// table with the store's eviction manager but runs with no shared
// transaction, as a platform request interceptor would.
type CacheProxy struct {
	config ProxyConfig

	mu     sync.RWMutex
	caches map[string]*responseCache
}

// NewCacheProxy creates the proxy. Install-time pre-population runs via
// Precache.
func NewCacheProxy(config ProxyConfig) *CacheProxy {
	if config.Upstream == nil {
		config.Upstream = http.DefaultTransport
	}
	if config.Classifier == nil {
		config.Classifier = DefaultClassifier
	}
	if config.Policies == nil {
		config.Policies = NewPolicyTable(map[Partition]CachePolicy{
			Partition(ProxyCacheStatic): {MaxSizeBytes: 8 * 1024 * 1024, MaxAge: 7 * 24 * time.Hour, Priority: PriorityHigh, Strategy: EvictLRU},
			Partition(ProxyCacheAPI):    {MaxSizeBytes: 2 * 1024 * 1024, MaxAge: 5 * time.Minute, Priority: PriorityMedium, Strategy: EvictLRU},
			Partition(ProxyCacheImages): {MaxSizeBytes: 16 * 1024 * 1024, MaxAge: 24 * time.Hour, Priority: PriorityLow, Strategy: EvictSizeBased},
			Partition(ProxyCachePages):  {MaxSizeBytes: 4 * 1024 * 1024, MaxAge: time.Hour, Priority: PriorityMedium, Strategy: EvictFIFO},
		})
	}
	return &CacheProxy{
		config: config,
		caches: make(map[string]*responseCache),
	}
}

// Precache fetches and stores the configured fixed asset list. Individual
// failures are reported but do not abort the rest of the list.
func (cp *CacheProxy) Precache(ctx context.Context) []error {
	return cp.CacheURLs(ctx, cp.config.PrecacheURLs)
}

// CacheURLs fetches each url and stores the response in its classified
// cache.
func (cp *CacheProxy) CacheURLs(ctx context.Context, urls []string) []error {
	var errs []error
	for _, url := range urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("precache %s: %w", url, err))
			continue
		}
		cacheName, _ := cp.config.Classifier(req)
		if _, err := cp.fetchAndStore(req, cacheName); err != nil {
			errs = append(errs, fmt.Errorf("precache %s: %w", url, err))
		}
	}
	return errs
}

// ServeHTTP dispatches the request through its category's fetch strategy.
func (cp *CacheProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cacheName, strategy := cp.config.Classifier(r)

	switch strategy {
	case FetchCacheFirst:
		if cp.serveCached(w, r, cacheName, false) {
			return
		}
		cp.serveNetwork(w, r, cacheName, nil)

	case FetchStaleWhileRevalidate:
		if cp.serveCached(w, r, cacheName, true) {
			// Revalidate off the request path; the next reader gets the
			// fresh copy.
			go func() {
				req := r.Clone(context.Background())
				_, _ = cp.fetchAndStore(req, cacheName)
			}()
			return
		}
		cp.serveNetwork(w, r, cacheName, nil)

	case FetchNetworkFirstOffline:
		cp.serveNetwork(w, r, cacheName, cp.offlineFallback)

	default: // network-first-with-fallback
		cp.serveNetwork(w, r, cacheName, nil)
	}
}

// serveCached writes the cached response if present (and unexpired unless
// allowStale). Reports whether it served.
func (cp *CacheProxy) serveCached(w http.ResponseWriter, r *http.Request, cacheName string, allowStale bool) bool {
	cache := cp.cache(cacheName)
	key := requestKey(r)
	ttl := cp.config.Policies.Lookup(Partition(cacheName)).MaxAge

	cp.mu.Lock()
	resp, ok := cache.entries[key]
	if ok && !allowStale && time.Since(resp.storedAt) > ttl {
		cache.used -= int64(len(resp.body))
		delete(cache.entries, key)
		ok = false
	}
	if ok {
		resp.lastAccess = time.Now()
	}
	cp.mu.Unlock()

	if !ok {
		cache.misses.Add(1)
		return false
	}
	cache.hits.Add(1)
	writeCached(w, resp)
	return true
}

// serveNetwork fetches upstream, stores a cacheable response, and falls back
// to cache (then the offline fallback, if any) on failure.
func (cp *CacheProxy) serveNetwork(w http.ResponseWriter, r *http.Request, cacheName string, fallback func(http.ResponseWriter, *http.Request)) {
	resp, err := cp.fetchAndStore(r, cacheName)
	if err == nil {
		writeCached(w, resp)
		return
	}
	if cp.serveCached(w, r, cacheName, true) {
		return
	}
	if fallback != nil {
		fallback(w, r)
		return
	}
	http.Error(w, "upstream unavailable", http.StatusBadGateway)
}

// fetchAndStore performs the upstream fetch and commits a 200-range GET
// response to the named cache, enforcing the cache's byte budget first.
func (cp *CacheProxy) fetchAndStore(r *http.Request, cacheName string) (*cachedResponse, error) {
	upstream, err := cp.config.Upstream.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(upstream.Body)
	_ = upstream.Body.Close()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	cached := &cachedResponse{
		status:     upstream.StatusCode,
		header:     upstream.Header.Clone(),
		body:       body,
		storedAt:   now,
		lastAccess: now,
	}

	if r.Method == http.MethodGet && upstream.StatusCode >= 200 && upstream.StatusCode < 300 {
		cp.admitResponse(cacheName, requestKey(r), cached)
	}
	return cached, nil
}

// admitResponse stores a response, trimming the cache by its policy strategy
// when the incoming body would overflow the byte budget.
func (cp *CacheProxy) admitResponse(cacheName, key string, resp *cachedResponse) {
	cache := cp.cache(cacheName)
	policy := cp.config.Policies.Lookup(Partition(cacheName))
	size := int64(len(resp.body))

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if old, ok := cache.entries[key]; ok {
		cache.used -= int64(len(old.body))
		delete(cache.entries, key)
	}
	if cache.used+size > policy.MaxSizeBytes {
		cp.trimLocked(cache, policy)
	}
	if cache.used+size > policy.MaxSizeBytes {
		return // over budget even after trim; serve uncached
	}
	cache.seq++
	resp.seq = cache.seq
	cache.entries[key] = resp
	cache.used += size
}

// trimLocked sheds entries using the same victim selection the store's
// eviction manager applies to its partitions.
func (cp *CacheProxy) trimLocked(cache *responseCache, policy CachePolicy) {
	if len(cache.entries) == 0 {
		return
	}
	metas := make([]EntryMeta, 0, len(cache.entries))
	for key, resp := range cache.entries {
		metas = append(metas, EntryMeta{
			Key:        key,
			Size:       int64(len(resp.body)),
			CreatedAt:  resp.storedAt,
			InsertSeq:  resp.seq,
			LastAccess: resp.lastAccess,
		})
	}
	for _, victim := range selectVictims(metas, policy.Strategy) {
		if resp, ok := cache.entries[victim.Key]; ok {
			cache.used -= int64(len(resp.body))
			delete(cache.entries, victim.Key)
		}
	}
}

// Optimize sweeps expired responses from every cache and trims caches over
// budget. Returns the number of responses dropped.
func (cp *CacheProxy) Optimize() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	dropped := 0
	now := time.Now()
	for name, cache := range cp.caches {
		policy := cp.config.Policies.Lookup(Partition(name))
		for key, resp := range cache.entries {
			if now.Sub(resp.storedAt) > policy.MaxAge {
				cache.used -= int64(len(resp.body))
				delete(cache.entries, key)
				dropped++
			}
		}
		if cache.used > policy.MaxSizeBytes {
			before := len(cache.entries)
			cp.trimLocked(cache, policy)
			dropped += before - len(cache.entries)
		}
	}
	return dropped
}

// Clear empties one named cache, or every cache when name is empty. Returns
// the number of responses dropped.
func (cp *CacheProxy) Clear(name string) int {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	dropped := 0
	for cacheName, cache := range cp.caches {
		if name != "" && cacheName != name {
			continue
		}
		dropped += len(cache.entries)
		cache.entries = make(map[string]*cachedResponse)
		cache.used = 0
	}
	return dropped
}

// Stats returns per-cache statistics keyed by cache name.
func (cp *CacheProxy) Stats() map[string]ProxyCacheStats {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	out := make(map[string]ProxyCacheStats, len(cp.caches))
	for name, cache := range cp.caches {
		out[name] = ProxyCacheStats{
			Entries: len(cache.entries),
			Bytes:   cache.used,
			Hits:    cache.hits.Load(),
			Misses:  cache.misses.Load(),
		}
	}
	return out
}

func (cp *CacheProxy) cache(name string) *responseCache {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cache, ok := cp.caches[name]; ok {
		return cache
	}
	cache := &responseCache{
		name:    name,
		entries: make(map[string]*cachedResponse),
	}
	cp.caches[name] = cache
	return cache
}

func (cp *CacheProxy) offlineFallback(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(`{"offline":true,"message":"you are offline and this page is not cached"}`))
}

func requestKey(r *http.Request) string {
	return r.Method + " " + r.URL.String()
}

func writeCached(w http.ResponseWriter, resp *cachedResponse) {
	for key, values := range resp.header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.status)
	_, _ = w.Write(resp.body)
}
