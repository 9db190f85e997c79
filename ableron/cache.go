package ableron

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// refreshFunc re-fetches a fragment for cache auto-refresh; it must not
// block indefinitely since it runs off a background timer.
type refreshFunc func() Fragment

// cacheObserver receives cache lifecycle events for external
// instrumentation (see ablmetrics). All methods must be safe to call
// concurrently and must not block.
type cacheObserver interface {
	OnHit()
	OnMiss()
	OnEviction()
	OnRefreshSuccess()
	OnRefreshFailure()
}

// CacheStats is a point-in-time snapshot of fragment cache counters.
type CacheStats struct {
	ItemCount      int
	Hits           uint64
	Misses         uint64
	RefreshSuccess uint64
	RefreshFailure uint64
}

type cacheEntry struct {
	key         string
	fragment    Fragment
	weight      int64
	expiresAt   time.Time
	refresh     refreshFunc
	timer       *time.Timer
	alive       bool // read since the last successful refresh
	inactiveGen int  // refreshes performed while not alive
	attempts    int  // consecutive non-cacheable refresh outcomes
}

// Cache is a size-weighted, per-entry-TTL fragment cache with optional
// background refresh-ahead. It is safe for concurrent use and is owned
// exclusively by a single Processor for its lifetime (§3 Ownership).
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	lru      *list.List // front = most recently used
	maxBytes int64
	weight   int64

	autoRefresh     bool
	maxAttempts     int
	maxInactiveGens int

	observer cacheObserver
	now      func() time.Time

	hits, misses, refreshSuccess, refreshFailure atomic.Uint64

	evictionWindowStart time.Time
	evictionWindowCount int
}

// CacheOption configures optional Cache behavior.
type CacheOption func(*Cache)

// WithCacheObserver attaches an observer notified of cache events, used to
// feed external metrics backends (see ablmetrics.Collectors).
func WithCacheObserver(o cacheObserver) CacheOption {
	return func(c *Cache) { c.observer = o }
}

// withClock overrides the cache's notion of "now"; exported only to tests
// within this package.
func withClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache builds a Cache sized and configured per cfg.
func NewCache(cfg Config, opts ...CacheOption) *Cache {
	c := &Cache{
		entries:         make(map[string]*list.Element),
		lru:             list.New(),
		maxBytes:        cfg.CacheMaxSizeInBytes,
		autoRefresh:     cfg.CacheAutoRefreshEnabled,
		maxAttempts:     cfg.CacheAutoRefreshMaxAttempts,
		maxInactiveGens: cfg.CacheAutoRefreshInactiveEntryMaxRefreshs,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// get returns the cached fragment for key iff present and not expired.
// Expired entries are dropped on access. Reads do not extend TTL.
func (c *Cache) get(key string) (Fragment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		c.notifyMiss()
		return Fragment{}, false
	}

	entry := elem.Value.(*cacheEntry)
	if c.now().After(entry.expiresAt) {
		c.removeLocked(elem)
		c.misses.Add(1)
		c.notifyMiss()
		return Fragment{}, false
	}

	entry.alive = true
	c.lru.MoveToFront(elem)
	c.hits.Add(1)
	c.notifyHit()
	return entry.fragment, true
}

// put inserts or updates key with fragment. refreshFn, if non-nil and
// auto-refresh is enabled, is used to re-fetch the fragment shortly before
// it expires.
func (c *Cache) put(key string, fragment Fragment, refreshFn refreshFunc) {
	now := c.now()
	ttl := fragment.ExpiresAt().Sub(now)
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	weight := int64(len(key) + len(fragment.Body()))

	var entry *cacheEntry
	if elem, ok := c.entries[key]; ok {
		entry = elem.Value.(*cacheEntry)
		c.weight += weight - entry.weight
		entry.fragment = fragment
		entry.weight = weight
		entry.expiresAt = fragment.ExpiresAt()
		entry.refresh = refreshFn
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
		}
		c.lru.MoveToFront(elem)
	} else {
		entry = &cacheEntry{
			key:       key,
			fragment:  fragment,
			weight:    weight,
			expiresAt: fragment.ExpiresAt(),
			refresh:   refreshFn,
		}
		elem := c.lru.PushFront(entry)
		c.entries[key] = elem
		c.weight += weight
	}

	c.evictLocked()

	if c.autoRefresh && refreshFn != nil {
		c.scheduleRefreshLocked(entry, ttl)
	}
	c.mu.Unlock()
}

// evictLocked drops least-recently-used entries until total weight is
// within budget. Callers must hold c.mu.
func (c *Cache) evictLocked() {
	for c.weight > c.maxBytes {
		oldest := c.lru.Back()
		if oldest == nil {
			return
		}
		c.removeLocked(oldest)
		c.notifyEviction()
		c.warnEvictionLocked()
	}
}

// removeLocked drops elem from both index structures and stops its timer.
// Callers must hold c.mu.
func (c *Cache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	c.lru.Remove(elem)
	delete(c.entries, entry.key)
	c.weight -= entry.weight
}

// warnEvictionLocked logs eviction pressure, coalescing repeat warnings
// within a 60-second window into a single summary. Callers must hold c.mu.
func (c *Cache) warnEvictionLocked() {
	now := c.now()
	if c.evictionWindowCount == 0 || now.Sub(c.evictionWindowStart) > 60*time.Second {
		if c.evictionWindowCount > 0 {
			logWarn("ableron: fragment cache evicting entries", zap.Int("evictions", c.evictionWindowCount))
		}
		c.evictionWindowStart = now
		c.evictionWindowCount = 0
		logWarn("ableron: fragment cache exceeded size budget, evicting")
	}
	c.evictionWindowCount++
}

// scheduleRefreshLocked arms entry's one-shot refresh timer. Callers must
// hold c.mu.
func (c *Cache) scheduleRefreshLocked(entry *cacheEntry, ttl time.Duration) {
	delay := time.Duration(float64(ttl) * 0.85)
	if delay < 10*time.Millisecond {
		delay = 10 * time.Millisecond
	}
	entry.timer = time.AfterFunc(delay, func() { c.fireRefresh(entry.key) })
}

// fireRefresh runs on an entry's refresh timer. It decides whether to
// refresh per §4.C, invokes the fetch outside the lock, then reconciles
// the outcome.
func (c *Cache) fireRefresh(key string) {
	c.mu.Lock()
	elem, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	entry := elem.Value.(*cacheEntry)

	shouldRefresh := entry.alive || entry.inactiveGen < c.maxInactiveGens
	refreshFn := entry.refresh
	wasAlive := entry.alive
	c.mu.Unlock()

	if !shouldRefresh || refreshFn == nil {
		return
	}

	fresh := refreshFn()
	now := c.now()

	if fresh.IsCacheable(now) {
		c.refreshSuccess.Add(1)
		c.notifyRefreshSuccess()

		c.mu.Lock()
		if elem, ok := c.entries[key]; ok {
			entry := elem.Value.(*cacheEntry)
			if wasAlive {
				entry.alive = false
				entry.inactiveGen = 0
			} else {
				entry.inactiveGen++
			}
			entry.attempts = 0
		}
		c.mu.Unlock()

		c.put(key, fresh, refreshFn) // re-schedules the next refresh
		return
	}

	c.refreshFailure.Add(1)
	c.notifyRefreshFailure()

	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok = c.entries[key]
	if !ok {
		return
	}
	entry = elem.Value.(*cacheEntry)
	entry.attempts++
	if entry.attempts < c.maxAttempts {
		entry.timer = time.AfterFunc(time.Second, func() { c.fireRefresh(key) })
		return
	}
	entry.attempts = 0
	entry.inactiveGen = 0
}

// invalidateAll clears the cache and cancels any scheduled refreshes.
func (c *Cache) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, elem := range c.entries {
		entry := elem.Value.(*cacheEntry)
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	c.entries = make(map[string]*list.Element)
	c.lru = list.New()
	c.weight = 0
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	itemCount := len(c.entries)
	c.mu.Unlock()

	return CacheStats{
		ItemCount:      itemCount,
		Hits:           c.hits.Load(),
		Misses:         c.misses.Load(),
		RefreshSuccess: c.refreshSuccess.Load(),
		RefreshFailure: c.refreshFailure.Load(),
	}
}

func (c *Cache) notifyHit() {
	if c.observer != nil {
		c.observer.OnHit()
	}
}

func (c *Cache) notifyMiss() {
	if c.observer != nil {
		c.observer.OnMiss()
	}
}

func (c *Cache) notifyEviction() {
	if c.observer != nil {
		c.observer.OnEviction()
	}
}

func (c *Cache) notifyRefreshSuccess() {
	if c.observer != nil {
		c.observer.OnRefreshSuccess()
	}
}

func (c *Cache) notifyRefreshFailure() {
	if c.observer != nil {
		c.observer.OnRefreshFailure()
	}
}
