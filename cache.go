package kinfolk

import (
	"sync"
	"time"
)

// Cache freshness windows.
const (
	ProfileCacheTTL  = 15 * time.Second
	MessageCacheTTL  = 15 * time.Second
	ChatListCacheTTL = 30 * time.Second
)

type cacheEntry[V any] struct {
	value    V
	storedAt time.Time
}

// Cache is a goroutine-safe key-value index with timestamp-based freshness.
// It only ever short-circuits network calls; consumers must tolerate a miss.
type Cache[K comparable, V any] struct {
	name    string
	ttl     time.Duration
	now     func() time.Time
	metrics *Metrics

	mu      sync.RWMutex
	entries map[K]cacheEntry[V]
}

// NewCache creates a cache whose Get reports a miss once an entry is ttl old.
// A zero ttl never expires entries.
func NewCache[K comparable, V any](name string, ttl time.Duration, now func() time.Time, metrics *Metrics) *Cache[K, V] {
	if now == nil {
		now = time.Now
	}
	return &Cache[K, V]{
		name:    name,
		ttl:     ttl,
		now:     now,
		metrics: metrics,
		entries: make(map[K]cacheEntry[V]),
	}
}

// Get returns the stored value while it is fresh.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && (c.ttl == 0 || c.now().Sub(e.storedAt) < c.ttl) {
		c.metrics.cacheResult(c.name, true)
		return e.value, true
	}
	c.metrics.cacheResult(c.name, false)
	var zero V
	return zero, false
}

// Put stores value stamped with the cache clock.
func (c *Cache[K, V]) Put(key K, value V) {
	c.PutAt(key, value, c.now())
}

func (c *Cache[K, V]) PutAt(key K, value V, ts time.Time) {
	c.mu.Lock()
	c.entries[key] = cacheEntry[V]{value: value, storedAt: ts}
	c.mu.Unlock()
}

// IsFresh reports whether key was stored less than ttl ago.
func (c *Cache[K, V]) IsFresh(key K, ttl time.Duration) bool {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	return ok && c.now().Sub(e.storedAt) < ttl
}

// Peek returns the stored value regardless of age.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e.value, ok
}

// Update rewrites an existing entry in place, keeping its timestamp.
// Absent keys are skipped.
func (c *Cache[K, V]) Update(key K, fn func(V) V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	e.value = fn(e.value)
	c.entries[key] = e
	return true
}

func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateAll drops every entry.
func (c *Cache[K, V]) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[K]cacheEntry[V])
	c.mu.Unlock()
}

func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Caches groups the auxiliary indexes layered over the slices.
type Caches struct {
	ChatIDs  *Cache[string, string]    // user id -> direct chat id
	Messages *Cache[string, []Message] // chat id -> message history
	Profiles *Cache[string, Profile]   // username -> profile
	ChatList *Cache[string, struct{}]  // last chat list fetch
}

func newCaches(now func() time.Time, metrics *Metrics) *Caches {
	return &Caches{
		ChatIDs:  NewCache[string, string]("chat_ids", 0, now, metrics),
		Messages: NewCache[string, []Message]("messages", MessageCacheTTL, now, metrics),
		Profiles: NewCache[string, Profile]("profiles", ProfileCacheTTL, now, metrics),
		ChatList: NewCache[string, struct{}]("chat_list", ChatListCacheTTL, now, metrics),
	}
}

// InvalidateAll clears every cache.
func (c *Caches) InvalidateAll() {
	c.ChatIDs.InvalidateAll()
	c.Messages.InvalidateAll()
	c.Profiles.InvalidateAll()
	c.ChatList.InvalidateAll()
}
