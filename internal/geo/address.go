package geo

import (
	"container/list"
	"sync"
	"time"
)

// addrEntry is the LRU payload for one geocoded position.
type addrEntry struct {
	Key      PointKey
	Address  string
	LastUsed time.Time
}

// AddressCache maps positions to street addresses with LRU eviction.
// A lookup first tries the exact quantized key and then falls back to
// a proximity scan, so a tracker that drifts a few meters between
// reports keeps hitting the cached address instead of re-geocoding.
type AddressCache struct {
	mu      sync.Mutex
	max     int
	entries map[PointKey]*list.Element
	lru     *list.List // front is most recently used
	stats   *Stats
}

// NewAddressCache returns a cache holding at most max entries.
func NewAddressCache(max int, stats *Stats) *AddressCache {
	return &AddressCache{
		max:     max,
		entries: make(map[PointKey]*list.Element),
		lru:     list.New(),
		stats:   stats,
	}
}

// Lookup returns the cached address for a position within
// proximityMeters of an existing entry. The matched entry is refreshed
// as most recently used. Pass proximityMeters <= 0 to require an exact
// quantized match.
func (c *AddressCache) Lookup(lat, lon, proximityMeters float64) (string, bool) {
	key := QuantizePoint(lat, lon)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		return c.touch(el), true
	}

	if proximityMeters > 0 {
		for el := c.lru.Front(); el != nil; el = el.Next() {
			e := el.Value.(*addrEntry)
			if Haversine(lat, lon, e.Key.Lat(), e.Key.Lon()) <= proximityMeters {
				return c.touch(el), true
			}
		}
	}

	if c.stats != nil {
		c.stats.AddrMisses.Add(1)
	}
	return "", false
}

func (c *AddressCache) touch(el *list.Element) string {
	e := el.Value.(*addrEntry)
	e.LastUsed = time.Now()
	c.lru.MoveToFront(el)
	if c.stats != nil {
		c.stats.AddrHits.Add(1)
	}
	return e.Address
}

// Insert stores an address for a position, evicting the least recently
// used entries while the cache is over capacity.
func (c *AddressCache) Insert(lat, lon float64, address string) {
	key := QuantizePoint(lat, lon)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.insertLocked(key, address, time.Now())
}

// insertLocked is shared by Insert and Restore; the caller provides the
// last-used time so restored entries keep their original recency.
func (c *AddressCache) insertLocked(key PointKey, address string, lastUsed time.Time) {
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*addrEntry)
		e.Address = address
		e.LastUsed = lastUsed
		c.lru.MoveToFront(el)
		return
	}

	el := c.lru.PushFront(&addrEntry{Key: key, Address: address, LastUsed: lastUsed})
	c.entries[key] = el

	for c.max > 0 && c.lru.Len() > c.max {
		c.evictOldest()
	}
}

func (c *AddressCache) evictOldest() {
	el := c.lru.Back()
	if el == nil {
		return
	}
	e := el.Value.(*addrEntry)
	c.lru.Remove(el)
	delete(c.entries, e.Key)
	if c.stats != nil {
		c.stats.AddrEvictions.Add(1)
	}
}

// Len reports the number of cached addresses.
func (c *AddressCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// SetMax changes the capacity, evicting immediately if the cache is
// over the new limit. Used on configuration reload.
func (c *AddressCache) SetMax(max int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.max = max
	for c.max > 0 && c.lru.Len() > c.max {
		c.evictOldest()
	}
}
