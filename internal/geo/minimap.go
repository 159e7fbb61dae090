package geo

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// TileKey identifies one rendered minimap: a quantized position at a
// given zoom and pixel size.
type TileKey struct {
	Point  PointKey
	Zoom   int
	Width  int
	Height int
}

// TilePath returns the stable relative path for a tile's image file,
// derived from the key so re-renders of the same view overwrite in
// place.
func TilePath(key TileKey) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%d:%d:%d:%d",
		key.Point.LatE5, key.Point.LonE5, key.Zoom, key.Width, key.Height)))
	return "map_cache/" + hex.EncodeToString(sum[:16]) + ".png"
}

// mapEntry is the LRU payload for one cached minimap image.
type mapEntry struct {
	Key      TileKey
	Path     string // relative to the data directory
	LastUsed time.Time
}

// MinimapCache maps tile keys to image files on disk with LRU
// eviction. The cache tracks paths only; callers own the files and
// delete them when an eviction is reported.
type MinimapCache struct {
	mu      sync.Mutex
	max     int
	entries map[TileKey]*list.Element
	lru     *list.List // front is most recently used
	stats   *Stats
}

// NewMinimapCache returns a cache holding at most max entries.
func NewMinimapCache(max int, stats *Stats) *MinimapCache {
	return &MinimapCache{
		max:     max,
		entries: make(map[TileKey]*list.Element),
		lru:     list.New(),
		stats:   stats,
	}
}

// Lookup returns the stored image path for a tile and refreshes it as
// most recently used.
func (c *MinimapCache) Lookup(key TileKey) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		if c.stats != nil {
			c.stats.MapMisses.Add(1)
		}
		return "", false
	}

	e := el.Value.(*mapEntry)
	e.LastUsed = time.Now()
	c.lru.MoveToFront(el)
	if c.stats != nil {
		c.stats.MapHits.Add(1)
	}
	return e.Path, true
}

// Insert stores the image path for a tile and returns the paths of any
// entries evicted to stay within capacity, so the caller can remove
// the files.
func (c *MinimapCache) Insert(key TileKey, path string) (evicted []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.insertLocked(key, path, time.Now())
}

func (c *MinimapCache) insertLocked(key TileKey, path string, lastUsed time.Time) (evicted []string) {
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*mapEntry)
		e.Path = path
		e.LastUsed = lastUsed
		c.lru.MoveToFront(el)
		return nil
	}

	el := c.lru.PushFront(&mapEntry{Key: key, Path: path, LastUsed: lastUsed})
	c.entries[key] = el

	for c.max > 0 && c.lru.Len() > c.max {
		if path, ok := c.evictOldest(); ok {
			evicted = append(evicted, path)
		}
	}
	return evicted
}

func (c *MinimapCache) evictOldest() (string, bool) {
	el := c.lru.Back()
	if el == nil {
		return "", false
	}
	e := el.Value.(*mapEntry)
	c.lru.Remove(el)
	delete(c.entries, e.Key)
	if c.stats != nil {
		c.stats.MapEvictions.Add(1)
	}
	return e.Path, true
}

// Len reports the number of cached minimaps.
func (c *MinimapCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// SetMax changes the capacity and returns the paths of entries evicted
// to fit the new limit.
func (c *MinimapCache) SetMax(max int) (evicted []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.max = max
	for c.max > 0 && c.lru.Len() > c.max {
		if path, ok := c.evictOldest(); ok {
			evicted = append(evicted, path)
		}
	}
	return evicted
}
