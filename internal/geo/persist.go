package geo

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Cache files written under the data directory. Each save renames the
// previous file to its _backup sibling first, so a crash mid-write
// leaves the last complete snapshot recoverable.
const (
	AddrCacheFile    = "geoloc_addrcache.txt"
	MinimapCacheFile = "geoloc_minimapcache.txt"
	CacheStatFile    = "geoloc_cachestat.txt"
)

const (
	addrCacheHeader    = "# gotrack addrcache v1"
	minimapCacheHeader = "# gotrack minimapcache v1"
)

// ErrBadCacheLine reports a cache file line that does not match the
// expected format.
var ErrBadCacheLine = errors.New("malformed cache line")

// ---------------------------------------------------------------- //
// Address cache

// Persist writes the cache oldest-first, one entry per line:
//
//	lat lon unix "address"
//
// Restoring in file order then leaves the most recent entry at the
// front of the LRU again.
func (c *AddressCache) Persist(w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := fmt.Fprintln(w, addrCacheHeader); err != nil {
		return fmt.Errorf("write address cache: %w", err)
	}
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*addrEntry)
		_, err := fmt.Fprintf(w, "%.5f %.5f %d %s\n",
			e.Key.Lat(), e.Key.Lon(), e.LastUsed.Unix(), strconv.Quote(e.Address))
		if err != nil {
			return fmt.Errorf("write address cache: %w", err)
		}
	}
	return nil
}

// Restore loads entries persisted by Persist. Existing entries are
// kept; restored ones are inserted in file order with their original
// last-used times.
func (c *AddressCache) Restore(r io.Reader) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, " ", 4)
		if len(parts) != 4 {
			return fmt.Errorf("address cache line %d: %w", lineNo, ErrBadCacheLine)
		}

		lat, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return fmt.Errorf("address cache line %d: %w", lineNo, err)
		}
		lon, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return fmt.Errorf("address cache line %d: %w", lineNo, err)
		}
		unix, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return fmt.Errorf("address cache line %d: %w", lineNo, err)
		}
		addr, err := strconv.Unquote(parts[3])
		if err != nil {
			return fmt.Errorf("address cache line %d: %w", lineNo, err)
		}

		c.insertLocked(QuantizePoint(lat, lon), addr, time.Unix(unix, 0))
	}

	if err := sc.Err(); err != nil {
		return fmt.Errorf("read address cache: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------- //
// Minimap cache

// Persist writes the cache oldest-first, one entry per line:
//
//	lat lon zoom width height unix path
//
// Paths are relative to the data directory and contain no spaces.
func (c *MinimapCache) Persist(w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := fmt.Fprintln(w, minimapCacheHeader); err != nil {
		return fmt.Errorf("write minimap cache: %w", err)
	}
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*mapEntry)
		_, err := fmt.Fprintf(w, "%.5f %.5f %d %d %d %d %s\n",
			e.Key.Point.Lat(), e.Key.Point.Lon(),
			e.Key.Zoom, e.Key.Width, e.Key.Height,
			e.LastUsed.Unix(), e.Path)
		if err != nil {
			return fmt.Errorf("write minimap cache: %w", err)
		}
	}
	return nil
}

// Restore loads entries persisted by Persist. Entries evicted while
// restoring are dropped silently; their image files are cleaned up by
// the next save cycle.
func (c *MinimapCache) Restore(r io.Reader) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 7 {
			return fmt.Errorf("minimap cache line %d: %w", lineNo, ErrBadCacheLine)
		}

		lat, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return fmt.Errorf("minimap cache line %d: %w", lineNo, err)
		}
		lon, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return fmt.Errorf("minimap cache line %d: %w", lineNo, err)
		}
		zoom, err := strconv.Atoi(fields[2])
		if err != nil {
			return fmt.Errorf("minimap cache line %d: %w", lineNo, err)
		}
		width, err := strconv.Atoi(fields[3])
		if err != nil {
			return fmt.Errorf("minimap cache line %d: %w", lineNo, err)
		}
		height, err := strconv.Atoi(fields[4])
		if err != nil {
			return fmt.Errorf("minimap cache line %d: %w", lineNo, err)
		}
		unix, err := strconv.ParseInt(fields[5], 10, 64)
		if err != nil {
			return fmt.Errorf("minimap cache line %d: %w", lineNo, err)
		}

		key := TileKey{
			Point:  QuantizePoint(lat, lon),
			Zoom:   zoom,
			Width:  width,
			Height: height,
		}
		c.insertLocked(key, fields[6], time.Unix(unix, 0))
	}

	if err := sc.Err(); err != nil {
		return fmt.Errorf("read minimap cache: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------- //
// File round-trip

// SaveAll persists both caches and the counters under dir, renaming
// each existing file to its _backup sibling first.
func SaveAll(dir string, addr *AddressCache, mini *MinimapCache, stats *Stats) error {
	if err := writeFileWithBackup(filepath.Join(dir, AddrCacheFile), addr.Persist); err != nil {
		return err
	}
	if err := writeFileWithBackup(filepath.Join(dir, MinimapCacheFile), mini.Persist); err != nil {
		return err
	}
	return writeFileWithBackup(filepath.Join(dir, CacheStatFile), stats.Persist)
}

// LoadAll restores both caches and the counters from dir. Missing
// files are skipped; a file whose primary copy is missing falls back
// to its _backup sibling.
func LoadAll(dir string, addr *AddressCache, mini *MinimapCache, stats *Stats) error {
	if err := readFileOrBackup(filepath.Join(dir, AddrCacheFile), addr.Restore); err != nil {
		return err
	}
	if err := readFileOrBackup(filepath.Join(dir, MinimapCacheFile), mini.Restore); err != nil {
		return err
	}
	return readFileOrBackup(filepath.Join(dir, CacheStatFile), stats.Restore)
}

func backupPath(path string) string {
	return strings.TrimSuffix(path, ".txt") + "_backup.txt"
}

func writeFileWithBackup(path string, persist func(io.Writer) error) error {
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, backupPath(path)); err != nil {
			return fmt.Errorf("back up %s: %w", filepath.Base(path), err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if err := persist(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readFileOrBackup(path string, restore func(io.Reader) error) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		f, err = os.Open(backupPath(path))
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	if err := restore(f); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return nil
}
