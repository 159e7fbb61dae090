package geo

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
)

// Stats aggregates cache effectiveness counters across daemon runs.
// All counters are monotonic except through Restore, which reloads the
// totals persisted by the previous run.
type Stats struct {
	AddrHits      atomic.Uint64
	AddrMisses    atomic.Uint64
	AddrEvictions atomic.Uint64

	MapHits      atomic.Uint64
	MapMisses    atomic.Uint64
	MapEvictions atomic.Uint64

	GeocodeCalls   atomic.Uint64
	StaticMapCalls atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	AddrHits      uint64
	AddrMisses    uint64
	AddrEvictions uint64

	MapHits      uint64
	MapMisses    uint64
	MapEvictions uint64

	GeocodeCalls   uint64
	StaticMapCalls uint64
}

// Snapshot returns a consistent-enough copy for reporting. Individual
// counters are read atomically; the set as a whole is not fenced.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		AddrHits:      s.AddrHits.Load(),
		AddrMisses:    s.AddrMisses.Load(),
		AddrEvictions: s.AddrEvictions.Load(),

		MapHits:      s.MapHits.Load(),
		MapMisses:    s.MapMisses.Load(),
		MapEvictions: s.MapEvictions.Load(),

		GeocodeCalls:   s.GeocodeCalls.Load(),
		StaticMapCalls: s.StaticMapCalls.Load(),
	}
}

// statKeys maps the persisted key names to counter accessors. The file
// format is one key=value pair per line.
func (s *Stats) statKeys() map[string]*atomic.Uint64 {
	return map[string]*atomic.Uint64{
		"addr_hits":       &s.AddrHits,
		"addr_misses":     &s.AddrMisses,
		"addr_evictions":  &s.AddrEvictions,
		"map_hits":        &s.MapHits,
		"map_misses":      &s.MapMisses,
		"map_evictions":   &s.MapEvictions,
		"geocode_calls":   &s.GeocodeCalls,
		"staticmap_calls": &s.StaticMapCalls,
	}
}

// persistOrder fixes the line order so the file is stable across runs.
var persistOrder = []string{
	"addr_hits", "addr_misses", "addr_evictions",
	"map_hits", "map_misses", "map_evictions",
	"geocode_calls", "staticmap_calls",
}

// Persist writes the counters as key=value lines.
func (s *Stats) Persist(w io.Writer) error {
	keys := s.statKeys()
	for _, name := range persistOrder {
		if _, err := fmt.Fprintf(w, "%s=%d\n", name, keys[name].Load()); err != nil {
			return fmt.Errorf("write cache stats: %w", err)
		}
	}
	return nil
}

// Restore loads counters from key=value lines, overwriting the current
// values. Unknown keys are ignored so older files keep loading.
func (s *Stats) Restore(r io.Reader) error {
	keys := s.statKeys()

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		name, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		counter, known := keys[strings.TrimSpace(name)]
		if !known {
			continue
		}

		n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return fmt.Errorf("cache stat %s: %w", name, err)
		}
		counter.Store(n)
	}

	if err := sc.Err(); err != nil {
		return fmt.Errorf("read cache stats: %w", err)
	}
	return nil
}
