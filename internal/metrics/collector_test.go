package trackmetrics_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/tlundqvist/gotrack/internal/geo"
	trackmetrics "github.com/tlundqvist/gotrack/internal/metrics"
	"github.com/tlundqvist/gotrack/internal/track"
)

// gatherValue returns the sample value for a metric family, matching
// the label pairs when given. The second return reports whether a
// matching sample exists.
func gatherValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) (float64, bool) {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
	metric:
		for _, m := range fam.GetMetric() {
			for k, v := range labels {
				if !hasLabel(m, k, v) {
					continue metric
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue(), true
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue(), true
			}
		}
	}
	return 0, false
}

func hasLabel(m *dto.Metric, key, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == key && lp.GetValue() == value {
			return true
		}
	}
	return false
}

func TestNewCollectorRegisters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := trackmetrics.NewCollector(reg, &track.ServerStats{}, track.NewSlotTable(4), &geo.Stats{}, nil)
	if c == nil {
		t.Fatal("NewCollector returned nil")
	}

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestCollectorReportsServerCounters(t *testing.T) {
	t.Parallel()

	stats := &track.ServerStats{}
	stats.AcceptedTotal.Add(3)
	stats.RejectedTotal.Add(1)
	stats.KeepAlivesTotal.Add(5)
	stats.CommandTimeoutsTotal.Add(2)

	reg := prometheus.NewRegistry()
	trackmetrics.NewCollector(reg, stats, nil, nil, nil)

	cases := []struct {
		name string
		want float64
	}{
		{"gotrack_connections_accepted_total", 3},
		{"gotrack_connections_rejected_total", 1},
		{"gotrack_keepalives_total", 5},
		{"gotrack_command_timeouts_total", 2},
		{"gotrack_location_records_total", 0},
	}
	for _, tc := range cases {
		got, ok := gatherValue(t, reg, tc.name, nil)
		if !ok {
			t.Errorf("metric %s not found", tc.name)
			continue
		}
		if got != tc.want {
			t.Errorf("%s = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestCollectorReportsSlotGauges(t *testing.T) {
	t.Parallel()

	table := track.NewSlotTable(4)

	trkConn, trkPeer := net.Pipe()
	defer trkConn.Close()
	defer trkPeer.Close()
	if _, err := table.Reserve(track.RoleTracker, trkConn); err != nil {
		t.Fatalf("Reserve(tracker) error: %v", err)
	}

	cmdConn, cmdPeer := net.Pipe()
	defer cmdConn.Close()
	defer cmdPeer.Close()
	if _, err := table.Reserve(track.RoleCommand, cmdConn); err != nil {
		t.Fatalf("Reserve(command) error: %v", err)
	}

	reg := prometheus.NewRegistry()
	trackmetrics.NewCollector(reg, nil, table, nil, nil)

	if got, ok := gatherValue(t, reg, "gotrack_active_slots", map[string]string{"role": "tracker"}); !ok || got != 1 {
		t.Errorf("active_slots{role=tracker} = %v (found %v), want 1", got, ok)
	}
	if got, ok := gatherValue(t, reg, "gotrack_active_slots", map[string]string{"role": "command"}); !ok || got != 1 {
		t.Errorf("active_slots{role=command} = %v (found %v), want 1", got, ok)
	}
	if got, ok := gatherValue(t, reg, "gotrack_slots_max", nil); !ok || got != 4 {
		t.Errorf("slots_max = %v (found %v), want 4", got, ok)
	}
}

func TestCollectorReportsGeoCounters(t *testing.T) {
	t.Parallel()

	geoStats := &geo.Stats{}
	geoStats.AddrHits.Add(7)
	geoStats.MapMisses.Add(2)
	geoStats.GeocodeCalls.Add(4)

	reg := prometheus.NewRegistry()
	trackmetrics.NewCollector(reg, nil, nil, geoStats, nil)

	if got, ok := gatherValue(t, reg, "gotrack_geo_cache_hits_total", map[string]string{"cache": "address"}); !ok || got != 7 {
		t.Errorf("geo_cache_hits_total{cache=address} = %v (found %v), want 7", got, ok)
	}
	if got, ok := gatherValue(t, reg, "gotrack_geo_cache_misses_total", map[string]string{"cache": "minimap"}); !ok || got != 2 {
		t.Errorf("geo_cache_misses_total{cache=minimap} = %v (found %v), want 2", got, ok)
	}
	if got, ok := gatherValue(t, reg, "gotrack_geocoder_calls_total", nil); !ok || got != 4 {
		t.Errorf("geocoder_calls_total = %v (found %v), want 4", got, ok)
	}
}

// sizeOnlyStore stubs the location store; the collector only calls Size.
type sizeOnlyStore struct {
	size track.StoreSize
	err  error
}

func (s sizeOnlyStore) Append(context.Context, track.LocationRecord) error { return nil }

func (s sizeOnlyStore) Query(context.Context, track.QuerySpec) ([]track.LocationRecord, error) {
	return nil, nil
}

func (s sizeOnlyStore) DeleteRange(context.Context, uint32, time.Time, time.Time) (int64, error) {
	return 0, nil
}

func (s sizeOnlyStore) Size(context.Context) (track.StoreSize, error) {
	return s.size, s.err
}

func TestCollectorReportsStoreSize(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	trackmetrics.NewCollector(reg, nil, nil, nil, sizeOnlyStore{
		size: track.StoreSize{Records: 12, Bytes: 4096},
	})

	if got, ok := gatherValue(t, reg, "gotrack_store_records", nil); !ok || got != 12 {
		t.Errorf("store_records = %v (found %v), want 12", got, ok)
	}
	if got, ok := gatherValue(t, reg, "gotrack_store_bytes", nil); !ok || got != 4096 {
		t.Errorf("store_bytes = %v (found %v), want 4096", got, ok)
	}
}

func TestCollectorSkipsFailedStoreProbe(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	trackmetrics.NewCollector(reg, nil, nil, nil, sizeOnlyStore{
		err: errors.New("database locked"),
	})

	if _, ok := gatherValue(t, reg, "gotrack_store_records", nil); ok {
		t.Error("store_records reported despite probe failure")
	}
}
