// Package trackmetrics exposes the mediation server's counters to
// Prometheus.
//
// The server keeps its counters in lock-free atomics on the hot paths
// (session and dispatcher workers); this package reads consistent-enough
// snapshots of them at scrape time instead of maintaining parallel
// prometheus counters. The location store is the one exception: its
// size is probed with a bounded query per scrape.
package trackmetrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tlundqvist/gotrack/internal/geo"
	"github.com/tlundqvist/gotrack/internal/track"
)

const namespace = "gotrack"

// storeProbeTimeout bounds the store size query on the scrape path.
const storeProbeTimeout = 2 * time.Second

// Label values for the active slots gauge.
const (
	roleTracker = "tracker"
	roleCommand = "command"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Mediation Metrics
// -------------------------------------------------------------------------

// Collector reads the server, slot table, geo cache, and location
// store counters at scrape time.
type Collector struct {
	stats *track.ServerStats
	table *track.SlotTable
	geo   *geo.Stats
	store track.LocationStore

	activeSlots *prometheus.Desc
	slotsMax    *prometheus.Desc

	accepted       *prometheus.Desc
	rejected       *prometheus.Desc
	keepAlives     *prometheus.Desc
	records        *prometheus.Desc
	protocolErrors *prometheus.Desc

	replies         *prometheus.Desc
	repliesDropped  *prometheus.Desc
	commands        *prometheus.Desc
	commandTimeouts *prometheus.Desc
	authFailures    *prometheus.Desc

	storeAppends  *prometheus.Desc
	storeErrors   *prometheus.Desc
	notifications *prometheus.Desc
	notifyErrors  *prometheus.Desc
	gfenTracks    *prometheus.Desc

	geoCacheHits      *prometheus.Desc
	geoCacheMisses    *prometheus.Desc
	geoCacheEvictions *prometheus.Desc
	geocodeCalls      *prometheus.Desc
	staticMapCalls    *prometheus.Desc

	storeRecords *prometheus.Desc
	storeBytes   *prometheus.Desc
}

// Interface compliance check.
var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a Collector over the given counter sources and
// registers it with reg. If reg is nil, prometheus.DefaultRegisterer
// is used. Nil sources contribute no samples.
func NewCollector(reg prometheus.Registerer, stats *track.ServerStats, table *track.SlotTable, geoStats *geo.Stats, store track.LocationStore) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counter := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}
	geoCounter := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "geo", name), help, []string{"cache"}, nil)
	}

	c := &Collector{
		stats: stats,
		table: table,
		geo:   geoStats,
		store: store,

		activeSlots: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "active_slots"),
			"Connections currently holding a slot, by role.",
			[]string{"role"}, nil),
		slotsMax: counter("slots_max",
			"Configured slot table capacity."),

		accepted: counter("connections_accepted_total",
			"Total connections granted a slot."),
		rejected: counter("connections_rejected_total",
			"Total connections turned away with the server-full line."),
		keepAlives: counter("keepalives_total",
			"Total tracker keep-alive frames echoed."),
		records: counter("location_records_total",
			"Total location records parsed from trackers."),
		protocolErrors: counter("protocol_errors_total",
			"Total unparseable tracker frames."),

		replies: counter("device_replies_total",
			"Total tagged device replies received."),
		repliesDropped: counter("device_replies_dropped_total",
			"Total device replies without a waiting command client."),
		commands: counter("commands_total",
			"Total device commands dispatched."),
		commandTimeouts: counter("command_timeouts_total",
			"Total device commands that timed out waiting for a reply."),
		authFailures: counter("auth_failures_total",
			"Total failed command client password attempts."),

		storeAppends: counter("store_appends_total",
			"Total location records persisted."),
		storeErrors: counter("store_errors_total",
			"Total location store failures."),
		notifications: counter("notifications_total",
			"Total event notifications delivered."),
		notifyErrors: counter("notify_errors_total",
			"Total event notification failures."),
		gfenTracks: counter("gfen_autotracks_total",
			"Total automatic position polls after a geofence alarm."),

		geoCacheHits:      geoCounter("cache_hits_total", "Geo cache hits."),
		geoCacheMisses:    geoCounter("cache_misses_total", "Geo cache misses."),
		geoCacheEvictions: geoCounter("cache_evictions_total", "Geo cache evictions."),
		geocodeCalls: counter("geocoder_calls_total",
			"Total reverse geocoding API calls."),
		staticMapCalls: counter("staticmap_calls_total",
			"Total static map API calls."),

		storeRecords: counter("store_records",
			"Location records currently persisted."),
		storeBytes: counter("store_bytes",
			"Location database file size in bytes."),
	}

	reg.MustRegister(c)
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSlots
	ch <- c.slotsMax
	ch <- c.accepted
	ch <- c.rejected
	ch <- c.keepAlives
	ch <- c.records
	ch <- c.protocolErrors
	ch <- c.replies
	ch <- c.repliesDropped
	ch <- c.commands
	ch <- c.commandTimeouts
	ch <- c.authFailures
	ch <- c.storeAppends
	ch <- c.storeErrors
	ch <- c.notifications
	ch <- c.notifyErrors
	ch <- c.gfenTracks
	ch <- c.geoCacheHits
	ch <- c.geoCacheMisses
	ch <- c.geoCacheEvictions
	ch <- c.geocodeCalls
	ch <- c.staticMapCalls
	ch <- c.storeRecords
	ch <- c.storeBytes
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(desc *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, labels...)
	}
	counter := func(desc *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}

	if c.table != nil {
		trackers, clients := c.table.Counts()
		gauge(c.activeSlots, float64(trackers), roleTracker)
		gauge(c.activeSlots, float64(clients), roleCommand)
		gauge(c.slotsMax, float64(c.table.Capacity()))
	}

	if c.stats != nil {
		s := c.stats.Snapshot()
		counter(c.accepted, s.AcceptedTotal)
		counter(c.rejected, s.RejectedTotal)
		counter(c.keepAlives, s.KeepAlivesTotal)
		counter(c.records, s.RecordsTotal)
		counter(c.protocolErrors, s.ProtocolErrorsTotal)
		counter(c.replies, s.RepliesTotal)
		counter(c.repliesDropped, s.RepliesDroppedTotal)
		counter(c.commands, s.CommandsTotal)
		counter(c.commandTimeouts, s.CommandTimeoutsTotal)
		counter(c.authFailures, s.AuthFailuresTotal)
		counter(c.storeAppends, s.StoreAppendsTotal)
		counter(c.storeErrors, s.StoreErrorsTotal)
		counter(c.notifications, s.NotificationsTotal)
		counter(c.notifyErrors, s.NotifyErrorsTotal)
		counter(c.gfenTracks, s.GfenAutoTracksTotal)
	}

	if c.geo != nil {
		g := c.geo.Snapshot()
		counter(c.geoCacheHits, g.AddrHits, "address")
		counter(c.geoCacheMisses, g.AddrMisses, "address")
		counter(c.geoCacheEvictions, g.AddrEvictions, "address")
		counter(c.geoCacheHits, g.MapHits, "minimap")
		counter(c.geoCacheMisses, g.MapMisses, "minimap")
		counter(c.geoCacheEvictions, g.MapEvictions, "minimap")
		counter(c.geocodeCalls, g.GeocodeCalls)
		counter(c.staticMapCalls, g.StaticMapCalls)
	}

	if c.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeProbeTimeout)
		defer cancel()
		// A failed probe contributes no samples for this scrape.
		if size, err := c.store.Size(ctx); err == nil {
			gauge(c.storeRecords, float64(size.Records))
			gauge(c.storeBytes, float64(size.Bytes))
		}
	}
}
