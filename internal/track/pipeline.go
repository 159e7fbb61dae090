package track

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/tlundqvist/gotrack/internal/geo"
	"github.com/tlundqvist/gotrack/internal/ratelimit"
)

// -------------------------------------------------------------------------
// Collaborator Interfaces
// -------------------------------------------------------------------------

// QuerySpec selects stored location records. From is inclusive, To is
// exclusive, both UTC instants. Limit of zero means unbounded.
type QuerySpec struct {
	DeviceID uint32
	From     time.Time
	To       time.Time
	Limit    int
}

// StoreSize summarizes the persisted history.
type StoreSize struct {
	Records int64
	Bytes   int64
}

// LocationStore is the persisted record history the core writes to and
// queries. Implementations must be safe for concurrent use by session
// and dispatcher workers.
type LocationStore interface {
	Append(ctx context.Context, rec LocationRecord) error
	Query(ctx context.Context, q QuerySpec) ([]LocationRecord, error)
	DeleteRange(ctx context.Context, devid uint32, from, to time.Time) (int64, error)
	Size(ctx context.Context) (StoreSize, error)
}

// Event is one outgoing notification payload.
type Event struct {
	// Kind is the triggering event code. EventNone for plain position
	// reports and server notices.
	Kind EventKind

	// DeviceID is the full device id; DeviceLabel is the user-facing
	// form (short or full per config, nickname appended when known).
	DeviceID    uint32
	DeviceLabel string
	Nickname    string

	// Time is the record timestamp in the device zone; its UTC instant
	// is Time.UTC().
	Time time.Time

	Lat      float64
	Lon      float64
	SpeedKmh float64
	Voltage  float64
	Detach   bool

	// Address is the reverse-geocoded street address, empty when
	// enrichment was off, suppressed, or failed.
	Address string

	// MapPaths are static map tiles relative to the database directory.
	MapPaths []string

	// Note carries free text for server notices (connect, rate limit).
	Note string
}

// Notifier delivers event notifications.
type Notifier interface {
	SendEvent(ctx context.Context, ev Event) error
}

// Geocoder resolves coordinates to a street address.
type Geocoder interface {
	Reverse(ctx context.Context, lat, lon float64) (string, error)
}

// MapFetcher renders a static map image centred on a coordinate.
type MapFetcher interface {
	Fetch(ctx context.Context, lat, lon float64, zoom, width, height int) ([]byte, error)
}

// -------------------------------------------------------------------------
// Pipeline
// -------------------------------------------------------------------------

// notifyTimeout bounds one notifier delivery.
const notifyTimeout = 30 * time.Second

// PipelineConfig is the pipeline's tunables snapshot. Reload swaps the
// whole value; records being processed keep the snapshot they started
// with.
type PipelineConfig struct {
	NotifyOnEvent    bool
	ForceAllEvents   bool
	UseShortDeviceID bool

	UseAddressLookup bool
	ProximityMeters  float64
	GeocodeTimeout   time.Duration

	IncludeMinimap bool
	OverviewZoom   int
	DetailedZoom   int
	MapWidth       int
	MapHeight      int
	MapTimeout     time.Duration

	RateNoticeCooldown time.Duration
	DBDir              string
}

// PipelineDeps bundles the pipeline's collaborators. Store, Notifier,
// Geocoder and Maps may be nil; the corresponding step is skipped.
type PipelineDeps struct {
	Store    LocationStore
	Notifier Notifier
	Geocoder Geocoder
	Maps     MapFetcher

	AddrCache *geo.AddressCache
	MapCache  *geo.MinimapCache
	GeoStats  *geo.Stats

	GeocodeLimiter *ratelimit.Limiter
	MapLimiter     *ratelimit.Limiter

	Nicknames *NicknameRegistry
	Stats     *ServerStats
	Logger    *slog.Logger
}

// Pipeline turns validated location records into persisted history and
// outgoing notifications, with best-effort address and minimap
// enrichment.
type Pipeline struct {
	store    LocationStore
	notifier Notifier
	geocoder Geocoder
	maps     MapFetcher

	addrCache *geo.AddressCache
	mapCache  *geo.MinimapCache
	geoStats  *geo.Stats

	geocodeLimiter *ratelimit.Limiter
	mapLimiter     *ratelimit.Limiter

	nicknames *NicknameRegistry
	stats     *ServerStats
	logger    *slog.Logger

	cfgMu sync.RWMutex
	cfg   PipelineConfig

	// noticeMu guards the rate-notice cooldown window.
	noticeMu      sync.Mutex
	suppressUntil time.Time
}

// NewPipeline creates a pipeline with the given tunables snapshot.
func NewPipeline(cfg PipelineConfig, deps PipelineDeps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stats := deps.Stats
	if stats == nil {
		stats = &ServerStats{}
	}

	return &Pipeline{
		store:          deps.Store,
		notifier:       deps.Notifier,
		geocoder:       deps.Geocoder,
		maps:           deps.Maps,
		addrCache:      deps.AddrCache,
		mapCache:       deps.MapCache,
		geoStats:       deps.GeoStats,
		geocodeLimiter: deps.GeocodeLimiter,
		mapLimiter:     deps.MapLimiter,
		nicknames:      deps.Nicknames,
		stats:          stats,
		logger:         logger.With(slog.String("component", "pipeline")),
		cfg:            cfg,
	}
}

// UpdateConfig swaps the tunables snapshot.
func (p *Pipeline) UpdateConfig(cfg PipelineConfig) {
	p.cfgMu.Lock()
	defer p.cfgMu.Unlock()
	p.cfg = cfg
}

// snapshot returns the current tunables by value.
func (p *Pipeline) snapshot() PipelineConfig {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.cfg
}

// HandleRecord runs the append, enrichment and notification steps for
// one validated record, in that order. The record is appended exactly
// once before any notifier sees it; an append failure drops the record
// entirely. HandleRecord runs on the calling session goroutine, so
// every external step is individually bounded.
func (p *Pipeline) HandleRecord(ctx context.Context, rec LocationRecord) {
	cfg := p.snapshot()

	if p.store != nil {
		if err := p.store.Append(ctx, rec); err != nil {
			p.stats.StoreErrorsTotal.Add(1)
			p.logger.Error("store append failed, record dropped",
				slog.Uint64("device_id", uint64(rec.DeviceID)),
				slog.String("error", err.Error()),
			)
			return
		}
		p.stats.StoreAppendsTotal.Add(1)
	}

	if p.notifier == nil || !p.shouldNotify(cfg, rec.Event) {
		return
	}

	var address string
	var mapPaths []string
	if !p.suppressed() {
		address = p.lookupAddress(ctx, cfg, rec.Lat, rec.Lon)
		mapPaths = p.fetchMinimaps(ctx, cfg, rec.Lat, rec.Lon)
	}

	ev := p.buildEvent(cfg, rec, address, mapPaths)

	nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	if err := p.notifier.SendEvent(nctx, ev); err != nil {
		p.stats.NotifyErrorsTotal.Add(1)
		p.logger.Warn("notification failed",
			slog.String("kind", rec.Event.String()),
			slog.Uint64("device_id", uint64(rec.DeviceID)),
			slog.String("error", err.Error()),
		)
		return
	}
	p.stats.NotificationsTotal.Add(1)
}

// shouldNotify applies the notification policy: every event kind except
// interval recordings, which are included only when forced.
func (p *Pipeline) shouldNotify(cfg PipelineConfig, kind EventKind) bool {
	if !cfg.NotifyOnEvent {
		return false
	}
	if kind == EventRec && !cfg.ForceAllEvents {
		return false
	}
	return true
}

// -------------------------------------------------------------------------
// Address Enrichment
// -------------------------------------------------------------------------

// ResolveAddress returns the street address for a coordinate: cache
// first, then the geocoder through the rate limiter. Used by enrichment
// and by the .address meta command.
func (p *Pipeline) ResolveAddress(ctx context.Context, lat, lon float64) (string, error) {
	cfg := p.snapshot()

	if p.geocoder == nil || p.addrCache == nil {
		return "", fmt.Errorf("resolve address: geocoder not configured")
	}
	if addr, ok := p.addrCache.Lookup(lat, lon, cfg.ProximityMeters); ok {
		return addr, nil
	}

	gctx, cancel := context.WithTimeout(ctx, cfg.GeocodeTimeout)
	defer cancel()

	if err := p.geocodeLimiter.Acquire(gctx); err != nil {
		return "", fmt.Errorf("resolve address: rate wait: %w", err)
	}
	p.geoStats.GeocodeCalls.Add(1)

	addr, err := p.geocoder.Reverse(gctx, lat, lon)
	if err != nil {
		return "", fmt.Errorf("resolve address: %w", err)
	}

	p.addrCache.Insert(lat, lon, addr)
	return addr, nil
}

// lookupAddress is the best-effort enrichment variant of
// ResolveAddress: failures degrade to an empty address, and a limiter
// wait that exhausts its budget opens the rate-notice window.
func (p *Pipeline) lookupAddress(ctx context.Context, cfg PipelineConfig, lat, lon float64) string {
	if !cfg.UseAddressLookup || p.geocoder == nil || p.addrCache == nil {
		return ""
	}
	if addr, ok := p.addrCache.Lookup(lat, lon, cfg.ProximityMeters); ok {
		return addr
	}

	gctx, cancel := context.WithTimeout(ctx, cfg.GeocodeTimeout)
	defer cancel()

	if err := p.geocodeLimiter.Acquire(gctx); err != nil {
		if ctx.Err() == nil {
			p.rateExceeded(ctx, cfg, "geocoder")
		}
		return ""
	}
	p.geoStats.GeocodeCalls.Add(1)

	addr, err := p.geocoder.Reverse(gctx, lat, lon)
	if err != nil {
		p.logger.Warn("reverse geocode failed",
			slog.Float64("lat", lat),
			slog.Float64("lon", lon),
			slog.String("error", err.Error()),
		)
		return ""
	}

	p.addrCache.Insert(lat, lon, addr)
	return addr
}

// -------------------------------------------------------------------------
// Minimap Enrichment
// -------------------------------------------------------------------------

// fetchMinimaps returns the overview and detailed tile paths for a
// coordinate, fetching and caching the ones not already on disk.
func (p *Pipeline) fetchMinimaps(ctx context.Context, cfg PipelineConfig, lat, lon float64) []string {
	if !cfg.IncludeMinimap || p.maps == nil || p.mapCache == nil {
		return nil
	}

	var paths []string
	for _, zoom := range []int{cfg.OverviewZoom, cfg.DetailedZoom} {
		key := geo.TileKey{
			Point:  geo.QuantizePoint(lat, lon),
			Zoom:   zoom,
			Width:  cfg.MapWidth,
			Height: cfg.MapHeight,
		}

		if path, ok := p.mapCache.Lookup(key); ok {
			paths = append(paths, path)
			continue
		}

		path, ok := p.fetchTile(ctx, cfg, key, lat, lon)
		if !ok {
			break
		}
		if path != "" {
			paths = append(paths, path)
		}
	}
	return paths
}

// fetchTile fetches one tile through the limiter and stores it under
// the database directory. ok is false when the limiter budget ran out
// and the remaining zoom levels should be skipped.
func (p *Pipeline) fetchTile(ctx context.Context, cfg PipelineConfig, key geo.TileKey, lat, lon float64) (string, bool) {
	mctx, cancel := context.WithTimeout(ctx, cfg.MapTimeout)
	defer cancel()

	if err := p.mapLimiter.Acquire(mctx); err != nil {
		if ctx.Err() == nil {
			p.rateExceeded(ctx, cfg, "static map")
		}
		return "", false
	}
	p.geoStats.StaticMapCalls.Add(1)

	png, err := p.maps.Fetch(mctx, lat, lon, key.Zoom, key.Width, key.Height)
	if err != nil {
		p.logger.Warn("static map fetch failed",
			slog.Int("zoom", key.Zoom),
			slog.String("error", err.Error()),
		)
		return "", true
	}

	rel := geo.TilePath(key)
	abs := filepath.Join(cfg.DBDir, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		p.logger.Warn("map cache dir", slog.String("error", err.Error()))
		return "", true
	}
	if err := os.WriteFile(abs, png, 0o644); err != nil {
		p.logger.Warn("map tile write", slog.String("error", err.Error()))
		return "", true
	}

	for _, old := range p.mapCache.Insert(key, rel) {
		if err := os.Remove(filepath.Join(cfg.DBDir, old)); err != nil && !os.IsNotExist(err) {
			p.logger.Debug("evicted tile remove", slog.String("error", err.Error()))
		}
	}
	return rel, true
}

// -------------------------------------------------------------------------
// Rate-Notice Window
// -------------------------------------------------------------------------

// suppressed reports whether enrichment is inside a rate-notice
// cooldown window.
func (p *Pipeline) suppressed() bool {
	p.noticeMu.Lock()
	defer p.noticeMu.Unlock()
	return time.Now().Before(p.suppressUntil)
}

// rateExceeded opens the cooldown window and sends the
// rate-limit-exceeded notice, at most once per window. Enrichment stays
// suppressed until the window ends.
func (p *Pipeline) rateExceeded(ctx context.Context, cfg PipelineConfig, service string) {
	p.noticeMu.Lock()
	now := time.Now()
	if now.Before(p.suppressUntil) {
		p.noticeMu.Unlock()
		return
	}
	p.suppressUntil = now.Add(cfg.RateNoticeCooldown)
	p.noticeMu.Unlock()

	p.logger.Warn("external service rate limit exceeded, suspending enrichment",
		slog.String("service", service),
		slog.Duration("cooldown", cfg.RateNoticeCooldown),
	)

	if p.notifier == nil {
		return
	}

	nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	ev := Event{
		Time: now,
		Note: fmt.Sprintf("%s rate limit exceeded; enrichment suspended for %s",
			service, cfg.RateNoticeCooldown),
	}
	if err := p.notifier.SendEvent(nctx, ev); err != nil {
		p.stats.NotifyErrorsTotal.Add(1)
		p.logger.Warn("rate notice failed", slog.String("error", err.Error()))
	}
}

// -------------------------------------------------------------------------
// Event Construction
// -------------------------------------------------------------------------

// deviceLabel builds the user-facing device name: short or full id per
// config, nickname appended when known.
func (p *Pipeline) deviceLabel(cfg PipelineConfig, deviceID uint32) (label, nickname string) {
	if p.nicknames != nil {
		nickname, _ = p.nicknames.Get(deviceID)
	}

	label = strconv.FormatUint(uint64(deviceID), 10)
	if cfg.UseShortDeviceID {
		label = ShortDeviceID(deviceID)
	}
	if nickname != "" {
		label = label + " (" + nickname + ")"
	}
	return label, nickname
}

// NotifyConnect sends the tracker-connected server notice.
func (p *Pipeline) NotifyConnect(ctx context.Context, deviceID uint32, peer string) {
	if p.notifier == nil {
		return
	}
	label, nickname := p.deviceLabel(p.snapshot(), deviceID)

	nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	ev := Event{
		DeviceID:    deviceID,
		DeviceLabel: label,
		Nickname:    nickname,
		Note:        "connected from " + peer,
	}
	if err := p.notifier.SendEvent(nctx, ev); err != nil {
		p.stats.NotifyErrorsTotal.Add(1)
		p.logger.Warn("connect notice failed",
			slog.Uint64("device_id", uint64(deviceID)),
			slog.String("error", err.Error()),
		)
		return
	}
	p.stats.NotificationsTotal.Add(1)
}

// buildEvent assembles the notification payload for one record.
func (p *Pipeline) buildEvent(cfg PipelineConfig, rec LocationRecord, address string, mapPaths []string) Event {
	label, nickname := p.deviceLabel(cfg, rec.DeviceID)

	return Event{
		Kind:        rec.Event,
		DeviceID:    rec.DeviceID,
		DeviceLabel: label,
		Nickname:    nickname,
		Time:        rec.Time,
		Lat:         rec.Lat,
		Lon:         rec.Lon,
		SpeedKmh:    rec.SpeedKmh,
		Voltage:     rec.Voltage,
		Detach:      rec.Detach,
		Address:     address,
		MapPaths:    mapPaths,
	}
}
