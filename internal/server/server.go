// Package server assembles and runs the gotrack mediation server: slot
// table, TCP acceptor, record pipeline, location store, and the
// enrichment and notification collaborators around them.
package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/tlundqvist/gotrack/internal/config"
	"github.com/tlundqvist/gotrack/internal/export"
	"github.com/tlundqvist/gotrack/internal/geo"
	"github.com/tlundqvist/gotrack/internal/geocode"
	"github.com/tlundqvist/gotrack/internal/notify"
	"github.com/tlundqvist/gotrack/internal/preset"
	"github.com/tlundqvist/gotrack/internal/ratelimit"
	"github.com/tlundqvist/gotrack/internal/store"
	"github.com/tlundqvist/gotrack/internal/track"
	"github.com/tlundqvist/gotrack/internal/usbser"
	appversion "github.com/tlundqvist/gotrack/internal/version"
)

// File names under the configured state directories.
const (
	locationsDBFile = "locations.db"
	nicknamesFile   = "nicknames.txt"
)

// -------------------------------------------------------------------------
// Options
// -------------------------------------------------------------------------

type options struct {
	notifier track.Notifier
	geocoder track.Geocoder
	maps     track.MapFetcher
	serial   track.SerialGateway
}

// Option overrides a default collaborator, mainly for tests.
type Option func(*options)

// WithNotifier replaces the SMTP notifier.
func WithNotifier(n track.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithGeocoder replaces the Google geocoding client.
func WithGeocoder(g track.Geocoder) Option {
	return func(o *options) { o.geocoder = g }
}

// WithMapFetcher replaces the Google static map client.
func WithMapFetcher(m track.MapFetcher) Option {
	return func(o *options) { o.maps = m }
}

// WithSerialGateway replaces the USB serial manager.
func WithSerialGateway(sg track.SerialGateway) Option {
	return func(o *options) { o.serial = sg }
}

// -------------------------------------------------------------------------
// Server
// -------------------------------------------------------------------------

// Server is the assembled mediation server. New wires the collaborator
// graph, Run serves until its context is cancelled, Close persists the
// caches and registries and releases the store.
type Server struct {
	logger *slog.Logger

	// cfg is the live configuration snapshot. Reload swaps it; worker
	// factories read it when a connection arrives, so running sessions
	// keep the snapshot they started with.
	cfg atomic.Pointer[config.Config]

	stats    *track.ServerStats
	geoStats *geo.Stats

	table *track.SlotTable
	tags  *track.TagRegistry

	store     *store.Store
	exporter  *export.Exporter
	presets   *preset.Registry
	nicknames *track.NicknameRegistry

	addrCache *geo.AddressCache
	mapCache  *geo.MinimapCache

	geocodeLimiter *ratelimit.Limiter
	mapLimiter     *ratelimit.Limiter

	pipeline *track.Pipeline
	acceptor *track.Acceptor

	notifier track.Notifier
	serial   track.SerialGateway
	hooks    track.Hooks

	// closeSerial is set when the server owns the USB manager.
	closeSerial func() error
}

// New builds the collaborator graph for cfg. The context bounds the
// initial store open and schema creation.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{
		logger:   logger,
		stats:    &track.ServerStats{},
		geoStats: &geo.Stats{},
		table:    track.NewSlotTable(cfg.Limits.MaxClients),
		tags:     track.NewTagRegistry(),
	}
	s.cfg.Store(cfg)

	// Persistent geo caches. A missing state directory is a first boot.
	s.addrCache = geo.NewAddressCache(cfg.Geocode.AddressCacheMax, s.geoStats)
	s.mapCache = geo.NewMinimapCache(cfg.Minimap.CacheMax, s.geoStats)
	if err := geo.LoadAll(cfg.Paths.DBDir, s.addrCache, s.mapCache, s.geoStats); err != nil {
		logger.Warn("geo cache load failed, starting cold",
			slog.String("dir", cfg.Paths.DBDir),
			slog.String("error", err.Error()),
		)
	}

	s.nicknames = track.NewNicknameRegistry(filepath.Join(cfg.Paths.DBDir, nicknamesFile))
	if err := s.nicknames.Load(); err != nil {
		logger.Warn("nickname registry load failed",
			slog.String("error", err.Error()),
		)
	}

	st, err := store.Open(ctx, filepath.Join(cfg.Paths.DBDir, locationsDBFile))
	if err != nil {
		return nil, fmt.Errorf("open location store: %w", err)
	}
	s.store = st
	s.exporter = export.New(st, cfg.Export.TrackSplitTime, cfg.Export.TrackSegSplitTime)

	s.geocodeLimiter = ratelimit.New("geocoder", cfg.GeocodeMinSpacing())
	s.mapLimiter = ratelimit.New("staticmap", cfg.StaticMapMinSpacing())

	geocoder := o.geocoder
	if geocoder == nil {
		geocoder = geocode.NewGeocoder(geocode.Settings{
			APIKey: cfg.GoogleAPIKey,
			Logger: logger,
		})
	}
	maps := o.maps
	if maps == nil {
		maps = geocode.NewMapClient(geocode.Settings{
			APIKey: cfg.GoogleAPIKey,
			Logger: logger,
		})
	}

	s.notifier = o.notifier
	if s.notifier == nil {
		s.notifier = notify.NewMailNotifier(notify.MailSettings{
			Addr:     cfg.Mail.SMTPAddr,
			From:     cfg.Mail.From,
			To:       cfg.Mail.To,
			Username: cfg.Mail.Username,
			Password: cfg.Mail.Password,
		}, logger)
	}

	s.serial = o.serial
	if s.serial == nil {
		mgr := usbser.NewManager(cfg.Device.USBBaud, logger)
		s.serial = mgr
		s.closeSerial = mgr.Close
	}

	s.pipeline = track.NewPipeline(pipelineConfig(cfg), track.PipelineDeps{
		Store:          s.store,
		Notifier:       s.notifier,
		Geocoder:       geocoder,
		Maps:           maps,
		AddrCache:      s.addrCache,
		MapCache:       s.mapCache,
		GeoStats:       s.geoStats,
		GeocodeLimiter: s.geocodeLimiter,
		MapLimiter:     s.mapLimiter,
		Nicknames:      s.nicknames,
		Stats:          s.stats,
		Logger:         logger,
	})

	s.hooks = s.buildHooks(cfg)

	s.presets = preset.NewRegistry(cfg.Paths.PresetDir, logger)
	if err := s.presets.Refresh(); err != nil {
		logger.Warn("preset load failed",
			slog.String("dir", cfg.Paths.PresetDir),
			slog.String("error", err.Error()),
		)
	}

	s.acceptor = track.NewAcceptor(track.AcceptorConfig{
		CommandAddr: cfg.Listen.CommandAddr,
		TrackerAddr: cfg.Listen.TrackerAddr,
	}, track.AcceptorDeps{
		Table:      s.table,
		NewTracker: s.newSession,
		NewClient:  s.newDispatcher,
		Stats:      s.stats,
		Logger:     logger,
	})

	return s, nil
}

// buildHooks composes the tracker lifecycle callbacks: the connect
// notice and the operator's hook script.
func (s *Server) buildHooks(cfg *config.Config) track.Hooks {
	var script *notify.ScriptHook
	if cfg.ScriptOnTrackerConn != "" {
		script = notify.NewScriptHook(cfg.ScriptOnTrackerConn, s.logger)
	}

	return track.Hooks{
		TrackerUp: func(ctx context.Context, deviceID uint32, peer string) {
			if s.cfg.Load().Mail.OnTrackerConn {
				s.pipeline.NotifyConnect(ctx, deviceID, peer)
			}
			if script != nil {
				if err := script.Run(ctx, deviceID, peer); err != nil {
					s.logger.Warn("tracker-up script failed",
						slog.Uint64("device_id", uint64(deviceID)),
						slog.String("error", err.Error()),
					)
				}
			}
		},
	}
}

// -------------------------------------------------------------------------
// Worker Factories
// -------------------------------------------------------------------------

// newSession builds the worker for an accepted tracker connection.
func (s *Server) newSession(slot *track.ClientSlot) *track.Session {
	cfg := s.cfg.Load()
	return track.NewSession(slot, track.SessionConfig{
		IdleTimeout:     cfg.Limits.DeviceIdleTimeout,
		DeviceZone:      cfg.DeviceLocation(),
		GfenTracking:    cfg.Gfen.EnableTracking,
		GfenInterval:    cfg.Gfen.TrackingInterval,
		GfenMaxDuration: cfg.Gfen.MaxAutoTrackDuration,
	}, track.SessionDeps{
		Table:  s.table,
		Tags:   s.tags,
		Sink:   s.pipeline,
		Stats:  s.stats,
		Hooks:  s.hooks,
		Logger: s.logger,
	})
}

// newDispatcher builds the worker for an accepted command connection.
func (s *Server) newDispatcher(slot *track.ClientSlot) *track.Dispatcher {
	cfg := s.cfg.Load()
	return track.NewDispatcher(slot, track.DispatcherConfig{
		RequirePassword: cfg.Auth.RequirePassword,
		Password:        cfg.Auth.Password,
		IdleTimeout:     cfg.Limits.ClientIdleTimeout,
		EnableRaw:       cfg.Command.EnableRaw,
		CommandTimeout:  cfg.Command.CommandTimeout,
		DlrecTimeout:    cfg.Command.DlrecTimeout,
		DataDir:         cfg.Paths.DataDir,
		ServerVersion:   appversion.Version,
	}, track.DispatcherDeps{
		Table:          s.table,
		Tags:           s.tags,
		Serial:         s.serial,
		Store:          s.store,
		Exporter:       s.exporter,
		Presets:        s.presets,
		Nicknames:      s.nicknames,
		Pipeline:       s.pipeline,
		AddrCache:      s.addrCache,
		MapCache:       s.mapCache,
		GeoStats:       s.geoStats,
		GeocodeLimiter: s.geocodeLimiter,
		MapLimiter:     s.mapLimiter,
		Stats:          s.stats,
		Logger:         s.logger,
	})
}

// -------------------------------------------------------------------------
// Lifecycle
// -------------------------------------------------------------------------

// Listen binds the command and tracker listeners. Must be called once
// before Run.
func (s *Server) Listen(ctx context.Context) error {
	return s.acceptor.Listen(ctx)
}

// Run serves on the bound listeners until ctx is cancelled, then waits
// for the connection workers to drain.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.acceptor.Run(ctx) })

	g.Go(func() error {
		// Preset directory watching is a convenience; its failure must
		// not take the server down.
		if err := s.presets.Watch(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("preset watcher stopped",
				slog.String("error", err.Error()),
			)
		}
		return nil
	})

	return g.Wait()
}

// CommandAddr returns the bound command listener address. Valid once
// Listen has succeeded.
func (s *Server) CommandAddr() net.Addr { return s.acceptor.CommandAddr() }

// TrackerAddr returns the bound tracker listener address.
func (s *Server) TrackerAddr() net.Addr { return s.acceptor.TrackerAddr() }

// Stats exposes the server counters for the metrics collector.
func (s *Server) Stats() *track.ServerStats { return s.stats }

// Table exposes the slot table for the metrics collector.
func (s *Server) Table() *track.SlotTable { return s.table }

// GeoStats exposes the geo cache counters for the metrics collector.
func (s *Server) GeoStats() *geo.Stats { return s.geoStats }

// Store exposes the location store for the metrics collector.
func (s *Server) Store() track.LocationStore { return s.store }

// Close persists the geo caches and nickname registry and closes the
// location store and serial ports. Call after Run has returned.
func (s *Server) Close() error {
	cfg := s.cfg.Load()

	var errs []error
	if err := geo.SaveAll(cfg.Paths.DBDir, s.addrCache, s.mapCache, s.geoStats); err != nil {
		errs = append(errs, fmt.Errorf("persist geo caches: %w", err))
	}
	if err := s.nicknames.Save(); err != nil {
		errs = append(errs, fmt.Errorf("persist nicknames: %w", err))
	}
	if s.closeSerial != nil {
		if err := s.closeSerial(); err != nil {
			errs = append(errs, fmt.Errorf("close serial ports: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close location store: %w", err))
	}
	return errors.Join(errs...)
}

// -------------------------------------------------------------------------
// Reload
// -------------------------------------------------------------------------

// Reload applies a fresh configuration. Tunables take effect for new
// connections; running workers keep the snapshot they started with.
// The slot table capacity is fixed for the process lifetime.
func (s *Server) Reload(newCfg *config.Config) {
	old := s.cfg.Load()
	s.cfg.Store(newCfg)

	s.pipeline.UpdateConfig(pipelineConfig(newCfg))
	s.geocodeLimiter.SetSpacing(newCfg.GeocodeMinSpacing())
	s.mapLimiter.SetSpacing(newCfg.StaticMapMinSpacing())

	s.addrCache.SetMax(newCfg.Geocode.AddressCacheMax)
	s.removeTiles(s.mapCache.SetMax(newCfg.Minimap.CacheMax))

	if err := s.presets.Refresh(); err != nil {
		s.logger.Warn("preset refresh failed",
			slog.String("error", err.Error()),
		)
	}

	if old.Limits.MaxClients != newCfg.Limits.MaxClients {
		s.logger.Warn("max_clients change requires a restart",
			slog.Int("running", old.Limits.MaxClients),
			slog.Int("configured", newCfg.Limits.MaxClients),
		)
	}

	s.logger.Info("configuration reloaded")
}

// removeTiles deletes map tile files evicted by a cache shrink.
func (s *Server) removeTiles(relPaths []string) {
	dbDir := s.cfg.Load().Paths.DBDir
	for _, rel := range relPaths {
		err := os.Remove(filepath.Join(dbDir, rel))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Debug("evicted tile removal failed",
				slog.String("path", rel),
				slog.String("error", err.Error()),
			)
		}
	}
}

// pipelineConfig maps the file configuration onto the pipeline's
// tunables snapshot.
func pipelineConfig(cfg *config.Config) track.PipelineConfig {
	return track.PipelineConfig{
		NotifyOnEvent:    cfg.Mail.SendOnEvent,
		ForceAllEvents:   cfg.Mail.ForceAllEvents,
		UseShortDeviceID: cfg.Mail.UseShortDeviceID,

		UseAddressLookup: cfg.Geocode.UseAddressLookup,
		ProximityMeters:  cfg.Geocode.ProximityMeters,
		GeocodeTimeout:   cfg.Geocode.HTTPTimeout,

		IncludeMinimap: cfg.Minimap.Include,
		OverviewZoom:   cfg.Minimap.OverviewZoom,
		DetailedZoom:   cfg.Minimap.DetailedZoom,
		MapWidth:       cfg.Minimap.Width,
		MapHeight:      cfg.Minimap.Height,
		MapTimeout:     cfg.Minimap.HTTPTimeout,

		RateNoticeCooldown: cfg.Geocode.RateNoticeCooldown,
		DBDir:              cfg.Paths.DBDir,
	}
}
