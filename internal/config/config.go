// Package config manages gotrackd configuration using koanf/v2.
//
// Supports YAML files, environment variables, and CLI flag overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gotrackd configuration.
type Config struct {
	Log     LogConfig     `koanf:"log"`
	Listen  ListenConfig  `koanf:"listen"`
	Limits  LimitsConfig  `koanf:"limits"`
	Auth    AuthConfig    `koanf:"auth"`
	Command CommandConfig `koanf:"commands"`
	Gfen    GfenConfig    `koanf:"gfen"`
	Geocode GeocodeConfig `koanf:"geocode"`
	Minimap MinimapConfig `koanf:"minimap"`
	Mail    MailConfig    `koanf:"mail"`
	Export  ExportConfig  `koanf:"export"`
	Paths   PathsConfig   `koanf:"paths"`
	Device  DeviceConfig  `koanf:"device"`

	// GoogleAPIKey authenticates geocoder and static-map requests. When
	// present the per-service rate floor is raised from the anonymous one.
	GoogleAPIKey string `koanf:"google_api_key"`

	// ScriptOnTrackerConn is an executable run whenever a tracker
	// establishes a session. Empty disables the hook.
	ScriptOnTrackerConn string `koanf:"script_on_tracker_conn"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
	// File redirects log output when non-empty; default is stdout.
	File string `koanf:"file"`
}

// ListenConfig holds the listening socket addresses.
type ListenConfig struct {
	// CommandAddr is the TCP address for operator command clients.
	CommandAddr string `koanf:"command_addr"`
	// TrackerAddr is the TCP address trackers connect to over GPRS.
	TrackerAddr string `koanf:"tracker_addr"`
	// MetricsAddr is the HTTP listen address for metrics and debug.
	MetricsAddr string `koanf:"metrics_addr"`
	// MetricsPath is the URL path for the Prometheus endpoint.
	MetricsPath string `koanf:"metrics_path"`
}

// LimitsConfig caps connection counts and idle lifetimes.
type LimitsConfig struct {
	// MaxClients is the hard cap on concurrently accepted connections,
	// trackers and command clients combined.
	MaxClients int `koanf:"max_clients"`
	// DeviceIdleTimeout closes a tracker session that has been silent
	// (no keep-alive, no record) for this long.
	DeviceIdleTimeout time.Duration `koanf:"device_idle_timeout"`
	// ClientIdleTimeout closes a command client that issues nothing
	// for this long.
	ClientIdleTimeout time.Duration `koanf:"client_idle_timeout"`
}

// AuthConfig holds the command-socket authentication policy.
type AuthConfig struct {
	// RequirePassword enables the Password: prompt on connect.
	RequirePassword bool `koanf:"require_password"`
	// Password is the shared secret. Must be set when RequirePassword is.
	Password string `koanf:"password"`
}

// CommandConfig tunes device command dispatch.
type CommandConfig struct {
	// EnableRaw permits device commands outside the known command table.
	EnableRaw bool `koanf:"enable_raw"`
	// CommandTimeout bounds the wait for a tagged device reply.
	CommandTimeout time.Duration `koanf:"command_timeout"`
	// DlrecTimeout bounds DLREC record downloads, which can take minutes.
	DlrecTimeout time.Duration `koanf:"dlrec_timeout"`
}

// GfenConfig controls automatic tracking after a geofence event.
type GfenConfig struct {
	// EnableTracking turns on synthetic position polling after a GFEN event.
	EnableTracking bool `koanf:"enable_tracking"`
	// TrackingInterval is the poll period while auto-tracking.
	TrackingInterval time.Duration `koanf:"tracking_interval"`
	// MaxAutoTrackDuration stops auto-tracking even when the mate
	// out-of-fence event never arrives.
	MaxAutoTrackDuration time.Duration `koanf:"max_auto_track_duration"`
}

// GeocodeConfig controls reverse-geocoding enrichment.
type GeocodeConfig struct {
	// UseAddressLookup enables reverse geocoding of event coordinates.
	UseAddressLookup bool `koanf:"use_address_lookup"`
	// ProximityMeters is the cache proximity-hit radius.
	ProximityMeters float64 `koanf:"proximity_meters"`
	// HTTPTimeout bounds a single geocoder request.
	HTTPTimeout time.Duration `koanf:"http_timeout"`
	// AddressCacheMax caps the persistent address cache.
	AddressCacheMax int `koanf:"address_cache_max"`
	// RateNoticeCooldown spaces rate-limit-exceeded notifications and
	// suppresses enrichment while it runs.
	RateNoticeCooldown time.Duration `koanf:"rate_notice_cooldown"`
}

// MinimapConfig controls static-map enrichment.
type MinimapConfig struct {
	// Include attaches overview and detailed map tiles to notifications.
	Include bool `koanf:"include"`
	// OverviewZoom is the wide-area tile zoom level.
	OverviewZoom int `koanf:"overview_zoom"`
	// DetailedZoom is the close-up tile zoom level.
	DetailedZoom int `koanf:"detailed_zoom"`
	// Width and Height are the tile pixel dimensions.
	Width  int `koanf:"width"`
	Height int `koanf:"height"`
	// HTTPTimeout bounds a single static-map request.
	HTTPTimeout time.Duration `koanf:"http_timeout"`
	// CacheMax caps the persistent minimap cache.
	CacheMax int `koanf:"cache_max"`
}

// MailConfig holds the event notification policy and SMTP settings.
type MailConfig struct {
	// SendOnEvent enables mail for alarm events. Interval REC records are
	// excluded to avoid mail floods unless ForceAllEvents is set.
	SendOnEvent bool `koanf:"send_on_event"`
	// ForceAllEvents includes REC records in notifications.
	ForceAllEvents bool `koanf:"force_all_events"`
	// OnTrackerConn sends a notice when a tracker session comes up.
	OnTrackerConn bool `koanf:"on_tracker_conn"`
	// UseShortDeviceID renders the 4-digit short form in user-facing text.
	UseShortDeviceID bool `koanf:"use_short_device_id"`

	// SMTPAddr is the mail relay (host:port).
	SMTPAddr string `koanf:"smtp_addr"`
	// From is the envelope and header sender.
	From string `koanf:"from"`
	// To lists the notification recipients.
	To []string `koanf:"to"`
	// Username and Password enable PLAIN auth when non-empty.
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

// ExportConfig holds the track segmentation thresholds consumed by the
// GPX exporter.
type ExportConfig struct {
	// TrackSplitTime starts a new track when consecutive points are
	// further apart than this.
	TrackSplitTime time.Duration `koanf:"track_split_time"`
	// TrackSegSplitTime starts a new track segment within a track.
	TrackSegSplitTime time.Duration `koanf:"track_seg_split_time"`
}

// PathsConfig holds the filesystem roots.
type PathsConfig struct {
	// DataDir is the general data root (exports, pidfile default).
	DataDir string `koanf:"data_dir"`
	// DBDir holds the location database, caches, and map tiles.
	DBDir string `koanf:"db_dir"`
	// PresetDir holds one command preset file per preset.
	PresetDir string `koanf:"preset_dir"`
}

// DeviceConfig holds tracker fleet parameters.
type DeviceConfig struct {
	// UTCOffsetMinutes converts device-local record timestamps to UTC.
	UTCOffsetMinutes int `koanf:"utc_offset_minutes"`
	// USBBaud is the serial line rate for USB-attached trackers.
	USBBaud int `koanf:"usb_baud"`
}

// DeviceLocation returns the fixed zone trackers stamp records in.
func (c *Config) DeviceLocation() *time.Location {
	if c.Device.UTCOffsetMinutes == 0 {
		return time.UTC
	}
	return time.FixedZone("device", c.Device.UTCOffsetMinutes*60)
}

// Rate floors for external services. Anonymous access is spaced out far
// more than keyed access.
const (
	anonMinSpacing  = 1100 * time.Millisecond
	keyedMinSpacing = 200 * time.Millisecond
)

// GeocodeMinSpacing returns the minimum spacing between geocoder calls.
func (c *Config) GeocodeMinSpacing() time.Duration {
	if c.GoogleAPIKey != "" {
		return keyedMinSpacing
	}
	return anonMinSpacing
}

// StaticMapMinSpacing returns the minimum spacing between map fetches.
func (c *Config) StaticMapMinSpacing() time.Duration {
	if c.GoogleAPIKey != "" {
		return keyedMinSpacing
	}
	return anonMinSpacing
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Listen: ListenConfig{
			CommandAddr: ":7700",
			TrackerAddr: ":7701",
			MetricsAddr: ":9101",
			MetricsPath: "/metrics",
		},
		Limits: LimitsConfig{
			MaxClients:        32,
			DeviceIdleTimeout: 10 * time.Minute,
			ClientIdleTimeout: 1 * time.Hour,
		},
		Command: CommandConfig{
			CommandTimeout: 10 * time.Second,
			DlrecTimeout:   5 * time.Minute,
		},
		Gfen: GfenConfig{
			TrackingInterval:     60 * time.Second,
			MaxAutoTrackDuration: 30 * time.Minute,
		},
		Geocode: GeocodeConfig{
			ProximityMeters:    20,
			HTTPTimeout:        10 * time.Second,
			AddressCacheMax:    1000,
			RateNoticeCooldown: 15 * time.Minute,
		},
		Minimap: MinimapConfig{
			OverviewZoom: 11,
			DetailedZoom: 16,
			Width:        400,
			Height:       300,
			HTTPTimeout:  15 * time.Second,
			CacheMax:     200,
		},
		Mail: MailConfig{
			SendOnEvent:      true,
			UseShortDeviceID: true,
			SMTPAddr:         "localhost:25",
			From:             "gotrack@localhost",
		},
		Export: ExportConfig{
			TrackSplitTime:    2 * time.Hour,
			TrackSegSplitTime: 10 * time.Minute,
		},
		Paths: PathsConfig{
			DataDir:   "/var/lib/gotrack",
			DBDir:     "/var/lib/gotrack/db",
			PresetDir: "/etc/gotrack/presets",
		},
		Device: DeviceConfig{
			USBBaud: 115200,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for gotrack configuration.
// Variables are named GOTRACK_<SECTION>__<KEY>, e.g.,
// GOTRACK_LIMITS__MAX_CLIENTS. The double underscore separates the
// section from the key so key names may themselves contain underscores.
const envPrefix = "GOTRACK_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GOTRACK_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	GOTRACK_LOG__LEVEL            -> log.level
//	GOTRACK_LISTEN__COMMAND_ADDR  -> listen.command_addr
//	GOTRACK_LIMITS__MAX_CLIENTS   -> limits.max_clients
//	GOTRACK_GOOGLE_API_KEY        -> google_api_key
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOTRACK_LIMITS__MAX_CLIENTS -> limits.max_clients.
// Strips the GOTRACK_ prefix, lowercases, and replaces __ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "__", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, d *Config) error {
	defaultMap := map[string]any{
		"log.level":                    d.Log.Level,
		"log.format":                   d.Log.Format,
		"log.file":                     d.Log.File,
		"listen.command_addr":          d.Listen.CommandAddr,
		"listen.tracker_addr":          d.Listen.TrackerAddr,
		"listen.metrics_addr":          d.Listen.MetricsAddr,
		"listen.metrics_path":          d.Listen.MetricsPath,
		"limits.max_clients":           d.Limits.MaxClients,
		"limits.device_idle_timeout":   d.Limits.DeviceIdleTimeout.String(),
		"limits.client_idle_timeout":   d.Limits.ClientIdleTimeout.String(),
		"auth.require_password":        d.Auth.RequirePassword,
		"auth.password":                d.Auth.Password,
		"commands.enable_raw":          d.Command.EnableRaw,
		"commands.command_timeout":     d.Command.CommandTimeout.String(),
		"commands.dlrec_timeout":       d.Command.DlrecTimeout.String(),
		"gfen.enable_tracking":         d.Gfen.EnableTracking,
		"gfen.tracking_interval":       d.Gfen.TrackingInterval.String(),
		"gfen.max_auto_track_duration": d.Gfen.MaxAutoTrackDuration.String(),
		"geocode.use_address_lookup":   d.Geocode.UseAddressLookup,
		"geocode.proximity_meters":     d.Geocode.ProximityMeters,
		"geocode.http_timeout":         d.Geocode.HTTPTimeout.String(),
		"geocode.address_cache_max":    d.Geocode.AddressCacheMax,
		"geocode.rate_notice_cooldown": d.Geocode.RateNoticeCooldown.String(),
		"minimap.include":              d.Minimap.Include,
		"minimap.overview_zoom":        d.Minimap.OverviewZoom,
		"minimap.detailed_zoom":        d.Minimap.DetailedZoom,
		"minimap.width":                d.Minimap.Width,
		"minimap.height":               d.Minimap.Height,
		"minimap.http_timeout":         d.Minimap.HTTPTimeout.String(),
		"minimap.cache_max":            d.Minimap.CacheMax,
		"google_api_key":               d.GoogleAPIKey,
		"mail.send_on_event":           d.Mail.SendOnEvent,
		"mail.force_all_events":        d.Mail.ForceAllEvents,
		"mail.on_tracker_conn":         d.Mail.OnTrackerConn,
		"mail.use_short_device_id":     d.Mail.UseShortDeviceID,
		"mail.smtp_addr":               d.Mail.SMTPAddr,
		"mail.from":                    d.Mail.From,
		"mail.to":                      d.Mail.To,
		"mail.username":                d.Mail.Username,
		"mail.password":                d.Mail.Password,
		"script_on_tracker_conn":       d.ScriptOnTrackerConn,
		"export.track_split_time":      d.Export.TrackSplitTime.String(),
		"export.track_seg_split_time":  d.Export.TrackSegSplitTime.String(),
		"paths.data_dir":               d.Paths.DataDir,
		"paths.db_dir":                 d.Paths.DBDir,
		"paths.preset_dir":             d.Paths.PresetDir,
		"device.utc_offset_minutes":    d.Device.UTCOffsetMinutes,
		"device.usb_baud":              d.Device.USBBaud,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyCommandAddr indicates the command listen address is empty.
	ErrEmptyCommandAddr = errors.New("listen.command_addr must not be empty")

	// ErrEmptyTrackerAddr indicates the tracker listen address is empty.
	ErrEmptyTrackerAddr = errors.New("listen.tracker_addr must not be empty")

	// ErrInvalidMaxClients indicates the connection cap is below one.
	ErrInvalidMaxClients = errors.New("limits.max_clients must be >= 1")

	// ErrInvalidIdleTimeout indicates an idle timeout is not positive.
	ErrInvalidIdleTimeout = errors.New("idle timeouts must be > 0")

	// ErrInvalidCommandTimeout indicates a command timeout is not positive.
	ErrInvalidCommandTimeout = errors.New("command timeouts must be > 0")

	// ErrPasswordRequired indicates require_password is set without a password.
	ErrPasswordRequired = errors.New("auth.password must be set when auth.require_password is enabled")

	// ErrTrackSplitOrder indicates the track split thresholds are inconsistent.
	ErrTrackSplitOrder = errors.New("export.track_split_time must be greater than export.track_seg_split_time")

	// ErrInvalidZoom indicates a minimap zoom level outside 1..21.
	ErrInvalidZoom = errors.New("minimap zoom levels must be within 1..21")

	// ErrInvalidMapSize indicates minimap dimensions outside 1..2048.
	ErrInvalidMapSize = errors.New("minimap width and height must be within 1..2048")

	// ErrInvalidProximity indicates a negative proximity radius.
	ErrInvalidProximity = errors.New("geocode.proximity_meters must be >= 0")

	// ErrInvalidGfenInterval indicates a non-positive GFEN poll interval.
	ErrInvalidGfenInterval = errors.New("gfen.tracking_interval must be > 0 when tracking is enabled")

	// ErrInvalidCacheMax indicates a cache capacity below one.
	ErrInvalidCacheMax = errors.New("cache capacities must be >= 1")

	// ErrInvalidBaud indicates a non-positive serial line rate.
	ErrInvalidBaud = errors.New("device.usb_baud must be > 0")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Listen.CommandAddr == "" {
		return ErrEmptyCommandAddr
	}
	if cfg.Listen.TrackerAddr == "" {
		return ErrEmptyTrackerAddr
	}

	if cfg.Limits.MaxClients < 1 {
		return ErrInvalidMaxClients
	}
	if cfg.Limits.DeviceIdleTimeout <= 0 || cfg.Limits.ClientIdleTimeout <= 0 {
		return ErrInvalidIdleTimeout
	}

	if cfg.Command.CommandTimeout <= 0 || cfg.Command.DlrecTimeout <= 0 {
		return ErrInvalidCommandTimeout
	}

	if cfg.Auth.RequirePassword && cfg.Auth.Password == "" {
		return ErrPasswordRequired
	}

	if cfg.Gfen.EnableTracking && cfg.Gfen.TrackingInterval <= 0 {
		return ErrInvalidGfenInterval
	}

	if cfg.Geocode.ProximityMeters < 0 {
		return ErrInvalidProximity
	}
	if cfg.Geocode.AddressCacheMax < 1 || cfg.Minimap.CacheMax < 1 {
		return ErrInvalidCacheMax
	}

	if err := validateMinimap(cfg.Minimap); err != nil {
		return err
	}

	// Both positive: the outer track split must exceed the segment split.
	if cfg.Export.TrackSplitTime > 0 && cfg.Export.TrackSegSplitTime > 0 &&
		cfg.Export.TrackSplitTime <= cfg.Export.TrackSegSplitTime {
		return fmt.Errorf("%w: %s <= %s", ErrTrackSplitOrder,
			cfg.Export.TrackSplitTime, cfg.Export.TrackSegSplitTime)
	}

	if cfg.Device.USBBaud <= 0 {
		return ErrInvalidBaud
	}

	return nil
}

// validateMinimap checks the static-map parameters when enrichment is on.
func validateMinimap(m MinimapConfig) error {
	if !m.Include {
		return nil
	}
	if m.OverviewZoom < 1 || m.OverviewZoom > 21 || m.DetailedZoom < 1 || m.DetailedZoom > 21 {
		return ErrInvalidZoom
	}
	if m.Width < 1 || m.Width > 2048 || m.Height < 1 || m.Height > 2048 {
		return ErrInvalidMapSize
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
