// gotrackd -- GPS tracker mediation server daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/trace"
	"strconv"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/tlundqvist/gotrack/internal/config"
	trackmetrics "github.com/tlundqvist/gotrack/internal/metrics"
	"github.com/tlundqvist/gotrack/internal/server"
	appversion "github.com/tlundqvist/gotrack/internal/version"
)

// shutdownTimeout is the maximum time to wait for the ops HTTP server
// to drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// opsReadHeaderTimeout bounds request header reads on the ops server.
const opsReadHeaderTimeout = 10 * time.Second

// flightRecorderMinAge is the minimum window age for the flight
// recorder. Captures the last 500ms of execution traces for debugging
// stalls in the session and command paths.
const flightRecorderMinAge = 500 * time.Millisecond

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB

func main() {
	os.Exit(run())
}

// cliFlags carries the command-line overrides applied on top of the
// configuration file, including on SIGHUP reloads.
type cliFlags struct {
	configPath string
	cmdPort    int
	trkPort    int
	pidFile    string
	logFile    string
	verbose    bool
	dataDir    string
	dbDir      string
	daemonize  bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "path to configuration file (YAML)")
	flag.IntVar(&f.cmdPort, "cmdport", 0, "command listener port (overrides listen.command_addr)")
	flag.IntVar(&f.trkPort, "trkport", 0, "tracker listener port (overrides listen.tracker_addr)")
	flag.StringVar(&f.pidFile, "pidfile", "", "write the daemon pid to this file")
	flag.StringVar(&f.logFile, "logfile", "", "append logs to this file instead of stdout")
	flag.BoolVar(&f.verbose, "verbose", false, "log at debug level")
	flag.StringVar(&f.dataDir, "datadir", "", "data directory (overrides paths.data_dir)")
	flag.StringVar(&f.dbDir, "dbdir", "", "database directory (overrides paths.db_dir)")
	flag.BoolVar(&f.daemonize, "daemon", false, "accepted for compatibility; gotrackd always runs in the foreground")
	flag.Parse()
	return f
}

func run() int {
	// 1. Parse flags.
	flags := parseFlags()

	// 2. Load config and apply flag overrides.
	cfg, err := loadConfig(flags.configPath, flags)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger, closeLog, err := newLoggerWithLevel(cfg.Log, logLevel)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to set up logging",
			slog.String("error", err.Error()),
		)
		return 1
	}
	if closeLog != nil {
		defer closeLog()
	}

	logger.Info("gotrackd starting",
		slog.String("version", appversion.Version),
		slog.String("command_addr", cfg.Listen.CommandAddr),
		slog.String("tracker_addr", cfg.Listen.TrackerAddr),
		slog.String("metrics_addr", cfg.Listen.MetricsAddr),
	)

	if flags.daemonize {
		logger.Warn("--daemon is accepted for compatibility only; run gotrackd under a service manager")
	}

	// 4. Write the pid file before anything can connect.
	if flags.pidFile != "" {
		if err := writePIDFile(flags.pidFile); err != nil {
			logger.Error("failed to write pid file",
				slog.String("error", err.Error()),
			)
			return 1
		}
		defer removePIDFile(flags.pidFile, logger)
	}

	// 5. Start flight recorder for post-mortem debugging of stalls.
	fr := startFlightRecorder(logger)

	// errgroup with signal-aware context.
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	// 6. Assemble the mediation server.
	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to assemble server",
			slog.String("error", err.Error()),
		)
		return 1
	}
	defer closeServer(srv, logger)

	// 7. Create Prometheus metrics collector over the server counters.
	reg := prometheus.NewRegistry()
	trackmetrics.NewCollector(reg, srv.Stats(), srv.Table(), srv.GeoStats(), srv.Store())

	// 8. Run everything.
	if err := runDaemon(ctx, cfg, srv, reg, logger, flags, logLevel, fr); err != nil {
		logger.Error("gotrackd exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("gotrackd stopped")
	return 0
}

// runDaemon binds the listeners and runs the mediation server, the ops
// HTTP server, and the daemon housekeeping goroutines until a shutdown
// signal arrives.
func runDaemon(
	ctx context.Context,
	cfg *config.Config,
	srv *server.Server,
	reg *prometheus.Registry,
	logger *slog.Logger,
	flags cliFlags,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	if err := srv.Listen(ctx); err != nil {
		return fmt.Errorf("bind listeners: %w", err)
	}
	logger.Info("listeners bound",
		slog.String("command_addr", srv.CommandAddr().String()),
		slog.String("tracker_addr", srv.TrackerAddr().String()),
	)

	opsSrv := newOpsServer(cfg.Listen, reg, fr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return srv.Run(gCtx) })

	lc := net.ListenConfig{}
	g.Go(func() error {
		logger.Info("ops server listening",
			slog.String("addr", cfg.Listen.MetricsAddr),
			slog.String("path", cfg.Listen.MetricsPath),
		)
		return listenAndServe(gCtx, &lc, opsSrv, cfg.Listen.MetricsAddr)
	})

	startDaemonGoroutines(gCtx, g, flags, logLevel, srv, logger)

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, fr, opsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	flags cliFlags,
	logLevel *slog.LevelVar,
	srv *server.Server,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, flags, logLevel, srv, logger)
		return nil
	})
}

// closeServer persists caches and registries and releases the store,
// logging rather than propagating cleanup failures.
func closeServer(srv *server.Server, logger *slog.Logger) {
	if err := srv.Close(); err != nil {
		logger.Warn("server cleanup had errors",
			slog.String("error", err.Error()),
		)
	}
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// bound its listeners and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon
// is beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd.
// The interval is WatchdogSec/2 as recommended by the systemd documentation.
// If watchdog is not configured, the goroutine exits immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	// Send keepalive at half the watchdog interval.
	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level + server tunables
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP signals and reloads configuration.
// On reload, the log level is updated dynamically via the shared
// LevelVar and the running server swaps in the new tunables snapshot.
// Blocks until the context is cancelled (graceful shutdown).
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	flags cliFlags,
	logLevel *slog.LevelVar,
	srv *server.Server,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(flags, logLevel, srv, logger)
		}
	}
}

// reloadConfig loads a fresh configuration, re-applies the command-line
// overrides, updates the dynamic log level, and hands the new snapshot
// to the server. Errors during reload are logged but do not stop the
// daemon -- the previous configuration remains in effect.
func reloadConfig(
	flags cliFlags,
	logLevel *slog.LevelVar,
	srv *server.Server,
	logger *slog.Logger,
) {
	newCfg, err := loadConfig(flags.configPath, flags)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	// Update log level.
	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)
	if oldLevel != newLevel {
		logger.Info("log level updated",
			slog.String("old", oldLevel.String()),
			slog.String("new", newLevel.String()),
		)
	}

	srv.Reload(newCfg)
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown performs an orderly shutdown: signals systemd, stops
// the flight recorder, then drains the HTTP servers. The mediation
// server itself drains through context cancellation; its caches are
// persisted by Close once everything has returned.
//
// The parent context is already cancelled when this function is called.
// A fresh timeout context is created internally for server drain.
func gracefulShutdown(
	ctx context.Context,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	// Stop flight recorder.
	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	// Derive a fresh shutdown context from the parent (which is cancelled).
	// context.WithoutCancel detaches from the parent's cancellation so we
	// can enforce our own drain timeout.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Flight Recorder — Go 1.26 runtime/trace
// -------------------------------------------------------------------------

// startFlightRecorder initializes and starts the Go 1.26 FlightRecorder
// for post-mortem debugging of session stalls and command timeouts. The
// recorder maintains a rolling window of execution trace data that the
// ops server can dump on demand.
func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder",
			slog.String("error", err.Error()),
		)
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

// -------------------------------------------------------------------------
// Ops HTTP Server — metrics, health, debug
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener using the ListenConfig (for noctx
// compliance) and serves HTTP requests until the server is shut down.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newOpsServer creates the HTTP server carrying the Prometheus
// endpoint, a liveness probe, and the flight recorder dump. Served
// through h2c so HTTP/2 scrapers work over plaintext.
func newOpsServer(cfg config.ListenConfig, reg *prometheus.Registry, fr *trace.FlightRecorder) *http.Server {
	mux := http.NewServeMux()

	mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})

	mux.HandleFunc("/debug/flightrecorder", func(w http.ResponseWriter, _ *http.Request) {
		if fr == nil {
			http.Error(w, "flight recorder unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		if _, err := fr.WriteTo(w); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	return &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: opsReadHeaderTimeout,
	}
}

// -------------------------------------------------------------------------
// Config + Logging Setup
// -------------------------------------------------------------------------

// loadConfig loads configuration from a file path or returns defaults,
// then applies the command-line overrides on top.
func loadConfig(path string, flags cliFlags) (*config.Config, error) {
	var cfg *config.Config
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
	}

	if flags.cmdPort > 0 {
		cfg.Listen.CommandAddr = ":" + strconv.Itoa(flags.cmdPort)
	}
	if flags.trkPort > 0 {
		cfg.Listen.TrackerAddr = ":" + strconv.Itoa(flags.trkPort)
	}
	if flags.logFile != "" {
		cfg.Log.File = flags.logFile
	}
	if flags.verbose {
		cfg.Log.Level = "debug"
	}
	if flags.dataDir != "" {
		cfg.Paths.DataDir = flags.dataDir
	}
	if flags.dbDir != "" {
		cfg.Paths.DBDir = flags.dbDir
	}
	return cfg, nil
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload. When a log file is
// configured the returned closer releases it.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) (*slog.Logger, func() error, error) {
	out := io.Writer(os.Stdout)
	var closer func() error
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", cfg.File, err)
		}
		out = f
		closer = f.Close
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler), closer, nil
}

// -------------------------------------------------------------------------
// PID File
// -------------------------------------------------------------------------

// writePIDFile records the daemon pid for init scripts.
func writePIDFile(path string) error {
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(path, []byte(pid+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file %s: %w", path, err)
	}
	return nil
}

// removePIDFile deletes the pid file at shutdown.
func removePIDFile(path string, logger *slog.Logger) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("failed to remove pid file",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}
