package track

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tlundqvist/gotrack/internal/geo"
	"github.com/tlundqvist/gotrack/internal/preset"
	"github.com/tlundqvist/gotrack/internal/ratelimit"
)

// -------------------------------------------------------------------------
// Collaborator Interfaces
// -------------------------------------------------------------------------

// SerialGateway is the local USB fallback path for device commands.
// Exchange writes one framed command on the port at index and returns
// the device's reply line for tag, skipping unrelated serial traffic
// until ctx expires. Reset force-reopens a port after a wedged device.
// Implementations serialize exchanges per port.
type SerialGateway interface {
	Exchange(ctx context.Context, index int, frame []byte, tag int) ([]byte, error)
	Reset(index int) error
}

// Exporter renders stored location history in an interchange format.
type Exporter interface {
	Render(ctx context.Context, format string, q QuerySpec) ([]byte, error)
}

// Export formats accepted by db export.
const (
	ExportFormatCSV = "csv"
	ExportFormatGPX = "gpx"
)

// -------------------------------------------------------------------------
// Dispatcher Configuration
// -------------------------------------------------------------------------

// DispatcherConfig is a command client's tunables snapshot, taken when
// the worker is spawned.
type DispatcherConfig struct {
	// RequirePassword enables the Password: prompt; Password is the
	// shared secret it checks against.
	RequirePassword bool
	Password        string

	// IdleTimeout closes a client that issues nothing for this long.
	IdleTimeout time.Duration

	// EnableRaw permits device commands outside the known command table.
	EnableRaw bool

	// CommandTimeout bounds the wait for a tagged device reply;
	// DlrecTimeout replaces it for DLREC record downloads.
	CommandTimeout time.Duration
	DlrecTimeout   time.Duration

	// DataDir is the root for db export output files.
	DataDir string

	// ServerVersion is the .ver response.
	ServerVersion string
}

// DispatcherDeps bundles the shared collaborators command handling
// reaches. Nil optional collaborators degrade the commands that need
// them into an explanatory error line.
type DispatcherDeps struct {
	Table  *SlotTable
	Tags   *TagRegistry
	Serial SerialGateway

	Store    LocationStore
	Exporter Exporter
	Presets  *preset.Registry

	Nicknames *NicknameRegistry
	Pipeline  *Pipeline

	AddrCache *geo.AddressCache
	MapCache  *geo.MinimapCache
	GeoStats  *geo.Stats

	GeocodeLimiter *ratelimit.Limiter
	MapLimiter     *ratelimit.Limiter

	Stats  *ServerStats
	Logger *slog.Logger
}

const (
	// authAttempts is the number of password prompts before force-close.
	authAttempts = 3

	// passwordPrompt is written without a line terminator.
	passwordPrompt = "Password: "

	// authFailedLine answers a wrong password.
	authFailedLine = "Authentication failed."

	// clientWriteTimeout bounds one response write.
	clientWriteTimeout = 10 * time.Second

	// maxClientLineBytes caps one command line.
	maxClientLineBytes = 16 * 1024

	// dlrecCommand is the record download command with its own timeout
	// class.
	dlrecCommand = "DLREC"

	// defaultQueryLimit caps db query output when no limit is given.
	defaultQueryLimit = 100
)

// -------------------------------------------------------------------------
// Dispatcher
// -------------------------------------------------------------------------

// Dispatcher is one command connection's worker state. The worker
// goroutine owns the socket; commands from one client run strictly in
// issue order, one outstanding at a time.
type Dispatcher struct {
	slot *ClientSlot
	conn net.Conn
	cfg  DispatcherConfig

	table  *SlotTable
	tags   *TagRegistry
	serial SerialGateway

	store    LocationStore
	exporter Exporter
	presets  *preset.Registry

	nicknames *NicknameRegistry
	pipeline  *Pipeline

	addrCache *geo.AddressCache
	mapCache  *geo.MinimapCache
	geoStats  *geo.Stats

	geocodeLimiter *ratelimit.Limiter
	mapLimiter     *ratelimit.Limiter

	stats  *ServerStats
	logger *slog.Logger
}

// NewDispatcher creates the worker state for an accepted command
// connection occupying slot.
func NewDispatcher(slot *ClientSlot, cfg DispatcherConfig, deps DispatcherDeps) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stats := deps.Stats
	if stats == nil {
		stats = &ServerStats{}
	}
	tags := deps.Tags
	if tags == nil {
		tags = NewTagRegistry()
	}
	table := deps.Table
	if table == nil {
		table = NewSlotTable(1)
	}

	return &Dispatcher{
		slot:           slot,
		conn:           slot.conn,
		cfg:            cfg,
		table:          table,
		tags:           tags,
		serial:         deps.Serial,
		store:          deps.Store,
		exporter:       deps.Exporter,
		presets:        deps.Presets,
		nicknames:      deps.Nicknames,
		pipeline:       deps.Pipeline,
		addrCache:      deps.AddrCache,
		mapCache:       deps.MapCache,
		geoStats:       deps.GeoStats,
		geocodeLimiter: deps.GeocodeLimiter,
		mapLimiter:     deps.MapLimiter,
		stats:          stats,
		logger: logger.With(
			slog.String("component", "dispatcher"),
			slog.Int("slot", slot.index),
			slog.String("peer", slot.peer),
		),
	}
}

// -------------------------------------------------------------------------
// Worker Loop
// -------------------------------------------------------------------------

// Run authenticates the client and serves its command loop until the
// peer goes away, the idle timeout fires, or ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	defer func() {
		_ = d.conn.Close()
		d.logger.Info("command client disconnected")
	}()

	// Unblock a parked read when the supervisor cancels.
	stop := context.AfterFunc(ctx, func() { _ = d.conn.Close() })
	defer stop()

	d.logger.Info("command client connected")

	sc := bufio.NewScanner(d.conn)
	sc.Buffer(make([]byte, 0, 4096), maxClientLineBytes)

	if d.cfg.RequirePassword {
		if err := d.authenticate(sc); err != nil {
			d.logger.Warn("client rejected", slog.String("error", err.Error()))
			return
		}
		d.logger.Info("client authenticated")
	}

	if err := d.writeResponse(d.banner()); err != nil {
		return
	}

	for {
		if ctx.Err() != nil {
			d.logger.Info("command client cancelled")
			return
		}

		line, err := d.readLine(sc)
		if err != nil {
			d.logReadEnd(ctx, err)
			return
		}
		if line == "" {
			continue
		}

		quit, lines := d.execute(ctx, line)
		if err := d.writeResponse(lines); err != nil {
			d.logger.Warn("response write failed", slog.String("error", err.Error()))
			return
		}
		if quit {
			return
		}
	}
}

// authenticate runs the Password: prompt, allowing authAttempts tries.
func (d *Dispatcher) authenticate(sc *bufio.Scanner) error {
	for attempt := 1; attempt <= authAttempts; attempt++ {
		if err := d.writeRaw([]byte(passwordPrompt)); err != nil {
			return err
		}

		line, err := d.readLine(sc)
		if err != nil {
			return err
		}

		if subtle.ConstantTimeCompare([]byte(line), []byte(d.cfg.Password)) == 1 {
			return nil
		}

		d.stats.AuthFailuresTotal.Add(1)
		d.logger.Warn("authentication failed", slog.Int("attempt", attempt))
		if err := d.writeRaw([]byte(authFailedLine + "\r\n")); err != nil {
			return err
		}
	}
	return ErrAuthFailed
}

// readLine returns the next trimmed command line. One read never
// guarantees one line; the scanner buffers partial lines across reads.
// The read deadline implements the client idle timeout.
func (d *Dispatcher) readLine(sc *bufio.Scanner) (string, error) {
	_ = d.conn.SetReadDeadline(time.Now().Add(d.cfg.IdleTimeout))

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimSpace(sc.Text()), nil
}

// logReadEnd records why the read loop ended.
func (d *Dispatcher) logReadEnd(ctx context.Context, err error) {
	switch {
	case ctx.Err() != nil:
		d.logger.Info("command client cancelled")
	case errors.Is(err, io.EOF):
		d.logger.Info("peer closed connection")
	case errors.Is(err, os.ErrDeadlineExceeded):
		d.logger.Info("client idle timeout, disconnecting",
			slog.Duration("idle_timeout", d.cfg.IdleTimeout))
	default:
		d.logger.Warn("read failed", slog.String("error", err.Error()))
	}
}

// writeResponse sends a sequence of CRLF lines closed by one empty
// line, the response terminator clients read until.
func (d *Dispatcher) writeResponse(lines []string) error {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return d.writeRaw([]byte(b.String()))
}

// writeRaw writes bytes under the client write deadline.
func (d *Dispatcher) writeRaw(p []byte) error {
	_ = d.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	if _, err := d.conn.Write(p); err != nil {
		return fmt.Errorf("write to client: %w", err)
	}
	return nil
}

// banner greets an (authenticated) client.
func (d *Dispatcher) banner() []string {
	return []string{
		"gotrack command server " + d.cfg.ServerVersion,
		"type help for commands.",
	}
}

// -------------------------------------------------------------------------
// Command Parsing
// -------------------------------------------------------------------------

// execute runs one command line and returns its response lines. quit
// reports that the client asked to close.
func (d *Dispatcher) execute(ctx context.Context, line string) (quit bool, lines []string) {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(cmd) {
	case "exit", "quit":
		return true, []string{"bye."}
	case "help":
		return false, helpLines()
	case "get", "set", "do":
		return false, d.deviceCommand(ctx, strings.ToLower(cmd), rest)
	case "preset":
		return false, d.presetCommand(ctx, rest)
	case "db":
		return false, d.dbCommand(ctx, rest)
	}

	if strings.HasPrefix(cmd, ".") {
		return false, d.metaCommand(ctx, strings.ToLower(cmd), rest)
	}
	return false, []string{fmt.Sprintf("unknown command %q, try help.", cmd)}
}

// helpLines is the static help response.
func helpLines() []string {
	return []string{
		"device commands:",
		"  get <name>                query a device setting, e.g. get bat",
		"  set <name> <args>         change a device setting, e.g. set int 60",
		"  do <name> [args]          trigger a device action, e.g. do reset",
		"presets:",
		"  preset list               list available presets",
		"  preset show <name>        show a preset",
		"  preset use <name> [pin]   run a preset against the current target",
		"  preset refresh            re-read the preset directory",
		"database:",
		"  db size                                  stored record and byte counts",
		"  db query <devid> <from> <to> [limit]     list stored records",
		"  db delete <devid> <from> <to>            delete stored records",
		"  db export <csv|gpx> <devid> <from> <to>  export to a server-side file",
		"meta:",
		"  .use <devid>          target a connected tracker",
		"  .usb <n|reset>        target a local usb port, or reset it",
		"  .target               show the current target",
		"  .lc                   list connected clients",
		"  .ld                   list connected devices",
		"  .ln                   list device nicknames",
		"  .nick <devid> <name>  set a device nickname",
		"  .dn <devid>           delete a device nickname",
		"  .address <lat> <lon>  reverse geocode a coordinate",
		"  .cachestat            geo cache statistics",
		"  .ratereset            reset external-service rate limiters",
		"  .table                toggle unicode / ascii tables",
		"  .raw                  toggle device reply translation",
		"  .date                 server time",
		"  .ver                  server version",
		"  help                  this text",
		"  exit, quit            close the connection",
		"times are RFC 3339 or YYYY-MM-DD (UTC).",
	}
}

// -------------------------------------------------------------------------
// Meta Commands
// -------------------------------------------------------------------------

// metaCommand handles the .-prefixed local commands.
func (d *Dispatcher) metaCommand(ctx context.Context, cmd, rest string) []string {
	switch cmd {
	case ".use":
		return d.metaUse(rest)
	case ".usb":
		return d.metaUSB(rest)
	case ".target":
		return []string{"current target: " + d.slot.Target().String()}
	case ".lc":
		return d.listClients()
	case ".ld":
		return d.listDevices()
	case ".ln":
		return d.listNicknames()
	case ".nick":
		return d.metaNick(rest)
	case ".dn":
		return d.metaDeleteNick(rest)
	case ".address":
		return d.metaAddress(ctx, rest)
	case ".cachestat":
		return d.cacheStat()
	case ".ratereset":
		return d.rateReset()
	case ".table":
		if d.slot.ToggleUnicodeTables() {
			return []string{"table style: unicode"}
		}
		return []string{"table style: ascii"}
	case ".raw":
		if d.slot.ToggleTranslateReplies() {
			return []string{"device replies: translated"}
		}
		return []string{"device replies: raw"}
	case ".date":
		return []string{"server time: " + time.Now().UTC().Format(time.RFC3339)}
	case ".ver":
		return []string{d.cfg.ServerVersion}
	default:
		return []string{fmt.Sprintf("unknown command %q, try help.", cmd)}
	}
}

// metaUse retargets dispatch at a connected tracker.
func (d *Dispatcher) metaUse(rest string) []string {
	devid, err := parseDeviceID(rest)
	if err != nil {
		return []string{"usage: .use <device-id>"}
	}
	if _, ok := d.table.SessionByDevice(devid); !ok {
		return []string{fmt.Sprintf("device %d not connected.", devid)}
	}
	d.slot.SetDeviceTarget(devid)
	return []string{fmt.Sprintf("target set to device %d.", devid)}
}

// metaUSB retargets dispatch at a local serial port, or resets the
// currently targeted one.
func (d *Dispatcher) metaUSB(rest string) []string {
	if rest == "reset" {
		if d.serial == nil {
			return []string{"no usb serial adapter configured."}
		}
		t := d.slot.Target()
		if !t.IsUSB() {
			return []string{"current target is not a usb port."}
		}
		if err := d.serial.Reset(t.USBIndex); err != nil {
			return []string{fmt.Sprintf("usb%d reset failed: %s", t.USBIndex, err)}
		}
		return []string{fmt.Sprintf("usb%d reset.", t.USBIndex)}
	}

	index, err := strconv.Atoi(rest)
	if err != nil || index < 0 {
		return []string{"usage: .usb <port-index> | .usb reset"}
	}
	d.slot.SetUSBTarget(index)
	return []string{fmt.Sprintf("target set to usb%d.", index)}
}

// listClients renders the occupied slot table.
func (d *Dispatcher) listClients() []string {
	infos := d.table.Snapshot()

	rows := make([][]string, 0, len(infos))
	for _, in := range infos {
		device := "-"
		if in.DeviceID != 0 {
			device = strconv.FormatUint(uint64(in.DeviceID), 10)
		}
		rows = append(rows, []string{
			strconv.Itoa(in.Index),
			in.Role.String(),
			in.Peer,
			in.ConnectedAt.UTC().Format(time.DateTime),
			device,
		})
	}

	return RenderTable(
		[]string{"SLOT", "ROLE", "PEER", "CONNECTED", "DEVICE"},
		rows, d.slot.UnicodeTables(),
	)
}

// listDevices renders the connected trackers with session counters.
func (d *Dispatcher) listDevices() []string {
	var rows [][]string
	for _, in := range d.table.Snapshot() {
		if in.Role != RoleTracker {
			continue
		}

		device, nick, seen, kas, recs := "(unidentified)", "-", "-", "-", "-"
		if in.DeviceID != 0 {
			device = strconv.FormatUint(uint64(in.DeviceID), 10)
			if d.nicknames != nil {
				if n, ok := d.nicknames.Get(in.DeviceID); ok {
					nick = n
				}
			}
			if sess, ok := d.table.SessionByDevice(in.DeviceID); ok {
				seen = time.Since(sess.LastSeen()).Round(time.Second).String() + " ago"
				kas = strconv.FormatUint(sess.KeepAlives(), 10)
				recs = strconv.FormatUint(sess.Records(), 10)
			}
		}
		rows = append(rows, []string{device, nick, in.Peer, seen, kas, recs})
	}

	if len(rows) == 0 {
		return []string{"no devices connected."}
	}
	return RenderTable(
		[]string{"DEVICE", "NICK", "PEER", "LAST SEEN", "KEEPALIVES", "RECORDS"},
		rows, d.slot.UnicodeTables(),
	)
}

// listNicknames renders the nickname registry.
func (d *Dispatcher) listNicknames() []string {
	if d.nicknames == nil {
		return []string{"nickname registry not configured."}
	}

	entries := d.nicknames.All()
	if len(entries) == 0 {
		return []string{"no nicknames set."}
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{strconv.FormatUint(uint64(e.DeviceID), 10), e.Name})
	}
	return RenderTable([]string{"DEVICE", "NICKNAME"}, rows, d.slot.UnicodeTables())
}

// metaNick assigns a nickname and persists the registry.
func (d *Dispatcher) metaNick(rest string) []string {
	if d.nicknames == nil {
		return []string{"nickname registry not configured."}
	}

	idStr, name, _ := strings.Cut(rest, " ")
	name = strings.TrimSpace(name)
	devid, err := parseDeviceID(idStr)
	if err != nil || name == "" {
		return []string{"usage: .nick <device-id> <name>"}
	}

	d.nicknames.Set(devid, name)
	if err := d.nicknames.Save(); err != nil {
		d.logger.Warn("nickname save failed", slog.String("error", err.Error()))
		return []string{fmt.Sprintf("nickname set, but not persisted: %s", err)}
	}
	return []string{fmt.Sprintf("device %d is now %q.", devid, name)}
}

// metaDeleteNick removes a nickname and persists the registry.
func (d *Dispatcher) metaDeleteNick(rest string) []string {
	if d.nicknames == nil {
		return []string{"nickname registry not configured."}
	}

	devid, err := parseDeviceID(rest)
	if err != nil {
		return []string{"usage: .dn <device-id>"}
	}
	if !d.nicknames.Delete(devid) {
		return []string{fmt.Sprintf("no nickname for device %d.", devid)}
	}
	if err := d.nicknames.Save(); err != nil {
		d.logger.Warn("nickname save failed", slog.String("error", err.Error()))
	}
	return []string{fmt.Sprintf("nickname for device %d deleted.", devid)}
}

// metaAddress reverse geocodes a coordinate through the cache and rate
// limiter.
func (d *Dispatcher) metaAddress(ctx context.Context, rest string) []string {
	if d.pipeline == nil {
		return []string{"geocoder not configured."}
	}

	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return []string{"usage: .address <lat> <lon>"}
	}
	lat, errLat := strconv.ParseFloat(fields[0], 64)
	lon, errLon := strconv.ParseFloat(fields[1], 64)
	if errLat != nil || errLon != nil || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return []string{"usage: .address <lat> <lon>"}
	}

	addr, err := d.pipeline.ResolveAddress(ctx, lat, lon)
	if err != nil {
		return []string{err.Error()}
	}
	return []string{addr}
}

// cacheStat renders the geo cache counters.
func (d *Dispatcher) cacheStat() []string {
	if d.geoStats == nil {
		return []string{"cache statistics not available."}
	}
	gs := d.geoStats.Snapshot()

	addrLen, mapLen := 0, 0
	if d.addrCache != nil {
		addrLen = d.addrCache.Len()
	}
	if d.mapCache != nil {
		mapLen = d.mapCache.Len()
	}

	rows := [][]string{
		{"address cache entries", strconv.Itoa(addrLen)},
		{"address hits", strconv.FormatUint(gs.AddrHits, 10)},
		{"address misses", strconv.FormatUint(gs.AddrMisses, 10)},
		{"address evictions", strconv.FormatUint(gs.AddrEvictions, 10)},
		{"minimap cache entries", strconv.Itoa(mapLen)},
		{"minimap hits", strconv.FormatUint(gs.MapHits, 10)},
		{"minimap misses", strconv.FormatUint(gs.MapMisses, 10)},
		{"minimap evictions", strconv.FormatUint(gs.MapEvictions, 10)},
		{"geocoder calls", strconv.FormatUint(gs.GeocodeCalls, 10)},
		{"static map calls", strconv.FormatUint(gs.StaticMapCalls, 10)},
	}
	return RenderTable([]string{"STATISTIC", "VALUE"}, rows, d.slot.UnicodeTables())
}

// rateReset clears the external-service rate limiter spacing state.
func (d *Dispatcher) rateReset() []string {
	if d.geocodeLimiter == nil && d.mapLimiter == nil {
		return []string{"rate limiters not configured."}
	}
	if d.geocodeLimiter != nil {
		d.geocodeLimiter.Reset()
	}
	if d.mapLimiter != nil {
		d.mapLimiter.Reset()
	}
	return []string{"rate limiters reset."}
}

// -------------------------------------------------------------------------
// Device Command Dispatch
// -------------------------------------------------------------------------

// deviceCommand handles get/set/do: frame, dispatch to the current
// target, wait for the tagged reply, render.
func (d *Dispatcher) deviceCommand(ctx context.Context, verb, rest string) []string {
	name, argStr, _ := strings.Cut(rest, " ")
	name = strings.ToUpper(strings.TrimSpace(name))
	argStr = strings.TrimSpace(argStr)
	if name == "" {
		return []string{fmt.Sprintf("usage: %s <command>%s", verb, verbArgsHint(verb))}
	}

	var args []string
	switch verb {
	case "get":
		if argStr != "" {
			return []string{"get takes no arguments."}
		}
		args = []string{"?"}
	case "set":
		if argStr == "" {
			return []string{"set requires arguments."}
		}
		args = strings.Split(argStr, ",")
	case "do":
		if argStr != "" {
			args = strings.Split(argStr, ",")
		}
	}

	reply, err := d.sendCommand(ctx, name, args)
	if err != nil {
		return []string{err.Error()}
	}
	return d.renderReply(reply)
}

// verbArgsHint completes the usage line per dispatch verb.
func verbArgsHint(verb string) string {
	switch verb {
	case "set":
		return " <args>"
	case "do":
		return " [args]"
	default:
		return ""
	}
}

// sendCommand performs one framed command exchange with the client's
// current target and returns the parsed reply.
func (d *Dispatcher) sendCommand(ctx context.Context, name string, args []string) (DeviceReply, error) {
	if !d.cfg.EnableRaw && !KnownCommand(name) {
		return DeviceReply{}, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}

	target := d.slot.Target()
	if target.IsUSB() {
		return d.sendUSB(ctx, target, name, args)
	}
	return d.sendGPRS(ctx, target, name, args)
}

// timeoutFor returns the reply wait budget for a command class.
func (d *Dispatcher) timeoutFor(name string) time.Duration {
	if name == dlrecCommand {
		return d.cfg.DlrecTimeout
	}
	return d.cfg.CommandTimeout
}

// sendGPRS dispatches through a connected tracker session's
// write-serialized socket and waits on the tag's reply channel.
func (d *Dispatcher) sendGPRS(ctx context.Context, target Target, name string, args []string) (DeviceReply, error) {
	sess, ok := d.table.SessionByDevice(target.DeviceID)
	if !ok {
		return DeviceReply{}, fmt.Errorf("device %d: %w", target.DeviceID, ErrDeviceNotConnected)
	}

	tag, ch, err := d.tags.Allocate(target)
	if err != nil {
		return DeviceReply{}, err
	}
	defer d.tags.Release(target, tag)

	frame, err := BuildDeviceCommand(name, tag, args)
	if err != nil {
		return DeviceReply{}, err
	}

	d.stats.CommandsTotal.Add(1)
	d.logger.Debug("command dispatched",
		slog.String("target", target.String()),
		slog.String("name", name),
		slog.Int("tag", tag),
	)

	if err := sess.WriteCommand(ctx, frame); err != nil {
		d.logger.Warn("command write failed",
			slog.String("target", target.String()),
			slog.String("error", err.Error()),
		)
		return DeviceReply{}, ErrTargetUnreachable
	}

	timer := time.NewTimer(d.timeoutFor(name))
	defer timer.Stop()

	select {
	case reply, open := <-ch:
		if !open {
			// Session worker exited with this command outstanding.
			return DeviceReply{}, ErrTargetUnreachable
		}
		return reply, nil

	case <-timer.C:
		d.stats.CommandTimeoutsTotal.Add(1)
		d.logger.Warn("command timed out",
			slog.String("target", target.String()),
			slog.String("name", name),
			slog.Int("tag", tag),
		)
		return DeviceReply{}, ErrCommandTimeout

	case <-ctx.Done():
		return DeviceReply{}, ctx.Err()
	}
}

// sendUSB dispatches through the local serial adapter. The tag is
// still allocated so concurrent clients on one port get distinct tags.
func (d *Dispatcher) sendUSB(ctx context.Context, target Target, name string, args []string) (DeviceReply, error) {
	if d.serial == nil {
		return DeviceReply{}, errors.New("no usb serial adapter configured")
	}

	tag, _, err := d.tags.Allocate(target)
	if err != nil {
		return DeviceReply{}, err
	}
	defer d.tags.Release(target, tag)

	frame, err := BuildDeviceCommand(name, tag, args)
	if err != nil {
		return DeviceReply{}, err
	}

	d.stats.CommandsTotal.Add(1)
	d.logger.Debug("command dispatched",
		slog.String("target", target.String()),
		slog.String("name", name),
		slog.Int("tag", tag),
	)

	xctx, cancel := context.WithTimeout(ctx, d.timeoutFor(name))
	defer cancel()

	line, err := d.serial.Exchange(xctx, target.USBIndex, frame, tag)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			d.stats.CommandTimeoutsTotal.Add(1)
			return DeviceReply{}, ErrCommandTimeout
		}
		d.logger.Warn("usb exchange failed",
			slog.String("target", target.String()),
			slog.String("error", err.Error()),
		)
		return DeviceReply{}, fmt.Errorf("%s: %w", target, ErrTargetUnreachable)
	}

	reply, err := ParseDeviceReply(line)
	if err != nil {
		return DeviceReply{}, err
	}
	return reply, nil
}

// renderReply formats one device reply for the client, honoring the
// translation and table toggles.
func (d *Dispatcher) renderReply(reply DeviceReply) []string {
	if !reply.OK {
		code := strings.Join(reply.Args, ",")
		if text := TranslateErrorCode(code); text != "" {
			return []string{fmt.Sprintf("device error %s: %s", code, text)}
		}
		return []string{"device error: " + rawReplyLine(reply)}
	}

	if d.slot.TranslateReplies() {
		if fields, ok := TranslateReply(reply); ok {
			if len(fields) == 0 {
				return []string{"OK."}
			}
			rows := make([][]string, len(fields))
			for i, f := range fields {
				rows[i] = []string{f.Label, f.Value}
			}
			return RenderTable([]string{"FIELD", "VALUE"}, rows, d.slot.UnicodeTables())
		}
	}

	return []string{rawReplyLine(reply)}
}

// rawReplyLine rebuilds the wire form of a parsed reply.
func rawReplyLine(reply DeviceReply) string {
	prefix := replyErrPrefix
	if reply.OK {
		prefix = replyOKPrefix
	}
	return fmt.Sprintf("%s%s+%0*d=%s", prefix, reply.Name, tagDigits, reply.Tag,
		strings.Join(reply.Args, ","))
}

// -------------------------------------------------------------------------
// Preset Commands
// -------------------------------------------------------------------------

// presetCommand handles the preset list/show/use/refresh verbs.
func (d *Dispatcher) presetCommand(ctx context.Context, rest string) []string {
	if d.presets == nil {
		return []string{"preset registry not configured."}
	}

	verb, arg, _ := strings.Cut(rest, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(verb) {
	case "list":
		return d.presetList()
	case "show":
		return d.presetShow(arg)
	case "use":
		return d.presetUse(ctx, arg)
	case "refresh":
		if err := d.presets.Refresh(); err != nil {
			return []string{fmt.Sprintf("preset refresh failed: %s", err)}
		}
		return []string{fmt.Sprintf("%d presets loaded.", len(d.presets.List()))}
	default:
		return []string{"usage: preset list | show <name> | use <name> [pin] | refresh"}
	}
}

// presetList renders the preset names and short descriptions.
func (d *Dispatcher) presetList() []string {
	presets := d.presets.List()
	if len(presets) == 0 {
		return []string{"no presets available."}
	}

	rows := make([][]string, 0, len(presets))
	for _, p := range presets {
		rows = append(rows, []string{p.Name, p.Short})
	}
	return RenderTable([]string{"NAME", "DESCRIPTION"}, rows, d.slot.UnicodeTables())
}

// presetShow renders one preset's descriptions and command templates.
func (d *Dispatcher) presetShow(name string) []string {
	if name == "" {
		return []string{"usage: preset show <name>"}
	}
	p, ok := d.presets.Get(name)
	if !ok {
		return []string{fmt.Sprintf("unknown preset %q.", name)}
	}

	lines := []string{p.Name + ": " + p.Short}
	if p.Long != "" {
		lines = append(lines, p.Long)
	}
	lines = append(lines, "commands:")
	for _, c := range p.Commands {
		lines = append(lines, "  "+c)
	}
	return lines
}

// presetUse expands and issues a preset's commands in order against
// the current target, aborting on the first failure or device error.
func (d *Dispatcher) presetUse(ctx context.Context, arg string) []string {
	name, pin, _ := strings.Cut(arg, " ")
	pin = strings.TrimSpace(pin)
	if name == "" {
		return []string{"usage: preset use <name> [pin]"}
	}

	p, ok := d.presets.Get(name)
	if !ok {
		return []string{fmt.Sprintf("unknown preset %q.", name)}
	}

	vars := map[string]string{}
	if pin != "" {
		vars["PIN"] = pin
	}
	if t := d.slot.Target(); !t.IsUSB() {
		vars["DEVID"] = strconv.FormatUint(uint64(t.DeviceID), 10)
	}

	var lines []string
	for _, tmpl := range p.Commands {
		expanded, err := preset.Expand(tmpl, vars)
		if err != nil {
			return append(lines, err.Error(), "preset aborted.")
		}

		cmdName, args, err := splitPresetCommand(expanded)
		if err != nil {
			return append(lines, err.Error(), "preset aborted.")
		}

		lines = append(lines, "> "+expanded)
		reply, err := d.sendCommand(ctx, cmdName, args)
		if err != nil {
			return append(lines, err.Error(), "preset aborted.")
		}
		lines = append(lines, d.renderReply(reply)...)
		if !reply.OK {
			return append(lines, "preset aborted.")
		}
	}

	return append(lines, fmt.Sprintf("preset %s completed, %d commands.", p.Name, len(p.Commands)))
}

// splitPresetCommand parses one expanded $NAME=args template line.
func splitPresetCommand(line string) (string, []string, error) {
	line = strings.TrimPrefix(line, "$")
	name, argStr, _ := strings.Cut(line, "=")
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return "", nil, fmt.Errorf("bad preset command %q", line)
	}

	var args []string
	if argStr != "" {
		args = strings.Split(argStr, ",")
	}
	return name, args, nil
}

// -------------------------------------------------------------------------
// DB Commands
// -------------------------------------------------------------------------

// dbCommand handles the db size/query/delete/export verbs.
func (d *Dispatcher) dbCommand(ctx context.Context, rest string) []string {
	if d.store == nil {
		return []string{"location store not configured."}
	}

	verb, arg, _ := strings.Cut(rest, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(verb) {
	case "size":
		return d.dbSize(ctx)
	case "query":
		return d.dbQuery(ctx, arg)
	case "delete":
		return d.dbDelete(ctx, arg)
	case "export":
		return d.dbExport(ctx, arg)
	default:
		return []string{"usage: db size | query <devid> <from> <to> [limit] | delete <devid> <from> <to> | export <csv|gpx> <devid> <from> <to>"}
	}
}

// dbSize reports the stored record and byte counts.
func (d *Dispatcher) dbSize(ctx context.Context) []string {
	size, err := d.store.Size(ctx)
	if err != nil {
		return []string{fmt.Sprintf("db size failed: %s", err)}
	}
	return []string{
		fmt.Sprintf("location records: %d", size.Records),
		fmt.Sprintf("database bytes: %d", size.Bytes),
	}
}

// dbQuery lists stored records for a device and time range.
func (d *Dispatcher) dbQuery(ctx context.Context, arg string) []string {
	fields := strings.Fields(arg)
	if len(fields) != 3 && len(fields) != 4 {
		return []string{"usage: db query <devid> <from> <to> [limit]"}
	}

	spec, errLines := parseQueryArgs(fields[0], fields[1], fields[2])
	if errLines != nil {
		return errLines
	}
	spec.Limit = defaultQueryLimit
	if len(fields) == 4 {
		limit, err := strconv.Atoi(fields[3])
		if err != nil || limit < 1 {
			return []string{fmt.Sprintf("bad limit %q.", fields[3])}
		}
		spec.Limit = limit
	}

	records, err := d.store.Query(ctx, spec)
	if err != nil {
		return []string{fmt.Sprintf("db query failed: %s", err)}
	}
	if len(records) == 0 {
		return []string{"no records."}
	}

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			rec.Time.UTC().Format(time.DateTime),
			strconv.FormatFloat(rec.Lat, 'f', 6, 64),
			strconv.FormatFloat(rec.Lon, 'f', 6, 64),
			strconv.FormatFloat(rec.SpeedKmh, 'f', 1, 64),
			strconv.Itoa(rec.Heading),
			strconv.Itoa(rec.Satellites),
			rec.Event.String(),
			strconv.FormatFloat(rec.Voltage, 'f', 2, 64),
		})
	}

	lines := RenderTable(
		[]string{"TIME (UTC)", "LAT", "LON", "KM/H", "HDG", "SAT", "EVENT", "VOLT"},
		rows, d.slot.UnicodeTables(),
	)
	return append(lines, fmt.Sprintf("%d records.", len(records)))
}

// dbDelete removes stored records for a device and time range.
func (d *Dispatcher) dbDelete(ctx context.Context, arg string) []string {
	fields := strings.Fields(arg)
	if len(fields) != 3 {
		return []string{"usage: db delete <devid> <from> <to>"}
	}

	spec, errLines := parseQueryArgs(fields[0], fields[1], fields[2])
	if errLines != nil {
		return errLines
	}

	n, err := d.store.DeleteRange(ctx, spec.DeviceID, spec.From, spec.To)
	if err != nil {
		return []string{fmt.Sprintf("db delete failed: %s", err)}
	}
	return []string{fmt.Sprintf("deleted %d records.", n)}
}

// dbExport renders a device's history to a server-side file and
// reports the path. The command socket is a text channel; bytes stay
// on the server.
func (d *Dispatcher) dbExport(ctx context.Context, arg string) []string {
	if d.exporter == nil {
		return []string{"exporter not configured."}
	}

	fields := strings.Fields(arg)
	if len(fields) != 4 {
		return []string{"usage: db export <csv|gpx> <devid> <from> <to>"}
	}

	format := strings.ToLower(fields[0])
	if format != ExportFormatCSV && format != ExportFormatGPX {
		return []string{fmt.Sprintf("bad format %q, want csv or gpx.", fields[0])}
	}

	spec, errLines := parseQueryArgs(fields[1], fields[2], fields[3])
	if errLines != nil {
		return errLines
	}

	data, err := d.exporter.Render(ctx, format, spec)
	if err != nil {
		return []string{fmt.Sprintf("db export failed: %s", err)}
	}

	dir := filepath.Join(d.cfg.DataDir, "export")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return []string{fmt.Sprintf("db export failed: %s", err)}
	}

	path := filepath.Join(dir, exportFileName(format, spec))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return []string{fmt.Sprintf("db export failed: %s", err)}
	}

	d.logger.Info("history exported",
		slog.Uint64("device_id", uint64(spec.DeviceID)),
		slog.String("path", path),
		slog.Int("bytes", len(data)),
	)
	return []string{fmt.Sprintf("exported %d bytes to %s", len(data), path)}
}

// exportFileName builds a stable export file name from the query range.
const exportStampLayout = "20060102T150405Z"

func exportFileName(format string, spec QuerySpec) string {
	return fmt.Sprintf("gotrack_%d_%s-%s.%s",
		spec.DeviceID,
		spec.From.UTC().Format(exportStampLayout),
		spec.To.UTC().Format(exportStampLayout),
		format,
	)
}

// parseQueryArgs parses the devid/from/to triple shared by the db
// verbs. On failure the response lines explain the bad field.
func parseQueryArgs(idStr, fromStr, toStr string) (QuerySpec, []string) {
	devid, err := parseDeviceID(idStr)
	if err != nil {
		return QuerySpec{}, []string{fmt.Sprintf("bad device id %q.", idStr)}
	}

	from, err := parseTimeArg(fromStr)
	if err != nil {
		return QuerySpec{}, []string{err.Error()}
	}
	to, err := parseTimeArg(toStr)
	if err != nil {
		return QuerySpec{}, []string{err.Error()}
	}
	if !to.After(from) {
		return QuerySpec{}, []string{"<to> must be after <from>."}
	}

	return QuerySpec{DeviceID: devid, From: from, To: to}, nil
}

// parseTimeArg accepts RFC 3339 or a plain date taken as midnight UTC.
func parseTimeArg(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad time %q, want RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

// parseDeviceID parses a decimal device id; zero is reserved.
func parseDeviceID(s string) (uint32, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("bad device id %q", s)
	}
	return uint32(id), nil
}
