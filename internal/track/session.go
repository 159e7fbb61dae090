package track

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// -------------------------------------------------------------------------
// Session Configuration
// -------------------------------------------------------------------------

// RecordSink consumes validated location records in arrival order.
// HandleRecord runs on the session goroutine, so implementations bound
// their own blocking steps.
type RecordSink interface {
	HandleRecord(ctx context.Context, rec LocationRecord)
}

// SessionConfig is a session's tunables snapshot, taken when the worker
// is spawned. Reload does not reach into running sessions.
type SessionConfig struct {
	// IdleTimeout closes the session after this much silence.
	IdleTimeout time.Duration

	// DeviceZone interprets record timestamps. Nil means UTC.
	DeviceZone *time.Location

	// GfenTracking enables synthetic position polling after a geofence
	// event, at GfenInterval, for at most GfenMaxDuration.
	GfenTracking    bool
	GfenInterval    time.Duration
	GfenMaxDuration time.Duration
}

// SessionDeps bundles the shared collaborators a session publishes to.
type SessionDeps struct {
	Table *SlotTable
	Tags  *TagRegistry
	Sink  RecordSink
	Stats *ServerStats
	Hooks Hooks

	Logger *slog.Logger
}

const (
	// readTick is the read-deadline granularity. Each expiry re-checks
	// idle time and supervisor cancellation.
	readTick = 1 * time.Second

	// sessionWriteTimeout bounds one socket write (echo or command).
	sessionWriteTimeout = 10 * time.Second

	// maxConsecutiveProtocolErrors disconnects a session that keeps
	// sending garbage.
	maxConsecutiveProtocolErrors = 5

	// maxPendingBytes caps the framing buffer. A partial frame that
	// grows past this is treated as a protocol error and discarded.
	maxPendingBytes = 64 * 1024

	// readBufSize is the per-read buffer size.
	readBufSize = 4096

	// hookTimeout bounds one lifecycle hook invocation.
	hookTimeout = 10 * time.Second

	// autoTrackCommand is the synthetic position poll sent while
	// auto-tracking after a geofence event.
	autoTrackCommand = "LOC"

	// autoTrackReplyTimeout bounds the wait for the poll's delivery
	// confirmation. The fresh position enters through the read path.
	autoTrackReplyTimeout = 30 * time.Second
)

// -------------------------------------------------------------------------
// Session
// -------------------------------------------------------------------------

// Session is one tracker connection's worker state. The worker
// goroutine owns all reads; writes (keep-alive echoes and dispatched
// commands) are serialized by the write lock and may come from any
// goroutine.
type Session struct {
	slot   *ClientSlot
	conn   net.Conn
	cfg    SessionConfig
	table  *SlotTable
	tags   *TagRegistry
	sink   RecordSink
	stats  *ServerStats
	hooks  Hooks
	logger *slog.Logger

	// writeMu serializes all socket writes.
	writeMu sync.Mutex

	closed atomic.Bool

	// deviceID is learned from the first keep-alive and never changes.
	deviceID atomic.Uint32

	// lastSeen is the unix-nano time of the last received traffic.
	lastSeen atomic.Int64

	keepAlives atomic.Uint64
	records    atomic.Uint64

	// gfenMu guards the auto-track run; at most one loop is active.
	gfenMu  sync.Mutex
	gfenRun *autoTrackRun
	gfenWG  sync.WaitGroup
}

// autoTrackRun identifies one auto-track loop so a finished loop only
// clears its own registration.
type autoTrackRun struct {
	cancel context.CancelFunc
}

// NewSession creates the worker state for an accepted tracker
// connection occupying slot.
func NewSession(slot *ClientSlot, cfg SessionConfig, deps SessionDeps) *Session {
	if cfg.DeviceZone == nil {
		cfg.DeviceZone = time.UTC
	}

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

	return &Session{
		slot:  slot,
		conn:  slot.conn,
		cfg:   cfg,
		table: table,
		tags:  tags,
		sink:  deps.Sink,
		stats: stats,
		hooks: deps.Hooks,
		logger: logger.With(
			slog.String("component", "session"),
			slog.Int("slot", slot.index),
			slog.String("peer", slot.peer),
		),
	}
}

// DeviceID returns the learned device id, zero before the first
// keep-alive.
func (s *Session) DeviceID() uint32 { return s.deviceID.Load() }

// LastSeen returns the time of the last received traffic.
func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

// KeepAlives returns the number of keep-alive frames echoed.
func (s *Session) KeepAlives() uint64 { return s.keepAlives.Load() }

// Records returns the number of accepted location records.
func (s *Session) Records() uint64 { return s.records.Load() }

// touch marks received traffic for idle accounting.
func (s *Session) touch() { s.lastSeen.Store(time.Now().UnixNano()) }

// -------------------------------------------------------------------------
// Command Write Path
// -------------------------------------------------------------------------

// WriteCommand sends a framed device command on the tracker socket,
// serialized against keep-alive echoes. Safe to call from dispatcher
// goroutines.
func (s *Session) WriteCommand(ctx context.Context, frame []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("write command: %w", ErrSessionClosed)
	}

	deadline := time.Now().Add(sessionWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(deadline)
	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Worker Loop
// -------------------------------------------------------------------------

// Run reads and processes tracker traffic until the peer goes away, the
// idle timeout fires, five consecutive protocol errors accumulate, or
// ctx is cancelled. Reads run under a short deadline so idle time and
// cancellation are re-checked at least once per tick.
func (s *Session) Run(ctx context.Context) {
	defer s.cleanup(ctx)

	s.logger.Info("tracker session started")
	s.touch()

	var pending []byte
	buf := make([]byte, readBufSize)
	consecErrs := 0

	for {
		if ctx.Err() != nil {
			s.logger.Info("tracker session cancelled")
			return
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(readTick))
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.touch()
			pending = append(pending, buf[:n]...)
			pending = s.processPending(ctx, pending, &consecErrs)
		}

		switch {
		case err == nil:
		case errors.Is(err, os.ErrDeadlineExceeded):
			// Idle tick; fall through to the idle check.
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			s.logger.Info("peer closed connection")
			return
		default:
			s.logger.Warn("read failed", slog.String("error", err.Error()))
			return
		}

		if len(pending) > maxPendingBytes {
			s.protocolError(pending, errors.New("frame exceeds buffer cap"))
			pending = nil
			consecErrs++
		}

		if consecErrs >= maxConsecutiveProtocolErrors {
			s.logger.Warn("too many consecutive protocol errors, disconnecting",
				slog.Int("count", consecErrs))
			return
		}

		if s.cfg.IdleTimeout > 0 && time.Since(s.LastSeen()) > s.cfg.IdleTimeout {
			s.logger.Info("idle timeout, disconnecting",
				slog.Duration("idle_timeout", s.cfg.IdleTimeout))
			return
		}
	}
}

// processPending consumes every complete frame in pending and returns
// the unconsumed tail. consecErrs counts protocol errors since the last
// well-formed frame.
func (s *Session) processPending(ctx context.Context, pending []byte, consecErrs *int) []byte {
	for {
		kind, frame, rest := nextFrame(pending)
		switch kind {
		case frameIncomplete:
			return pending

		case frameKeepAlive:
			s.handleKeepAlive(ctx, frame)
			*consecErrs = 0

		case frameLocation:
			good, bad := s.handleLocation(ctx, frame)
			if bad > 0 {
				*consecErrs += bad
			} else if good > 0 {
				*consecErrs = 0
			}

		case frameReply:
			if s.handleReply(frame) {
				*consecErrs = 0
			} else {
				*consecErrs++
			}

		case frameBad:
			s.protocolError(frame, errors.New("unrecognized frame"))
			*consecErrs++
		}
		pending = rest
	}
}

// cleanup tears the session down: stops auto-tracking, wakes command
// waiters, unregisters the device, and fires the down hook.
func (s *Session) cleanup(ctx context.Context) {
	s.closed.Store(true)
	s.stopAutoTrack("session closing")
	s.gfenWG.Wait()

	devid := s.deviceID.Load()
	if devid != 0 {
		s.table.UnbindDevice(devid, s)

		// Waiters parked on outstanding tags see their channel close as
		// a transport error.
		s.tags.FailTarget(DeviceTarget(devid))

		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hookTimeout)
		defer cancel()
		s.hooks.trackerDown(hctx, devid, s.slot.peer)
	}

	_ = s.conn.Close()

	s.logger.Info("tracker session closed",
		slog.Uint64("device_id", uint64(devid)),
		slog.Uint64("keepalives", s.keepAlives.Load()),
		slog.Uint64("records", s.records.Load()),
	)
}

// -------------------------------------------------------------------------
// Frame Classification
// -------------------------------------------------------------------------

// frameKind classifies the leading bytes of the pending buffer.
type frameKind uint8

const (
	frameIncomplete frameKind = iota
	frameKeepAlive
	frameLocation
	frameReply
	frameBad
)

// nextFrame extracts the first complete frame from buf. Keep-alives are
// fixed 8-byte frames; replies and bare records run to CRLF; bracketed
// batches run to the closing bracket. frameBad consumes the whole
// buffer since no later boundary can be trusted.
func nextFrame(buf []byte) (frameKind, []byte, []byte) {
	if len(buf) == 0 {
		return frameIncomplete, nil, buf
	}

	switch {
	case buf[0] == keepAliveHeader0:
		if len(buf) >= 2 && buf[1] != keepAliveHeader1 {
			return frameBad, buf, nil
		}
		if len(buf) < KeepAliveSize {
			return frameIncomplete, nil, buf
		}
		return frameKeepAlive, buf[:KeepAliveSize], buf[KeepAliveSize:]

	case buf[0] == '$':
		line, rest, ok := cutLine(buf)
		if !ok {
			return frameIncomplete, nil, buf
		}
		return frameReply, line, rest

	case buf[0] == '[':
		end := bytes.IndexByte(buf, ']')
		if end < 0 {
			return frameIncomplete, nil, buf
		}
		return frameLocation, buf[:end+1], bytes.TrimPrefix(buf[end+1:], []byte("\r\n"))

	case buf[0] >= '0' && buf[0] <= '9':
		line, rest, ok := cutLine(buf)
		if !ok {
			return frameIncomplete, nil, buf
		}
		return frameLocation, line, rest

	default:
		return frameBad, buf, nil
	}
}

// cutLine splits buf at the first CRLF.
func cutLine(buf []byte) (line, rest []byte, ok bool) {
	i := bytes.Index(buf, []byte("\r\n"))
	if i < 0 {
		return nil, buf, false
	}
	return buf[:i], buf[i+2:], true
}

// -------------------------------------------------------------------------
// Keep-Alive Handling
// -------------------------------------------------------------------------

// handleKeepAlive echoes the frame byte for byte and learns the device
// id from the first one.
func (s *Session) handleKeepAlive(ctx context.Context, frame []byte) {
	var ka KeepAlive
	if err := UnmarshalKeepAlive(frame, &ka); err != nil {
		s.protocolError(frame, err)
		return
	}

	s.keepAlives.Add(1)
	s.stats.KeepAlivesTotal.Add(1)
	s.learnDevice(ctx, ka.DeviceID)

	s.writeMu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
	_, err := s.conn.Write(frame)
	s.writeMu.Unlock()

	if err != nil {
		s.logger.Warn("keep-alive echo failed", slog.String("error", err.Error()))
		return
	}

	s.logger.Debug("keep-alive echoed",
		slog.Int("seq", int(ka.Seq)),
		slog.Uint64("device_id", uint64(ka.DeviceID)),
	)
}

// learnDevice records the device id from the first keep-alive, binds
// the session in the slot table, and fires the up hook. The id never
// changes afterwards; a mismatch is logged and ignored.
func (s *Session) learnDevice(ctx context.Context, devid uint32) {
	if devid == 0 {
		return
	}

	if s.deviceID.CompareAndSwap(0, devid) {
		s.slot.setDeviceID(devid)
		s.table.BindDevice(devid, s)
		s.logger.Info("tracker identified", slog.Uint64("device_id", uint64(devid)))

		hctx, cancel := context.WithTimeout(ctx, hookTimeout)
		defer cancel()
		s.hooks.trackerUp(hctx, devid, s.slot.peer)
		return
	}

	if cur := s.deviceID.Load(); cur != devid {
		s.logger.Warn("keep-alive device id mismatch",
			slog.Uint64("device_id", uint64(cur)),
			slog.Uint64("got", uint64(devid)),
		)
	}
}

// -------------------------------------------------------------------------
// Location Handling
// -------------------------------------------------------------------------

// handleLocation parses a location payload and hands each valid record
// to the sink in order. Geofence events start and stop auto-tracking.
func (s *Session) handleLocation(ctx context.Context, frame []byte) (good, bad int) {
	records, errs := ParseLocationPayload(frame, s.cfg.DeviceZone)

	for _, err := range errs {
		s.protocolError(frame, err)
	}

	for i := range records {
		s.records.Add(1)
		s.stats.RecordsTotal.Add(1)

		if s.sink != nil {
			s.sink.HandleRecord(ctx, records[i])
		}

		switch records[i].Event {
		case EventGeofence:
			s.startAutoTrack(ctx)
		case EventGeofenceClear:
			s.stopAutoTrack("out-of-fence event")
		}
	}

	return len(records), len(errs)
}

// -------------------------------------------------------------------------
// Reply Handling
// -------------------------------------------------------------------------

// handleReply routes a tagged device reply to its registered waiter.
// Delivery never blocks; a reply nobody waits for is dropped.
func (s *Session) handleReply(line []byte) bool {
	reply, err := ParseDeviceReply(line)
	if err != nil {
		s.protocolError(line, err)
		return false
	}

	s.stats.RepliesTotal.Add(1)

	devid := s.deviceID.Load()
	if devid == 0 {
		s.stats.RepliesDroppedTotal.Add(1)
		s.logger.Debug("reply before device id learned, dropped",
			slog.String("name", reply.Name),
			slog.Int("tag", reply.Tag),
		)
		return true
	}

	if !s.tags.Deliver(DeviceTarget(devid), reply) {
		s.stats.RepliesDroppedTotal.Add(1)
		s.logger.Debug("no waiter registered for reply",
			slog.String("name", reply.Name),
			slog.Int("tag", reply.Tag),
		)
	}
	return true
}

// protocolError logs malformed traffic with a truncated sample.
func (s *Session) protocolError(data []byte, err error) {
	s.stats.ProtocolErrorsTotal.Add(1)
	s.logger.Warn("protocol error",
		slog.String("error", err.Error()),
		slog.String("data", truncateForLog(data)),
	)
}

// logSampleMax caps the bytes quoted in protocol error logs.
const logSampleMax = 64

// truncateForLog quotes at most logSampleMax bytes of data.
func truncateForLog(data []byte) string {
	if len(data) > logSampleMax {
		return fmt.Sprintf("%q...", data[:logSampleMax])
	}
	return fmt.Sprintf("%q", data)
}

// -------------------------------------------------------------------------
// Geofence Auto-Tracking
// -------------------------------------------------------------------------

// startAutoTrack begins synthetic position polling after a geofence
// event. One loop per session; a second event while tracking is a
// no-op. The loop stops on the out-of-fence event, the configured
// maximum duration, or session close.
func (s *Session) startAutoTrack(ctx context.Context) {
	if !s.cfg.GfenTracking {
		return
	}
	devid := s.deviceID.Load()
	if devid == 0 {
		s.logger.Debug("geofence event before device id learned, not auto-tracking")
		return
	}

	s.gfenMu.Lock()
	defer s.gfenMu.Unlock()

	if s.gfenRun != nil {
		return
	}

	actx, cancel := context.WithTimeout(ctx, s.cfg.GfenMaxDuration)
	run := &autoTrackRun{cancel: cancel}
	s.gfenRun = run

	s.stats.GfenAutoTracksTotal.Add(1)
	s.logger.Info("geofence crossed, auto-tracking",
		slog.Duration("interval", s.cfg.GfenInterval),
		slog.Duration("max_duration", s.cfg.GfenMaxDuration),
	)

	s.gfenWG.Add(1)
	go s.autoTrackLoop(actx, run, devid)
}

// stopAutoTrack cancels the running auto-track loop, if any.
func (s *Session) stopAutoTrack(reason string) {
	s.gfenMu.Lock()
	defer s.gfenMu.Unlock()

	if s.gfenRun == nil {
		return
	}
	s.gfenRun.cancel()
	s.gfenRun = nil
	s.logger.Info("auto-tracking stopped", slog.String("reason", reason))
}

// autoTrackLoop polls the device position until its context ends.
func (s *Session) autoTrackLoop(ctx context.Context, run *autoTrackRun, devid uint32) {
	defer s.gfenWG.Done()
	defer func() {
		run.cancel()
		s.gfenMu.Lock()
		if s.gfenRun == run {
			s.gfenRun = nil
		}
		s.gfenMu.Unlock()
	}()

	ticker := time.NewTicker(s.cfg.GfenInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollPosition(ctx, devid)
		}
	}
}

// pollPosition sends one synthetic position query. The tagged reply
// only confirms delivery and is logged; the fresh location record the
// tracker emits arrives through the normal read path.
func (s *Session) pollPosition(ctx context.Context, devid uint32) {
	target := DeviceTarget(devid)

	tag, ch, err := s.tags.Allocate(target)
	if err != nil {
		s.logger.Warn("auto-track poll", slog.String("error", err.Error()))
		return
	}
	defer s.tags.Release(target, tag)

	frame, err := BuildDeviceCommand(autoTrackCommand, tag, []string{"?"})
	if err != nil {
		s.logger.Warn("auto-track poll", slog.String("error", err.Error()))
		return
	}

	if err := s.WriteCommand(ctx, frame); err != nil {
		s.logger.Warn("auto-track poll", slog.String("error", err.Error()))
		return
	}

	timer := time.NewTimer(autoTrackReplyTimeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ch:
		if ok {
			s.logger.Debug("auto-track poll answered", slog.Bool("ok", reply.OK))
		}
	case <-timer.C:
		s.logger.Debug("auto-track poll unanswered", slog.Int("tag", tag))
	case <-ctx.Done():
	}
}
