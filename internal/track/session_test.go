package track_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/tlundqvist/gotrack/internal/track"
)

// discardLogger silences worker logging in tests.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sinkFunc adapts a function to the RecordSink interface.
type sinkFunc func(ctx context.Context, rec track.LocationRecord)

func (f sinkFunc) HandleRecord(ctx context.Context, rec track.LocationRecord) { f(ctx, rec) }

// sessionEnv is a running session worker wired to an in-memory
// connection. device is the tracker's end of the pipe.
type sessionEnv struct {
	sess   *track.Session
	device net.Conn
	reader *bufio.Reader
	table  *track.SlotTable
	tags   *track.TagRegistry
	stats  *track.ServerStats
	done   chan struct{}
}

// startSession reserves a slot on an in-memory connection and runs its
// session worker. Zero-valued deps are filled with fresh defaults.
func startSession(t *testing.T, cfg track.SessionConfig, deps track.SessionDeps) *sessionEnv {
	t.Helper()

	server, device := net.Pipe()

	if deps.Table == nil {
		deps.Table = track.NewSlotTable(4)
	}
	if deps.Tags == nil {
		deps.Tags = track.NewTagRegistry()
	}
	if deps.Stats == nil {
		deps.Stats = &track.ServerStats{}
	}
	if deps.Logger == nil {
		deps.Logger = discardLogger()
	}

	slot, err := deps.Table.Reserve(track.RoleTracker, server)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	env := &sessionEnv{
		sess:   track.NewSession(slot, cfg, deps),
		device: device,
		reader: bufio.NewReader(device),
		table:  deps.Table,
		tags:   deps.Tags,
		stats:  deps.Stats,
		done:   make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(env.done)
		env.sess.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		_ = device.Close()
		select {
		case <-env.done:
		case <-time.After(5 * time.Second):
			t.Error("session worker did not stop")
		}
	})
	return env
}

// send writes raw tracker bytes; the write completes once the session
// has consumed them.
func (e *sessionEnv) send(t *testing.T, data string) {
	t.Helper()

	_ = e.device.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := e.device.Write([]byte(data)); err != nil {
		t.Fatalf("device write: %v", err)
	}
}

// readFrame returns the next server-to-tracker frame: an 8-byte
// keep-alive echo or one LF-terminated command line.
func (e *sessionEnv) readFrame(t *testing.T) []byte {
	t.Helper()

	_ = e.device.SetReadDeadline(time.Now().Add(2 * time.Second))

	first, err := e.reader.Peek(1)
	if err != nil {
		t.Fatalf("device peek: %v", err)
	}

	if first[0] == 0xD0 {
		buf := make([]byte, track.KeepAliveSize)
		if _, err := io.ReadFull(e.reader, buf); err != nil {
			t.Fatalf("device read echo: %v", err)
		}
		return buf
	}

	line, err := e.reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("device read line: %v", err)
	}
	return line
}

// waitDone fails the test when the session worker is still running
// after the timeout.
func (e *sessionEnv) waitDone(t *testing.T, timeout time.Duration) {
	t.Helper()

	select {
	case <-e.done:
	case <-time.After(timeout):
		t.Fatal("session worker still running")
	}
}

// keepAliveFrame builds one marshaled keep-alive frame.
func keepAliveFrame(t *testing.T, seq uint16, devid uint32) string {
	t.Helper()

	buf := make([]byte, track.KeepAliveSize)
	if _, err := track.MarshalKeepAlive(track.KeepAlive{Seq: seq, DeviceID: devid}, buf); err != nil {
		t.Fatalf("MarshalKeepAlive: %v", err)
	}
	return string(buf)
}

// locationLine builds one bare record line with the given event code.
func locationLine(devid uint32, event track.EventKind) string {
	rec := track.LocationRecord{
		DeviceID:   devid,
		Time:       time.Date(2014, 1, 7, 23, 25, 26, 0, time.UTC),
		Lon:        17.961028,
		Lat:        59.366470,
		SpeedKmh:   12,
		Heading:    90,
		Altitude:   25,
		Satellites: 7,
		Event:      event,
		Voltage:    4.2,
	}
	return string(rec.AppendWire(nil)) + "\r\n"
}

func TestSessionKeepAliveEchoAndIdentify(t *testing.T) {
	t.Parallel()

	const devid = 3000000001

	up := make(chan uint32, 1)
	env := startSession(t, track.SessionConfig{}, track.SessionDeps{
		Hooks: track.Hooks{
			TrackerUp: func(_ context.Context, id uint32, peer string) {
				if peer == "" {
					t.Error("up hook peer is empty")
				}
				up <- id
			},
		},
	})

	frame := keepAliveFrame(t, 17, devid)
	env.send(t, frame)

	echo := env.readFrame(t)
	if !bytes.Equal(echo, []byte(frame)) {
		t.Errorf("echo = %x, want %x", echo, frame)
	}

	if got := env.sess.DeviceID(); got != devid {
		t.Errorf("DeviceID() = %d, want %d", got, devid)
	}
	if got := env.sess.KeepAlives(); got != 1 {
		t.Errorf("KeepAlives() = %d, want 1", got)
	}
	if got := env.stats.KeepAlivesTotal.Load(); got != 1 {
		t.Errorf("KeepAlivesTotal = %d, want 1", got)
	}

	if sess, ok := env.table.SessionByDevice(devid); !ok || sess != env.sess {
		t.Error("session not bound under its device id")
	}

	select {
	case id := <-up:
		if id != devid {
			t.Errorf("up hook device id = %d, want %d", id, devid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("up hook not invoked")
	}
}

// TestSessionKeepAliveDeviceIDMismatch verifies the device id is
// learned once: a later keep-alive with a different id is echoed but
// does not rebind the session.
func TestSessionKeepAliveDeviceIDMismatch(t *testing.T) {
	t.Parallel()

	env := startSession(t, track.SessionConfig{}, track.SessionDeps{})

	env.send(t, keepAliveFrame(t, 1, 7))
	env.readFrame(t)
	env.send(t, keepAliveFrame(t, 2, 9))
	env.readFrame(t)

	if got := env.sess.DeviceID(); got != 7 {
		t.Errorf("DeviceID() = %d, want the first id 7", got)
	}
	if _, ok := env.table.SessionByDevice(9); ok {
		t.Error("mismatched keep-alive id was bound")
	}
	if _, ok := env.table.SessionByDevice(7); !ok {
		t.Error("original binding lost")
	}
}

func TestSessionLocationRecordToSink(t *testing.T) {
	t.Parallel()

	recs := make(chan track.LocationRecord, 4)
	env := startSession(t, track.SessionConfig{}, track.SessionDeps{
		Sink: sinkFunc(func(_ context.Context, rec track.LocationRecord) { recs <- rec }),
	})

	env.send(t, locationLine(3000000001, track.EventSOS))

	select {
	case rec := <-recs:
		if rec.DeviceID != 3000000001 {
			t.Errorf("DeviceID = %d, want 3000000001", rec.DeviceID)
		}
		if rec.Event != track.EventSOS {
			t.Errorf("Event = %v, want EventSOS", rec.Event)
		}
		if rec.Lat != 59.366470 || rec.Lon != 17.961028 {
			t.Errorf("position = %v, %v, want 59.366470, 17.961028", rec.Lat, rec.Lon)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("record did not reach the sink")
	}

	if got := env.sess.Records(); got != 1 {
		t.Errorf("Records() = %d, want 1", got)
	}
	if got := env.stats.RecordsTotal.Load(); got != 1 {
		t.Errorf("RecordsTotal = %d, want 1", got)
	}
}

// TestSessionLocationBatchPartial verifies a malformed record inside a
// batch is counted as a protocol error without dropping its siblings.
func TestSessionLocationBatchPartial(t *testing.T) {
	t.Parallel()

	recs := make(chan track.LocationRecord, 4)
	env := startSession(t, track.SessionConfig{}, track.SessionDeps{
		Sink: sinkFunc(func(_ context.Context, rec track.LocationRecord) { recs <- rec }),
	})

	good := strings.TrimSuffix(locationLine(3000000001, track.EventRec), "\r\n")
	env.send(t, "["+good+"\r\nnot,a,record\r\n"+good+"]")

	for i := 0; i < 2; i++ {
		select {
		case <-recs:
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d records, want 2", i)
		}
	}

	if got := env.stats.ProtocolErrorsTotal.Load(); got != 1 {
		t.Errorf("ProtocolErrorsTotal = %d, want 1", got)
	}
	if got := env.stats.RecordsTotal.Load(); got != 2 {
		t.Errorf("RecordsTotal = %d, want 2", got)
	}
}

func TestSessionReplyDelivery(t *testing.T) {
	t.Parallel()

	const devid = 42
	env := startSession(t, track.SessionConfig{}, track.SessionDeps{})

	env.send(t, keepAliveFrame(t, 1, devid))
	env.readFrame(t)

	target := track.DeviceTarget(devid)
	tag, ch, err := env.tags.Allocate(target)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer env.tags.Release(target, tag)
	if tag != 1 {
		t.Fatalf("tag = %d, want 1", tag)
	}

	env.send(t, "$OK:BAT+0001=4.20,1\r\n")

	select {
	case reply := <-ch:
		if !reply.OK || reply.Name != "BAT" || reply.Tag != 1 {
			t.Errorf("reply = %+v, want OK BAT tag 1", reply)
		}
		if len(reply.Args) != 2 || reply.Args[0] != "4.20" {
			t.Errorf("reply args = %v, want [4.20 1]", reply.Args)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply not delivered")
	}

	if got := env.stats.RepliesTotal.Load(); got != 1 {
		t.Errorf("RepliesTotal = %d, want 1", got)
	}
}

// TestSessionReplyWithoutWaiterDropped verifies an unsolicited reply is
// dropped without ending the session.
func TestSessionReplyWithoutWaiterDropped(t *testing.T) {
	t.Parallel()

	env := startSession(t, track.SessionConfig{}, track.SessionDeps{})

	env.send(t, keepAliveFrame(t, 1, 42))
	env.readFrame(t)

	env.send(t, "$OK:BAT+0042=4.20,1\r\n")

	// A keep-alive round trip after the reply proves it was processed
	// and the session is still serving.
	env.send(t, keepAliveFrame(t, 2, 42))
	env.readFrame(t)

	if got := env.stats.RepliesDroppedTotal.Load(); got != 1 {
		t.Errorf("RepliesDroppedTotal = %d, want 1", got)
	}
}

func TestSessionWriteCommand(t *testing.T) {
	t.Parallel()

	env := startSession(t, track.SessionConfig{}, track.SessionDeps{})

	frame, err := track.BuildDeviceCommand("BAT", 3, []string{"?"})
	if err != nil {
		t.Fatalf("BuildDeviceCommand: %v", err)
	}

	wrote := make(chan error, 1)
	go func() { wrote <- env.sess.WriteCommand(context.Background(), frame) }()

	if got := env.readFrame(t); string(got) != "$BAT+0003=?\r\n" {
		t.Errorf("frame on wire = %q, want %q", got, "$BAT+0003=?\r\n")
	}
	if err := <-wrote; err != nil {
		t.Errorf("WriteCommand: %v", err)
	}
}

func TestSessionWriteCommandAfterClose(t *testing.T) {
	t.Parallel()

	env := startSession(t, track.SessionConfig{}, track.SessionDeps{})

	_ = env.device.Close()
	env.waitDone(t, 3*time.Second)

	err := env.sess.WriteCommand(context.Background(), []byte("$VER+0001=?\r\n"))
	if !errors.Is(err, track.ErrSessionClosed) {
		t.Errorf("WriteCommand after close: err = %v, want ErrSessionClosed", err)
	}
}

// TestSessionCleanupFailsWaiters verifies a session ending with
// commands outstanding closes their reply channels, unbinds the device
// and fires the down hook.
func TestSessionCleanupFailsWaiters(t *testing.T) {
	t.Parallel()

	const devid = 42

	down := make(chan uint32, 1)
	env := startSession(t, track.SessionConfig{}, track.SessionDeps{
		Hooks: track.Hooks{
			TrackerDown: func(_ context.Context, id uint32, _ string) { down <- id },
		},
	})

	env.send(t, keepAliveFrame(t, 1, devid))
	env.readFrame(t)

	target := track.DeviceTarget(devid)
	_, ch, err := env.tags.Allocate(target)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	_ = env.device.Close()
	env.waitDone(t, 3*time.Second)

	if _, open := <-ch; open {
		t.Error("reply channel still open after session close")
	}
	if _, ok := env.table.SessionByDevice(devid); ok {
		t.Error("device still bound after session close")
	}

	select {
	case id := <-down:
		if id != devid {
			t.Errorf("down hook device id = %d, want %d", id, devid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("down hook not invoked")
	}
}

func TestSessionIdleTimeout(t *testing.T) {
	t.Parallel()

	env := startSession(t, track.SessionConfig{IdleTimeout: 100 * time.Millisecond},
		track.SessionDeps{})

	// No traffic at all: the first read tick notices the idle budget is
	// spent and the worker returns.
	env.waitDone(t, 4*time.Second)
}

// TestSessionDisconnectsAfterRepeatedGarbage verifies five consecutive
// unparseable frames end the session.
func TestSessionDisconnectsAfterRepeatedGarbage(t *testing.T) {
	t.Parallel()

	env := startSession(t, track.SessionConfig{}, track.SessionDeps{})

	for i := 0; i < 5; i++ {
		env.send(t, "XYZ\r\n")
	}

	env.waitDone(t, 4*time.Second)

	if got := env.stats.ProtocolErrorsTotal.Load(); got != 5 {
		t.Errorf("ProtocolErrorsTotal = %d, want 5", got)
	}
}

// TestSessionGarbageCounterResets verifies a well-formed frame resets
// the consecutive error budget.
func TestSessionGarbageCounterResets(t *testing.T) {
	t.Parallel()

	env := startSession(t, track.SessionConfig{}, track.SessionDeps{})

	for i := 0; i < 4; i++ {
		env.send(t, "XYZ\r\n")
	}
	env.send(t, keepAliveFrame(t, 1, 42))
	env.readFrame(t)
	for i := 0; i < 4; i++ {
		env.send(t, "XYZ\r\n")
	}

	// Still alive: eight errors total, never five in a row.
	env.send(t, keepAliveFrame(t, 2, 42))
	env.readFrame(t)

	if got := env.stats.ProtocolErrorsTotal.Load(); got != 8 {
		t.Errorf("ProtocolErrorsTotal = %d, want 8", got)
	}
}

// TestSessionGeofenceAutoTrack drives the full auto-track cycle: a
// geofence event starts position polling, the clear event stops it, and
// a second geofence event starts a fresh run.
func TestSessionGeofenceAutoTrack(t *testing.T) {
	t.Parallel()

	const devid = 3000000001

	env := startSession(t, track.SessionConfig{
		GfenTracking:    true,
		GfenInterval:    25 * time.Millisecond,
		GfenMaxDuration: 10 * time.Second,
	}, track.SessionDeps{})

	env.send(t, keepAliveFrame(t, 1, devid))
	env.readFrame(t)

	env.send(t, locationLine(devid, track.EventGeofence))

	poll := env.readFrame(t)
	if !bytes.HasPrefix(poll, []byte("$LOC+")) || !bytes.HasSuffix(poll, []byte("=?\r\n")) {
		t.Fatalf("poll frame = %q, want $LOC+TTTT=?", poll)
	}

	// Answer the poll so the loop returns to its ticker.
	env.send(t, "$OK:LOC+0001=59.366470,17.961028,0,0,7\r\n")

	env.send(t, locationLine(devid, track.EventGeofenceClear))
	env.send(t, locationLine(devid, track.EventGeofence))

	// Drain any in-flight polls until the echo proves both records were
	// processed.
	env.send(t, keepAliveFrame(t, 2, devid))
	for {
		frame := env.readFrame(t)
		if frame[0] == 0xD0 {
			break
		}
	}

	// The clear event ended the first run, so the second geofence event
	// started a second one.
	if got := env.stats.GfenAutoTracksTotal.Load(); got != 2 {
		t.Errorf("GfenAutoTracksTotal = %d, want 2", got)
	}
}

// TestSessionAutoTrackDisabled verifies geofence events do not poll
// when tracking is off.
func TestSessionAutoTrackDisabled(t *testing.T) {
	t.Parallel()

	env := startSession(t, track.SessionConfig{GfenTracking: false}, track.SessionDeps{})

	env.send(t, keepAliveFrame(t, 1, 42))
	env.readFrame(t)
	env.send(t, locationLine(42, track.EventGeofence))

	if got := env.stats.GfenAutoTracksTotal.Load(); got != 0 {
		t.Errorf("GfenAutoTracksTotal = %d, want 0", got)
	}

	_ = env.device.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, err := env.reader.ReadByte(); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("unexpected traffic while auto-track disabled, read err = %v", err)
	}
}
