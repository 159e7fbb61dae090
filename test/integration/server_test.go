//go:build integration

package integration_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tlundqvist/gotrack/internal/config"
	"github.com/tlundqvist/gotrack/internal/server"
	"github.com/tlundqvist/gotrack/internal/track"
)

// -------------------------------------------------------------------------
// Environment — an assembled server on loopback listeners
// -------------------------------------------------------------------------

// captureNotifier records delivered events in place of the SMTP relay.
type captureNotifier struct {
	mu     sync.Mutex
	events []track.Event
}

func (n *captureNotifier) SendEvent(_ context.Context, ev track.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *captureNotifier) sent() []track.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]track.Event(nil), n.events...)
}

type stubGeocoder struct{}

func (stubGeocoder) Reverse(context.Context, float64, float64) (string, error) {
	return "Kungsgatan 1, Stockholm", nil
}

type stubMaps struct{}

func (stubMaps) Fetch(context.Context, float64, float64, int, int, int) ([]byte, error) {
	return []byte("\x89PNG fake"), nil
}

type stubSerial struct{}

func (stubSerial) Exchange(context.Context, int, []byte, int) ([]byte, error) {
	return nil, errors.New("no serial ports in tests")
}

func (stubSerial) Reset(int) error { return nil }

// trackEnv bundles a served gotrack instance and its fake external
// collaborators. This is the in-process equivalent of a deployed
// daemon, minus SMTP, Google, and USB hardware.
type trackEnv struct {
	srv      *server.Server
	cfg      *config.Config
	notifier *captureNotifier
}

// newTrackEnv assembles and serves a server on loopback listeners.
// mutate functions adjust the configuration before assembly.
func newTrackEnv(t *testing.T, mutate ...func(*config.Config)) *trackEnv {
	t.Helper()

	tmp := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Listen.CommandAddr = "127.0.0.1:0"
	cfg.Listen.TrackerAddr = "127.0.0.1:0"
	cfg.Paths.DataDir = tmp
	cfg.Paths.DBDir = filepath.Join(tmp, "db")
	cfg.Paths.PresetDir = filepath.Join(tmp, "presets")
	if err := os.MkdirAll(cfg.Paths.PresetDir, 0o755); err != nil {
		t.Fatalf("mkdir presets: %v", err)
	}
	for _, fn := range mutate {
		fn(cfg)
	}

	notifier := &captureNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := server.New(context.Background(), cfg, logger,
		server.WithNotifier(notifier),
		server.WithGeocoder(stubGeocoder{}),
		server.WithMapFetcher(stubMaps{}),
		server.WithSerialGateway(stubSerial{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Listen(context.Background()); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-runErr:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("Run did not return after cancel")
		}
		if err := srv.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	return &trackEnv{srv: srv, cfg: cfg, notifier: notifier}
}

// -------------------------------------------------------------------------
// Socket helpers
// -------------------------------------------------------------------------

func dialAddr(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	return conn
}

func dialTracker(t *testing.T, env *trackEnv) net.Conn {
	t.Helper()
	return dialAddr(t, env.srv.TrackerAddr())
}

// identify sends one keep-alive frame and checks the byte-for-byte echo.
func identify(t *testing.T, conn net.Conn, seq uint16, devid uint32) {
	t.Helper()

	frame := make([]byte, track.KeepAliveSize)
	if _, err := track.MarshalKeepAlive(track.KeepAlive{Seq: seq, DeviceID: devid}, frame); err != nil {
		t.Fatalf("marshal keep-alive: %v", err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write keep-alive: %v", err)
	}

	echo := make([]byte, track.KeepAliveSize)
	if _, err := io.ReadFull(conn, echo); err != nil {
		t.Fatalf("read keep-alive echo: %v", err)
	}
	if !bytes.Equal(echo, frame) {
		t.Fatalf("echo = %x, want %x", echo, frame)
	}
}

// commandSession is one open operator connection.
type commandSession struct {
	conn net.Conn
	br   *bufio.Reader
}

func openCommand(t *testing.T, env *trackEnv) *commandSession {
	t.Helper()

	conn := dialAddr(t, env.srv.CommandAddr())
	return &commandSession{conn: conn, br: bufio.NewReader(conn)}
}

func (cs *commandSession) send(t *testing.T, line string) {
	t.Helper()
	if _, err := fmt.Fprintf(cs.conn, "%s\r\n", line); err != nil {
		t.Fatalf("send %q: %v", line, err)
	}
}

// readBlock reads one response: lines up to the empty terminator line.
func (cs *commandSession) readBlock(t *testing.T) []string {
	t.Helper()

	var lines []string
	for {
		raw, err := cs.br.ReadString('\n')
		if err != nil {
			t.Fatalf("read response: %v (got %q so far)", err, lines)
		}
		line := strings.TrimRight(raw, "\r\n")
		if line == "" {
			return lines
		}
		lines = append(lines, line)
	}
}

// readBanner consumes the greeting block and sanity-checks it.
func (cs *commandSession) readBanner(t *testing.T) {
	t.Helper()

	banner := cs.readBlock(t)
	if len(banner) != 2 || !strings.HasPrefix(banner[0], "gotrack command server ") {
		t.Fatalf("banner = %q", banner)
	}
}

// pollRecordCount reissues db size until the store holds want records.
func pollRecordCount(t *testing.T, cs *commandSession, want int) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	target := fmt.Sprintf("location records: %d", want)
	for {
		cs.send(t, "db size")
		block := cs.readBlock(t)
		if len(block) > 0 && block[0] == target {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("store never reached %d records, last response %q", want, block)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func containsRow(lines []string, substrings ...string) bool {
	for _, line := range lines {
		ok := true
		for _, sub := range substrings {
			if !strings.Contains(line, sub) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// -------------------------------------------------------------------------
// Tests
// -------------------------------------------------------------------------

// TestServerTrackerToQueryFlow walks the primary data path: a tracker
// identifies, reports positions bare and batched, and an operator
// queries, limits, and deletes the stored history over the command
// socket.
func TestServerTrackerToQueryFlow(t *testing.T) {
	env := newTrackEnv(t)

	tracker := dialTracker(t, env)
	identify(t, tracker, 1, 77)

	bare := "77,20240107120000,17.961028,59.366470,12,90,25,7,0,4.20V,0\r\n"
	batch := "[77,20240107120500,17.962000,59.367000,15,95,26,8,2,4.19V,0\r\n" +
		"77,20240107121000,17.963000,59.368000,18,100,27,8,0,4.18V,0]\r\n"
	if _, err := tracker.Write([]byte(bare + batch)); err != nil {
		t.Fatalf("write records: %v", err)
	}

	cs := openCommand(t, env)
	cs.readBanner(t)
	pollRecordCount(t, cs, 3)

	// Query the full day.
	cs.send(t, "db query 77 2024-01-07 2024-01-08")
	block := cs.readBlock(t)
	if len(block) == 0 || block[len(block)-1] != "3 records." {
		t.Fatalf("query response = %q, want 3 records", block)
	}
	if !containsRow(block, "2024-01-07 12:00:00", "59.366470", "17.961028") {
		t.Errorf("query response missing the bare record: %q", block)
	}

	// Limit caps the result.
	cs.send(t, "db query 77 2024-01-07 2024-01-08 1")
	block = cs.readBlock(t)
	if len(block) == 0 || block[len(block)-1] != "1 records." {
		t.Errorf("limited query response = %q, want 1 record", block)
	}

	// Delete and verify.
	cs.send(t, "db delete 77 2024-01-07 2024-01-08")
	block = cs.readBlock(t)
	if len(block) != 1 || block[0] != "deleted 3 records." {
		t.Fatalf("delete response = %q", block)
	}

	cs.send(t, "db query 77 2024-01-07 2024-01-08")
	block = cs.readBlock(t)
	if len(block) != 1 || block[0] != "no records." {
		t.Errorf("query after delete = %q, want no records", block)
	}
}

// TestServerConnectNotice verifies the tracker-up hook delivers a
// connect notice when enabled.
func TestServerConnectNotice(t *testing.T) {
	env := newTrackEnv(t, func(cfg *config.Config) {
		cfg.Mail.OnTrackerConn = true
	})

	tracker := dialTracker(t, env)
	identify(t, tracker, 1, 42)

	deadline := time.Now().Add(5 * time.Second)
	for {
		for _, ev := range env.notifier.sent() {
			if strings.HasPrefix(ev.Note, "connected from ") {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("no connect notice delivered, events %v", env.notifier.sent())
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// TestServerRejectsBeyondCapacity verifies the acceptor turns away a
// connection once every slot is taken.
func TestServerRejectsBeyondCapacity(t *testing.T) {
	env := newTrackEnv(t, func(cfg *config.Config) {
		cfg.Limits.MaxClients = 1
	})

	first := dialTracker(t, env)
	identify(t, first, 1, 7)

	second := dialTracker(t, env)
	line, err := bufio.NewReader(second).ReadString('\n')
	if err != nil {
		t.Fatalf("read rejection: %v", err)
	}
	if line != "server full, try again later.\r\n" {
		t.Errorf("rejection line = %q", line)
	}
	if _, err := second.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("read after rejection: err = %v, want io.EOF", err)
	}

	if got := env.srv.Stats().RejectedTotal.Load(); got != 1 {
		t.Errorf("RejectedTotal = %d, want 1", got)
	}
}
