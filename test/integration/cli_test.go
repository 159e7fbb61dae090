//go:build integration

package integration_test

import (
	"bufio"
	"io"
	"net"
	"os"
	"strings"
	"testing"

	"github.com/tlundqvist/gotrack/internal/config"
)

// readPrompt reads the fixed-width password prompt, which carries no
// line terminator.
func readPrompt(t *testing.T, br *bufio.Reader) {
	t.Helper()

	buf := make([]byte, len("Password: "))
	if _, err := io.ReadFull(br, buf); err != nil {
		t.Fatalf("read prompt: %v", err)
	}
	if string(buf) != "Password: " {
		t.Fatalf("prompt = %q", buf)
	}
}

// respondToGet answers the next device command frame on the tracker
// socket with an affirmative reply carrying the frame's own tag. The
// result channel reports the frame the server sent.
func respondToGet(t *testing.T, tracker net.Conn, value string) <-chan string {
	t.Helper()

	got := make(chan string, 1)
	go func() {
		defer close(got)
		line, err := bufio.NewReader(tracker).ReadString('\n')
		if err != nil {
			return
		}
		frame := strings.TrimRight(line, "\r\n")

		reply := strings.Replace(frame, "$", "$OK:", 1)
		reply = strings.TrimSuffix(reply, "?") + value
		if _, err := tracker.Write([]byte(reply + "\r\n")); err != nil {
			return
		}
		got <- frame
	}()
	return got
}

// TestCLIAuthentication verifies the password gate: a wrong password
// is reported and re-prompted, the right one admits the client to the
// banner.
func TestCLIAuthentication(t *testing.T) {
	env := newTrackEnv(t, func(cfg *config.Config) {
		cfg.Auth.RequirePassword = true
		cfg.Auth.Password = "hunter2"
	})

	cs := openCommand(t, env)

	readPrompt(t, cs.br)
	cs.send(t, "wrong")
	line, err := cs.br.ReadString('\n')
	if err != nil {
		t.Fatalf("read failure line: %v", err)
	}
	if line != "Authentication failed.\r\n" {
		t.Errorf("failure line = %q", line)
	}

	readPrompt(t, cs.br)
	cs.send(t, "hunter2")
	cs.readBanner(t)

	if got := env.srv.Stats().AuthFailuresTotal.Load(); got != 1 {
		t.Errorf("AuthFailuresTotal = %d, want 1", got)
	}
}

// TestCLITargetedDeviceGet runs a get through the command socket to a
// live tracker session: the server frames the command, correlates the
// tagged reply, and renders it for the operator.
func TestCLITargetedDeviceGet(t *testing.T) {
	env := newTrackEnv(t)

	tracker := dialTracker(t, env)
	identify(t, tracker, 1, 77)

	cs := openCommand(t, env)
	cs.readBanner(t)

	cs.send(t, ".use 77")
	block := cs.readBlock(t)
	if len(block) != 1 || block[0] != "target set to device 77." {
		t.Fatalf(".use response = %q", block)
	}

	got := respondToGet(t, tracker, "4.11,1")
	cs.send(t, "get bat")
	block = cs.readBlock(t)

	frame, ok := <-got
	if !ok {
		t.Fatal("tracker saw no command frame")
	}
	if !strings.HasPrefix(frame, "$BAT+") || !strings.HasSuffix(frame, "=?") {
		t.Errorf("frame = %q, want $BAT+<tag>=?", frame)
	}

	if !containsRow(block, "Battery voltage", "4.11") {
		t.Errorf("response %q missing the battery voltage", block)
	}
	if !containsRow(block, "Charging", "yes") {
		t.Errorf("response %q missing the charging state", block)
	}
}

// TestCLINicknames verifies nicknames set over the command socket show
// up in the device listing.
func TestCLINicknames(t *testing.T) {
	env := newTrackEnv(t)

	tracker := dialTracker(t, env)
	identify(t, tracker, 1, 77)

	cs := openCommand(t, env)
	cs.readBanner(t)

	cs.send(t, ".nick 77 bumblebee")
	block := cs.readBlock(t)
	if len(block) != 1 || block[0] != `device 77 is now "bumblebee".` {
		t.Fatalf(".nick response = %q", block)
	}

	cs.send(t, ".ld")
	if block = cs.readBlock(t); !containsRow(block, "77", "bumblebee") {
		t.Errorf("device listing %q missing the nickname", block)
	}
}

// TestCLIExport verifies db export renders stored history to a
// server-side file in both supported formats.
func TestCLIExport(t *testing.T) {
	env := newTrackEnv(t)

	tracker := dialTracker(t, env)
	identify(t, tracker, 1, 77)
	if _, err := tracker.Write([]byte("77,20240107120000,17.961028,59.366470,12,90,25,7,0,4.20V,0\r\n")); err != nil {
		t.Fatalf("write record: %v", err)
	}

	cs := openCommand(t, env)
	cs.readBanner(t)
	pollRecordCount(t, cs, 1)

	exportFile := func(format string) string {
		cs.send(t, "db export "+format+" 77 2024-01-07 2024-01-08")
		block := cs.readBlock(t)
		if len(block) != 1 || !strings.HasPrefix(block[0], "exported ") {
			t.Fatalf("export response = %q", block)
		}
		_, path, ok := strings.Cut(block[0], " to ")
		if !ok {
			t.Fatalf("export response %q carries no path", block[0])
		}
		return path
	}

	csvData, err := os.ReadFile(exportFile("csv"))
	if err != nil {
		t.Fatalf("read csv export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(csvData)), "\n")
	if len(lines) != 2 {
		t.Fatalf("csv export = %d lines, want header and one row", len(lines))
	}
	if !strings.HasPrefix(lines[0], "device_id,time_utc,lat,lon") {
		t.Errorf("csv header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "59.366470") {
		t.Errorf("csv row = %q, want the stored latitude", lines[1])
	}

	gpxData, err := os.ReadFile(exportFile("gpx"))
	if err != nil {
		t.Fatalf("read gpx export: %v", err)
	}
	for _, want := range []string{`creator="gotrack"`, `lat="59.366470"`} {
		if !strings.Contains(string(gpxData), want) {
			t.Errorf("gpx export missing %s", want)
		}
	}
}
