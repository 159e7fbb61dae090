package notify

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/tlundqvist/gotrack/internal/track"
)

// TestMain checks for goroutine leaks after all tests complete. A fake
// relay goroutine outliving its test causes a failure.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// -------------------------------------------------------------------------
// Rendering
// -------------------------------------------------------------------------

func TestEventSubject(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		ev   track.Event
		want string
	}{
		{
			"event",
			track.Event{Kind: track.EventSOS, DeviceLabel: "0077 (bumblebee)"},
			"SOS - 0077 (bumblebee)",
		},
		{
			"notice",
			track.Event{DeviceLabel: "77", Note: "connected from 10.0.0.5:1"},
			"notice - 77",
		},
		{
			"plain position",
			track.Event{DeviceLabel: "77"},
			"position - 77",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := eventSubject(tc.ev); got != tc.want {
				t.Errorf("eventSubject = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestEventBodyFull(t *testing.T) {
	t.Parallel()

	ev := track.Event{
		Kind:        track.EventSOS,
		DeviceLabel: "0077 (bumblebee)",
		Time:        time.Date(2024, 1, 7, 12, 0, 0, 0, time.UTC),
		Lat:         59.366470,
		Lon:         17.961028,
		SpeedKmh:    12.5,
		Voltage:     4.2,
		Detach:      true,
		Address:     "Kungsgatan 1, Stockholm",
		MapPaths:    []string{"map_cache/aa.png", "map_cache/bb.png"},
	}

	want := []string{
		"device: 0077 (bumblebee)",
		"event: SOS",
		"time: 2024-01-07 12:00:00 UTC",
		"position: 59.366470 17.961028",
		"speed: 12.5 km/h",
		"https://maps.google.com/?q=59.366470,17.961028",
		"voltage: 4.20 V (detached)",
		"address: Kungsgatan 1, Stockholm",
		"map: map_cache/aa.png",
		"map: map_cache/bb.png",
	}

	got := eventBody(ev)
	if len(got) != len(want) {
		t.Fatalf("body = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("body[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEventBodyNotice(t *testing.T) {
	t.Parallel()

	got := eventBody(track.Event{
		DeviceLabel: "77",
		Note:        "connected from 10.0.0.5:61234",
	})

	want := []string{
		"device: 77",
		"connected from 10.0.0.5:61234",
	}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("body = %q, want %q", got, want)
	}
}

func TestBuildMessage(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 7, 12, 0, 0, 0, time.UTC)
	msg := string(buildMessage(
		"gotrack@example.org",
		[]string{"ops@example.org", "oncall@example.org"},
		"[gotrack] SOS - 77",
		[]string{"device: 77", "event: SOS"},
		now,
	))

	header, body, found := strings.Cut(msg, "\r\n\r\n")
	if !found {
		t.Fatalf("no blank line between header and body in %q", msg)
	}

	wantHeaders := []string{
		"From: gotrack@example.org",
		"To: ops@example.org, oncall@example.org",
		"Subject: [gotrack] SOS - 77",
		"Date: " + now.Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
	}
	for _, h := range wantHeaders {
		if !strings.Contains(header, h+"\r\n") && !strings.HasSuffix(header, h) {
			t.Errorf("header missing %q in %q", h, header)
		}
	}

	if body != "device: 77\r\nevent: SOS\r\n" {
		t.Errorf("body = %q", body)
	}
}

func TestSnippet(t *testing.T) {
	t.Parallel()

	if got := snippet("  trimmed  ", 20); got != "trimmed" {
		t.Errorf("snippet = %q, want trimmed", got)
	}
	if got := snippet(strings.Repeat("x", 12), 5); got != "xxxxx..." {
		t.Errorf("snippet = %q, want xxxxx...", got)
	}
}

// -------------------------------------------------------------------------
// MultiNotifier
// -------------------------------------------------------------------------

type recordingNotifier struct {
	err    error
	events []track.Event
}

func (n *recordingNotifier) SendEvent(_ context.Context, ev track.Event) error {
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, ev)
	return nil
}

func TestMultiNotifierFansOut(t *testing.T) {
	t.Parallel()

	a, b := &recordingNotifier{}, &recordingNotifier{}
	m := MultiNotifier{a, b}

	if err := m.SendEvent(context.Background(), track.Event{DeviceLabel: "77"}); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("deliveries = %d, %d, want 1, 1", len(a.events), len(b.events))
	}
}

func TestMultiNotifierAttemptsAll(t *testing.T) {
	t.Parallel()

	failed := errors.New("relay down")
	a := &recordingNotifier{err: failed}
	b := &recordingNotifier{}
	m := MultiNotifier{a, b}

	err := m.SendEvent(context.Background(), track.Event{DeviceLabel: "77"})
	if !errors.Is(err, failed) {
		t.Fatalf("err = %v, want the failing notifier's error", err)
	}
	if len(b.events) != 1 {
		t.Error("second notifier skipped after first failure")
	}
}

// -------------------------------------------------------------------------
// ScriptHook
// -------------------------------------------------------------------------

func writeScript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hook.sh")
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestScriptHookRun(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "args.txt")
	hook := NewScriptHook(writeScript(t,
		"#!/bin/sh\necho \"$1 $2\" > "+out+"\n"), discardLogger())

	if err := hook.Run(context.Background(), 42, "10.0.0.5:61234"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "42 10.0.0.5:61234" {
		t.Errorf("script args = %q, want %q", got, "42 10.0.0.5:61234")
	}
}

func TestScriptHookFailure(t *testing.T) {
	t.Parallel()

	hook := NewScriptHook(writeScript(t,
		"#!/bin/sh\necho \"out of disk\"\nexit 3\n"), discardLogger())

	err := hook.Run(context.Background(), 42, "10.0.0.5:61234")
	if err == nil {
		t.Fatal("Run: got nil error from failing script")
	}
	if !strings.Contains(err.Error(), "device 42") {
		t.Errorf("err = %v, want the device named", err)
	}
	if !strings.Contains(err.Error(), "out of disk") {
		t.Errorf("err = %v, want the script output included", err)
	}
}

// -------------------------------------------------------------------------
// MailNotifier
// -------------------------------------------------------------------------

// serveSMTP speaks just enough SMTP to accept one message and sends the
// DATA payload to got.
func serveSMTP(ln net.Listener, got chan<- string) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	br := bufio.NewReader(conn)
	writeLine := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }

	writeLine("220 mail.test ESMTP")
	var data strings.Builder
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(cmd, "EHLO"):
			_, _ = conn.Write([]byte("250-mail.test\r\n250 8BITMIME\r\n"))
		case strings.HasPrefix(cmd, "HELO"):
			writeLine("250 mail.test")
		case strings.HasPrefix(cmd, "MAIL"), strings.HasPrefix(cmd, "RCPT"):
			writeLine("250 OK")
		case strings.HasPrefix(cmd, "DATA"):
			writeLine("354 send it")
			for {
				dl, err := br.ReadString('\n')
				if err != nil {
					return
				}
				if dl == ".\r\n" {
					break
				}
				data.WriteString(dl)
			}
			writeLine("250 queued")
		case strings.HasPrefix(cmd, "QUIT"):
			writeLine("221 bye")
			got <- data.String()
			return
		default:
			writeLine("250 OK")
		}
	}
}

func TestMailNotifierSendEvent(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	got := make(chan string, 1)
	go serveSMTP(ln, got)

	n := NewMailNotifier(MailSettings{
		Addr: ln.Addr().String(),
		From: "gotrack@example.org",
		To:   []string{"ops@example.org"},
	}, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ev := track.Event{Kind: track.EventSOS, DeviceLabel: "77", Voltage: 3.1}
	if err := n.SendEvent(ctx, ev); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}

	select {
	case msg := <-got:
		for _, want := range []string{
			"From: gotrack@example.org",
			"To: ops@example.org",
			"Subject: [gotrack] SOS - 77",
			"device: 77",
			"event: SOS",
			"voltage: 3.10 V",
		} {
			if !strings.Contains(msg, want) {
				t.Errorf("message missing %q:\n%s", want, msg)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay saw no message")
	}
}

func TestMailNotifierNoRecipients(t *testing.T) {
	t.Parallel()

	// No recipients means no dial; the unroutable address proves it.
	n := NewMailNotifier(MailSettings{Addr: "127.0.0.1:0"}, discardLogger())

	if err := n.SendEvent(context.Background(), track.Event{DeviceLabel: "77"}); err != nil {
		t.Fatalf("SendEvent with empty To: %v", err)
	}
}

func TestMailNotifierDialFailure(t *testing.T) {
	t.Parallel()

	// A listener that is already closed yields a refused port.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	n := NewMailNotifier(MailSettings{
		Addr: addr,
		From: "gotrack@example.org",
		To:   []string{"ops@example.org"},
	}, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = n.SendEvent(ctx, track.Event{DeviceLabel: "77"})
	if err == nil || !strings.Contains(err.Error(), "dial relay") {
		t.Fatalf("err = %v, want dial failure", err)
	}
}
