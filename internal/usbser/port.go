package usbser

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/tlundqvist/gotrack/internal/track"
)

const (
	// readPollTimeout is the serial read timeout; the exchange loop
	// checks its context between polls.
	readPollTimeout = 100 * time.Millisecond

	// maxPendingBytes bounds buffered serial input without a line
	// terminator. Beyond it the buffer is discarded to resynchronize.
	maxPendingBytes = 8192

	// readBufSize is the per-poll read size.
	readBufSize = 256
)

// serialConn is the subset of serial.Port the exchange loop uses.
// Narrowed for tests.
type serialConn interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Port is one open USB serial device. Exchanges are serialized by the
// port mutex so concurrent command clients on one port cannot
// interleave their frames.
type Port struct {
	index int
	dev   string

	mu      sync.Mutex
	conn    serialConn
	pending []byte
	buf     []byte

	logger *slog.Logger
}

// OpenPort opens the serial device at dev with 8N1 framing and the
// given baud rate.
func OpenPort(index int, dev string, baud int, logger *slog.Logger) (*Port, error) {
	conn, err := serial.Open(dev, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dev, err)
	}

	// Poll reads so a waiting exchange notices context expiry.
	if err := conn.SetReadTimeout(readPollTimeout); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", dev, err)
	}

	// Boot noise from the adapter is not part of any exchange.
	_ = conn.ResetInputBuffer()

	return newPort(index, dev, conn, logger), nil
}

// newPort wraps an already-open connection. Tests inject fakes here.
func newPort(index int, dev string, conn serialConn, logger *slog.Logger) *Port {
	if logger == nil {
		logger = slog.Default()
	}
	return &Port{
		index:  index,
		dev:    dev,
		conn:   conn,
		buf:    make([]byte, readBufSize),
		logger: logger.With(slog.String("device", dev)),
	}
}

// Close closes the underlying device. A blocked read unblocks with an
// error.
func (p *Port) Close() error {
	return p.conn.Close()
}

// Exchange writes frame and reads lines until the reply carrying tag
// arrives. Location records and other traffic the tracker emits on the
// same wire are skipped.
func (p *Port) Exchange(ctx context.Context, frame []byte, tag int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.conn.Write(frame); err != nil {
		return nil, fmt.Errorf("write %s: %w", p.dev, err)
	}

	for {
		line, err := p.readLine(ctx)
		if err != nil {
			return nil, err
		}

		if !track.IsDeviceReply(line) {
			p.logger.Debug("serial traffic skipped", slog.Int("bytes", len(line)))
			continue
		}

		reply, err := track.ParseDeviceReply(line)
		if err != nil {
			p.logger.Debug("malformed serial reply skipped",
				slog.String("error", err.Error()))
			continue
		}
		if reply.Tag != tag {
			continue
		}
		return line, nil
	}
}

// readLine returns the next LF-terminated line with the terminator and
// any trailing CR removed.
func (p *Port) readLine(ctx context.Context) ([]byte, error) {
	for {
		if i := bytes.IndexByte(p.pending, '\n'); i >= 0 {
			line := bytes.TrimRight(p.pending[:i], "\r")
			out := make([]byte, len(line))
			copy(out, line)
			p.pending = append(p.pending[:0], p.pending[i+1:]...)
			return out, nil
		}

		if len(p.pending) > maxPendingBytes {
			p.logger.Warn("serial input overflow, resynchronizing",
				slog.Int("discarded", len(p.pending)))
			p.pending = p.pending[:0]
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := p.conn.Read(p.buf)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p.dev, err)
		}
		if n == 0 {
			// Poll timeout.
			continue
		}
		p.pending = append(p.pending, p.buf[:n]...)
	}
}
