// Package usbser dispatches device commands over local USB serial
// ports, the provisioning fallback for trackers without an active GPRS
// session.
package usbser

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"go.bug.st/serial"

	"github.com/tlundqvist/gotrack/internal/track"
)

// usbDevPrefix selects the USB serial adapters from the system port
// list. Port index n is the nth /dev/ttyUSB* entry in sorted order.
const usbDevPrefix = "/dev/ttyUSB"

// Manager owns the open serial ports. Ports open lazily on first use
// and stay open until Reset or Close.
type Manager struct {
	baud   int
	logger *slog.Logger

	mu    sync.Mutex
	ports map[int]*Port
}

// Interface compliance check.
var _ track.SerialGateway = (*Manager)(nil)

// NewManager creates a Manager opening ports at the given baud rate.
func NewManager(baud int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		baud:   baud,
		logger: logger.With(slog.String("component", "usbser")),
		ports:  make(map[int]*Port),
	}
}

// Exchange writes one framed command on the port at index and waits
// for the reply carrying tag, skipping unrelated serial traffic. The
// wait ends when ctx expires.
func (m *Manager) Exchange(ctx context.Context, index int, frame []byte, tag int) ([]byte, error) {
	p, err := m.port(index)
	if err != nil {
		return nil, err
	}

	line, err := p.Exchange(ctx, frame, tag)
	if err != nil {
		if ctx.Err() == nil {
			// Port-level failure: drop it so the next exchange reopens.
			m.drop(index, p)
		}
		return nil, err
	}
	return line, nil
}

// Reset closes and reopens the port at index.
func (m *Manager) Reset(index int) error {
	m.mu.Lock()
	if p, ok := m.ports[index]; ok {
		delete(m.ports, index)
		_ = p.Close()
	}
	m.mu.Unlock()

	m.logger.Info("usb port reset", slog.Int("index", index))
	_, err := m.port(index)
	return err
}

// Close closes every open port.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for index, p := range m.ports {
		_ = p.Close()
		delete(m.ports, index)
	}
	return nil
}

// port returns the open port at index, opening it if needed.
func (m *Manager) port(index int) (*Port, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.ports[index]; ok {
		return p, nil
	}

	dev, err := devicePath(index)
	if err != nil {
		return nil, err
	}

	p, err := OpenPort(index, dev, m.baud, m.logger)
	if err != nil {
		return nil, err
	}
	m.ports[index] = p

	m.logger.Info("usb port opened",
		slog.Int("index", index),
		slog.String("device", dev),
		slog.Int("baud", m.baud),
	)
	return p, nil
}

// drop forgets a failed port if it is still the registered one.
func (m *Manager) drop(index int, p *Port) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ports[index] == p {
		delete(m.ports, index)
		_ = p.Close()
		m.logger.Warn("usb port dropped after failure", slog.Int("index", index))
	}
}

// devicePath maps a port index to the nth USB serial device.
func devicePath(index int) (string, error) {
	if index < 0 {
		return "", fmt.Errorf("bad usb port index %d", index)
	}

	names, err := serial.GetPortsList()
	if err != nil {
		return "", fmt.Errorf("list serial ports: %w", err)
	}

	var usb []string
	for _, name := range names {
		if strings.HasPrefix(name, usbDevPrefix) {
			usb = append(usb, name)
		}
	}
	sort.Strings(usb)

	if index >= len(usb) {
		return "", fmt.Errorf("usb port %d not present (%d found)", index, len(usb))
	}
	return usb[index], nil
}
