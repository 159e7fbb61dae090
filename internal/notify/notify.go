// Package notify delivers tracker events to operators, by mail and by
// spawning hook scripts.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tlundqvist/gotrack/internal/track"
)

// MultiNotifier fans one event out to several notifiers. All of them
// are attempted; the joined error reports the ones that failed.
type MultiNotifier []track.Notifier

// Interface compliance check.
var _ track.Notifier = (MultiNotifier)(nil)

// SendEvent delivers ev through every notifier.
func (m MultiNotifier) SendEvent(ctx context.Context, ev track.Event) error {
	var errs []error
	for _, n := range m {
		if err := n.SendEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// eventSubject builds the one-line event summary used as the mail
// subject.
func eventSubject(ev track.Event) string {
	switch {
	case ev.Kind != track.EventNone:
		return fmt.Sprintf("%s - %s", ev.Kind, ev.DeviceLabel)
	case ev.Note != "":
		return "notice - " + ev.DeviceLabel
	default:
		return "position - " + ev.DeviceLabel
	}
}

// eventBody renders the event details, one fact per line. Zero-valued
// parts are left out so a connect notice is not padded with an empty
// position block.
func eventBody(ev track.Event) []string {
	lines := []string{"device: " + ev.DeviceLabel}

	if ev.Kind != track.EventNone {
		lines = append(lines, "event: "+ev.Kind.String())
	}
	if !ev.Time.IsZero() {
		lines = append(lines, "time: "+ev.Time.UTC().Format("2006-01-02 15:04:05")+" UTC")
	}
	if ev.Lat != 0 || ev.Lon != 0 {
		lines = append(lines,
			fmt.Sprintf("position: %.6f %.6f", ev.Lat, ev.Lon),
			fmt.Sprintf("speed: %.1f km/h", ev.SpeedKmh),
			fmt.Sprintf("https://maps.google.com/?q=%.6f,%.6f", ev.Lat, ev.Lon),
		)
	}
	if ev.Voltage > 0 {
		volt := fmt.Sprintf("voltage: %.2f V", ev.Voltage)
		if ev.Detach {
			volt += " (detached)"
		}
		lines = append(lines, volt)
	}
	if ev.Address != "" {
		lines = append(lines, "address: "+ev.Address)
	}
	for _, p := range ev.MapPaths {
		lines = append(lines, "map: "+p)
	}
	if ev.Note != "" {
		lines = append(lines, ev.Note)
	}
	return lines
}

// snippet truncates command or server output for log and error text.
func snippet(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
