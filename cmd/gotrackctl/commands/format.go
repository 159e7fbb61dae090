// Package commands implements the gotrackctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatResponse renders a free-form command response. The server
// already renders tables and prose for terminal display, so table
// format passes its lines through verbatim.
func formatResponse(command string, lines []string, format string) (string, error) {
	switch format {
	case formatTable:
		return joinLines(lines), nil
	case formatJSON:
		return marshalJSON(responseView{Command: command, Lines: lines})
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatListing renders a listing response. JSON format recovers the
// rows from the server-drawn table; a listing without a table is an
// empty one ("no devices connected.").
func formatListing(lines []string, format string) (string, error) {
	switch format {
	case formatTable:
		return joinLines(lines), nil
	case formatJSON:
		headers, rows, ok := parseBoxTable(lines)
		if !ok {
			return "[]\n", nil
		}
		return marshalJSON(rowsToViews(headers, rows))
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// responseView is the JSON shape of a free-form response.
type responseView struct {
	Command string   `json:"command"`
	Lines   []string `json:"lines"`
}

func marshalJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal to JSON: %w", err)
	}

	return string(data) + "\n", nil
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}

	return strings.Join(lines, "\n") + "\n"
}

// --- Box table recovery ---

// parseBoxTable recovers the header and content rows from a boxed text
// table in either of the server's border styles (ascii or unicode).
// The first content row is the header. ok is false when the lines hold
// no table at all.
func parseBoxTable(lines []string) (headers []string, rows [][]string, ok bool) {
	for _, line := range lines {
		var sep string
		switch {
		case strings.HasPrefix(line, "|"):
			sep = "|"
		case strings.HasPrefix(line, "│"):
			sep = "│"
		default:
			// Border line or trailing prose.
			continue
		}

		cells := strings.Split(line, sep)
		if len(cells) < 3 {
			continue
		}

		// The splits before the first and after the last border are empty.
		row := make([]string, 0, len(cells)-2)
		for _, cell := range cells[1 : len(cells)-1] {
			row = append(row, strings.TrimSpace(cell))
		}

		if headers == nil {
			headers = row
			continue
		}
		rows = append(rows, row)
	}

	return headers, rows, headers != nil
}

// rowsToViews turns table rows into JSON objects keyed by the
// normalized header names. Cell values stay strings; the wire is text.
func rowsToViews(headers []string, rows [][]string) []map[string]string {
	keys := make([]string, len(headers))
	for i, h := range headers {
		keys[i] = normalizeKey(h)
	}

	views := make([]map[string]string, 0, len(rows))
	for _, row := range rows {
		view := make(map[string]string, len(keys))
		for i, key := range keys {
			if i < len(row) {
				view[key] = row[i]
			}
		}
		views = append(views, view)
	}

	return views
}

// normalizeKey lowercases a column header into a JSON object key:
// "LAST SEEN" becomes "last_seen", "TIME (UTC)" becomes "time_utc".
func normalizeKey(header string) string {
	var b strings.Builder
	pendingSep := false

	for _, r := range strings.ToLower(header) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		default:
			pendingSep = true
		}
	}

	return b.String()
}
