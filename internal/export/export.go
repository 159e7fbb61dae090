// Package export renders stored location history as CSV or GPX.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tlundqvist/gotrack/internal/track"
)

// ErrUnknownFormat indicates a format other than csv or gpx.
var ErrUnknownFormat = errors.New("unknown export format")

// Exporter reads history from a location store and renders it. It is
// stateless beyond its configuration and safe for concurrent use.
type Exporter struct {
	store track.LocationStore

	// trackSplit starts a new GPX <trk> when consecutive records are
	// further apart; segSplit starts a new <trkseg> within a track.
	trackSplit time.Duration
	segSplit   time.Duration
}

// Interface compliance check.
var _ track.Exporter = (*Exporter)(nil)

// New creates an Exporter over store with the given GPX gap splits.
func New(store track.LocationStore, trackSplit, segSplit time.Duration) *Exporter {
	return &Exporter{
		store:      store,
		trackSplit: trackSplit,
		segSplit:   segSplit,
	}
}

// Render queries the records selected by q and renders them in format
// (track.ExportFormatCSV or track.ExportFormatGPX).
func (e *Exporter) Render(ctx context.Context, format string, q track.QuerySpec) ([]byte, error) {
	records, err := e.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("export query: %w", err)
	}

	switch format {
	case track.ExportFormatCSV:
		return renderCSV(records)
	case track.ExportFormatGPX:
		return e.renderGPX(q.DeviceID, records)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// -------------------------------------------------------------------------
// CSV
// -------------------------------------------------------------------------

var csvHeader = []string{
	"device_id", "time_utc", "lat", "lon", "speed_kmh",
	"heading_deg", "altitude_m", "satellites", "event", "voltage_v", "detach",
}

func renderCSV(records []track.LocationRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}

	for _, rec := range records {
		row := []string{
			strconv.FormatUint(uint64(rec.DeviceID), 10),
			rec.Time.UTC().Format(time.RFC3339),
			strconv.FormatFloat(rec.Lat, 'f', 6, 64),
			strconv.FormatFloat(rec.Lon, 'f', 6, 64),
			strconv.FormatFloat(rec.SpeedKmh, 'f', 1, 64),
			strconv.Itoa(rec.Heading),
			strconv.FormatFloat(rec.Altitude, 'f', -1, 64),
			strconv.Itoa(rec.Satellites),
			rec.Event.String(),
			strconv.FormatFloat(rec.Voltage, 'f', 2, 64),
			strconv.FormatBool(rec.Detach),
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

// -------------------------------------------------------------------------
// GPX
// -------------------------------------------------------------------------

// GPX 1.1 document layout. Element order inside trkpt follows the GPX
// schema: ele, time, sat.
type gpxFile struct {
	XMLName xml.Name   `xml:"gpx"`
	Version string     `xml:"version,attr"`
	Creator string     `xml:"creator,attr"`
	Xmlns   string     `xml:"xmlns,attr"`
	Tracks  []gpxTrack `xml:"trk"`
}

type gpxTrack struct {
	Name     string       `xml:"name"`
	Segments []gpxSegment `xml:"trkseg"`
}

type gpxSegment struct {
	Points []gpxPoint `xml:"trkpt"`
}

type gpxPoint struct {
	Lat  string `xml:"lat,attr"`
	Lon  string `xml:"lon,attr"`
	Ele  string `xml:"ele"`
	Time string `xml:"time"`
	Sat  int    `xml:"sat"`
}

const gpxNamespace = "http://www.topografix.com/GPX/1/1"

// renderGPX converts an ascending record sequence into GPX tracks. A
// time gap beyond segSplit closes the current segment; beyond
// trackSplit it closes the whole track. The splits turn multi-day
// history into tracks a viewer draws as separate lines instead of one
// long teleporting polyline.
func (e *Exporter) renderGPX(deviceID uint32, records []track.LocationRecord) ([]byte, error) {
	doc := gpxFile{
		Version: "1.1",
		Creator: "gotrack",
		Xmlns:   gpxNamespace,
	}

	var (
		trk  *gpxTrack
		seg  *gpxSegment
		prev time.Time
	)
	for _, rec := range records {
		gap := rec.Time.Sub(prev)

		switch {
		case trk == nil || gap > e.trackSplit:
			doc.Tracks = append(doc.Tracks, gpxTrack{
				Name: fmt.Sprintf("device %d %s", deviceID,
					rec.Time.UTC().Format(time.DateOnly)),
			})
			trk = &doc.Tracks[len(doc.Tracks)-1]
			trk.Segments = append(trk.Segments, gpxSegment{})
			seg = &trk.Segments[0]

		case gap > e.segSplit:
			trk.Segments = append(trk.Segments, gpxSegment{})
			seg = &trk.Segments[len(trk.Segments)-1]
		}

		seg.Points = append(seg.Points, gpxPoint{
			Lat:  strconv.FormatFloat(rec.Lat, 'f', 6, 64),
			Lon:  strconv.FormatFloat(rec.Lon, 'f', 6, 64),
			Ele:  strconv.FormatFloat(rec.Altitude, 'f', -1, 64),
			Time: rec.Time.UTC().Format(time.RFC3339),
			Sat:  rec.Satellites,
		})
		prev = rec.Time
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal gpx: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.Write(body)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
