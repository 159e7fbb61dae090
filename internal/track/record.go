package track

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// -------------------------------------------------------------------------
// Event Kinds
// -------------------------------------------------------------------------

// EventKind is the numeric event code carried in field 9 of a location
// record. Trackers emit one record per event; EventRec marks periodic
// position recordings with no special cause.
type EventKind uint8

const (
	// EventNone indicates a position report with no event attached.
	EventNone EventKind = 0

	// EventSOS indicates the panic button was pressed.
	EventSOS EventKind = 1

	// EventRec indicates a periodic position recording.
	EventRec EventKind = 2

	// EventLowBattery indicates battery voltage below the device threshold.
	EventLowBattery EventKind = 3

	// EventPowerOn indicates the device powered up.
	EventPowerOn EventKind = 4

	// EventPowerOff indicates the device is about to power down.
	EventPowerOff EventKind = 5

	// EventGeofence indicates a geofence boundary was crossed.
	// Starts automatic tracking when enabled.
	EventGeofence EventKind = 6

	// EventGeofenceClear indicates the device returned inside the fence.
	// Stops automatic tracking.
	EventGeofenceClear EventKind = 7

	// EventMove indicates the device started moving while armed.
	EventMove EventKind = 8

	// EventSpeed indicates the speed limit was exceeded.
	EventSpeed EventKind = 9
)

// maxEventKind is the highest defined event code.
const maxEventKind = EventSpeed

// eventNames maps event codes to human-readable strings.
var eventNames = [10]string{
	"None",
	"SOS",
	"Recording",
	"Low battery",
	"Power on",
	"Power off",
	"Geofence",
	"Geofence clear",
	"Movement",
	"Speeding",
}

// String returns the human-readable name for the event kind.
func (e EventKind) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(e))
}

// -------------------------------------------------------------------------
// LocationRecord
// -------------------------------------------------------------------------

// recordFieldCount is the exact number of comma-separated fields in one
// location record on the wire.
const recordFieldCount = 11

// deviceTimeLayout is the wire timestamp format (device-local time).
const deviceTimeLayout = "20060102150405"

// Field range limits.
const (
	maxHeading    = 359
	maxSatellites = 32
)

// LocationRecord is one decoded position report.
//
// Wire format, exactly 11 comma-separated fields:
//
//	devid,YYYYMMDDhhmmss,lon,lat,speed,heading,alt,sat,event,volt,detach
//
// e.g. 3000000001,20140107232526,17.961028,59.366470,0,0,0,0,2,4.20V,0
//
// Records arrive either bare or in a bracketed batch
// [rec\r\nrec\r\n…rec] where the closing bracket replaces the final
// line terminator.
type LocationRecord struct {
	// DeviceID is the tracker's 10-digit device id.
	DeviceID uint32

	// Time is the position timestamp, parsed in the device-local zone.
	// The UTC instant is Time.UTC().
	Time time.Time

	// Lon is the longitude in degrees, [-180, 180]. Precedes latitude on
	// the wire.
	Lon float64

	// Lat is the latitude in degrees, [-90, 90].
	Lat float64

	// SpeedKmh is the ground speed in km/h, >= 0.
	SpeedKmh float64

	// Heading is the course over ground in degrees, [0, 359].
	Heading int

	// Altitude is the altitude in meters.
	Altitude float64

	// Satellites is the number of satellites in the fix, [0, 32].
	Satellites int

	// Event is the event code for this record.
	Event EventKind

	// Voltage is the battery voltage in volts. Wire resolution is one
	// hundredth of a volt (x.yyV).
	Voltage float64

	// Detach indicates the device reported detachment from its mount.
	Detach bool
}

// -------------------------------------------------------------------------
// Codec Errors
// -------------------------------------------------------------------------

// Sentinel errors for location record validation failures. Each maps to
// one parsing step; the record that fails is dropped while the remaining
// records of a batch are still processed.
var (
	// ErrRecordFieldCount indicates a record without exactly 11 fields.
	ErrRecordFieldCount = errors.New("wrong location record field count")

	// ErrBadDeviceID indicates an unparseable or zero device id.
	ErrBadDeviceID = errors.New("bad device id")

	// ErrBadTimestamp indicates a timestamp not matching YYYYMMDDhhmmss.
	ErrBadTimestamp = errors.New("bad timestamp")

	// ErrLongitudeRange indicates a longitude outside [-180, 180].
	ErrLongitudeRange = errors.New("longitude out of range")

	// ErrLatitudeRange indicates a latitude outside [-90, 90].
	ErrLatitudeRange = errors.New("latitude out of range")

	// ErrBadSpeed indicates an unparseable or negative speed.
	ErrBadSpeed = errors.New("bad speed")

	// ErrBadHeading indicates a heading outside [0, 359].
	ErrBadHeading = errors.New("bad heading")

	// ErrBadAltitude indicates an unparseable altitude.
	ErrBadAltitude = errors.New("bad altitude")

	// ErrBadSatellites indicates a satellite count outside [0, 32].
	ErrBadSatellites = errors.New("bad satellite count")

	// ErrBadEvent indicates an event code outside the defined range.
	ErrBadEvent = errors.New("bad event code")

	// ErrBadVoltage indicates a voltage field not matching x.yyV.
	ErrBadVoltage = errors.New("bad voltage")

	// ErrBadDetach indicates a detach flag that is neither 0 nor 1.
	ErrBadDetach = errors.New("bad detach flag")

	// ErrBadBatch indicates a bracketed batch without its closing bracket.
	ErrBadBatch = errors.New("unterminated record batch")
)

// parseErrPrefix is the common error prefix for record decoding failures.
const parseErrPrefix = "parse location record"

// -------------------------------------------------------------------------
// ParseLocationPayload
// -------------------------------------------------------------------------

// IsLocationPayload reports whether buf looks like location traffic: a
// bracketed batch or a bare record starting with the device id digits.
func IsLocationPayload(buf []byte) bool {
	return len(buf) > 0 && (buf[0] == '[' || (buf[0] >= '0' && buf[0] <= '9'))
}

// ParseLocationPayload decodes a location payload that is either a
// single bare record or a bracketed batch. Records that fail validation
// produce one error each and do not abort the remaining records.
// Timestamps are interpreted in loc (nil means UTC).
func ParseLocationPayload(buf []byte, loc *time.Location) ([]LocationRecord, []error) {
	payload := bytes.TrimRight(buf, "\r\n")

	if len(payload) == 0 {
		return nil, nil
	}

	if payload[0] != '[' {
		rec, err := ParseLocationRecord(payload, loc)
		if err != nil {
			return nil, []error{err}
		}
		return []LocationRecord{rec}, nil
	}

	var errs []error

	body := payload[1:]
	if n := len(body); n > 0 && body[n-1] == ']' {
		body = body[:n-1]
	} else {
		errs = append(errs, fmt.Errorf("%s: %w", parseErrPrefix, ErrBadBatch))
	}

	var records []LocationRecord
	for _, line := range bytes.Split(body, []byte("\r\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		rec, err := ParseLocationRecord(line, loc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		records = append(records, rec)
	}

	return records, errs
}

// -------------------------------------------------------------------------
// ParseLocationRecord
// -------------------------------------------------------------------------

// ParseLocationRecord decodes one location record line. The line must
// contain exactly 11 comma-separated fields; a trailing CRLF is
// tolerated. Timestamps are interpreted in loc (nil means UTC).
//
// Validation per field: device id is a nonzero uint32, timestamp matches
// YYYYMMDDhhmmss, lon in [-180, 180], lat in [-90, 90], speed >= 0,
// heading in [0, 359], satellites in [0, 32], event in [0, 9], voltage
// matches x.yyV, detach is 0 or 1.
func ParseLocationRecord(line []byte, loc *time.Location) (LocationRecord, error) {
	if loc == nil {
		loc = time.UTC
	}

	fields := strings.Split(string(bytes.TrimRight(line, "\r\n")), ",")
	if len(fields) != recordFieldCount {
		return LocationRecord{}, fmt.Errorf("%s: %d fields, need %d: %w",
			parseErrPrefix, len(fields), recordFieldCount, ErrRecordFieldCount)
	}

	var rec LocationRecord

	devid, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil || devid == 0 {
		return LocationRecord{}, fmt.Errorf("%s: device id %q: %w",
			parseErrPrefix, fields[0], ErrBadDeviceID)
	}
	rec.DeviceID = uint32(devid)

	rec.Time, err = time.ParseInLocation(deviceTimeLayout, fields[1], loc)
	if err != nil {
		return LocationRecord{}, fmt.Errorf("%s: timestamp %q: %w",
			parseErrPrefix, fields[1], ErrBadTimestamp)
	}

	rec.Lon, err = strconv.ParseFloat(fields[2], 64)
	if err != nil || rec.Lon < -180 || rec.Lon > 180 {
		return LocationRecord{}, fmt.Errorf("%s: longitude %q: %w",
			parseErrPrefix, fields[2], ErrLongitudeRange)
	}

	rec.Lat, err = strconv.ParseFloat(fields[3], 64)
	if err != nil || rec.Lat < -90 || rec.Lat > 90 {
		return LocationRecord{}, fmt.Errorf("%s: latitude %q: %w",
			parseErrPrefix, fields[3], ErrLatitudeRange)
	}

	rec.SpeedKmh, err = strconv.ParseFloat(fields[4], 64)
	if err != nil || rec.SpeedKmh < 0 {
		return LocationRecord{}, fmt.Errorf("%s: speed %q: %w",
			parseErrPrefix, fields[4], ErrBadSpeed)
	}

	rec.Heading, err = strconv.Atoi(fields[5])
	if err != nil || rec.Heading < 0 || rec.Heading > maxHeading {
		return LocationRecord{}, fmt.Errorf("%s: heading %q: %w",
			parseErrPrefix, fields[5], ErrBadHeading)
	}

	rec.Altitude, err = strconv.ParseFloat(fields[6], 64)
	if err != nil {
		return LocationRecord{}, fmt.Errorf("%s: altitude %q: %w",
			parseErrPrefix, fields[6], ErrBadAltitude)
	}

	rec.Satellites, err = strconv.Atoi(fields[7])
	if err != nil || rec.Satellites < 0 || rec.Satellites > maxSatellites {
		return LocationRecord{}, fmt.Errorf("%s: satellites %q: %w",
			parseErrPrefix, fields[7], ErrBadSatellites)
	}

	evt, err := strconv.Atoi(fields[8])
	if err != nil || evt < 0 || evt > int(maxEventKind) {
		return LocationRecord{}, fmt.Errorf("%s: event %q: %w",
			parseErrPrefix, fields[8], ErrBadEvent)
	}
	rec.Event = EventKind(evt)

	rec.Voltage, err = parseVoltage(fields[9])
	if err != nil {
		return LocationRecord{}, fmt.Errorf("%s: voltage %q: %w",
			parseErrPrefix, fields[9], ErrBadVoltage)
	}

	switch fields[10] {
	case "0":
		rec.Detach = false
	case "1":
		rec.Detach = true
	default:
		return LocationRecord{}, fmt.Errorf("%s: detach %q: %w",
			parseErrPrefix, fields[10], ErrBadDetach)
	}

	return rec, nil
}

// parseVoltage decodes the strict x.yyV wire form: one integer digit, a
// decimal point, two fractional digits, and the V suffix.
func parseVoltage(s string) (float64, error) {
	if len(s) != 5 || s[1] != '.' || s[4] != 'V' ||
		!isDigit(s[0]) || !isDigit(s[2]) || !isDigit(s[3]) {
		return 0, ErrBadVoltage
	}
	return strconv.ParseFloat(s[:4], 64)
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// -------------------------------------------------------------------------
// Serialization
// -------------------------------------------------------------------------

// AppendWire serializes the record back to its wire form (without a
// line terminator) and appends it to buf. Floats use the shortest
// representation that round-trips, so ParseLocationRecord(AppendWire(r))
// reproduces r exactly.
func (r LocationRecord) AppendWire(buf []byte) []byte {
	buf = strconv.AppendUint(buf, uint64(r.DeviceID), 10)
	buf = append(buf, ',')
	buf = r.Time.AppendFormat(buf, deviceTimeLayout)
	buf = append(buf, ',')
	buf = strconv.AppendFloat(buf, r.Lon, 'f', -1, 64)
	buf = append(buf, ',')
	buf = strconv.AppendFloat(buf, r.Lat, 'f', -1, 64)
	buf = append(buf, ',')
	buf = strconv.AppendFloat(buf, r.SpeedKmh, 'f', -1, 64)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, int64(r.Heading), 10)
	buf = append(buf, ',')
	buf = strconv.AppendFloat(buf, r.Altitude, 'f', -1, 64)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, int64(r.Satellites), 10)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, int64(r.Event), 10)
	buf = append(buf, ',')
	buf = strconv.AppendFloat(buf, r.Voltage, 'f', 2, 64)
	buf = append(buf, 'V', ',')
	if r.Detach {
		buf = append(buf, '1')
	} else {
		buf = append(buf, '0')
	}
	return buf
}

// ShortDeviceID returns the last four decimal digits of a device id,
// the short form used in user-facing output.
func ShortDeviceID(devid uint32) string {
	return fmt.Sprintf("%04d", devid%10000)
}
