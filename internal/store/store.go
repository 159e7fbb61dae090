// Package store persists location records in a local SQLite database.
//
// SQLite is effectively single-writer; the store keeps one connection
// so concurrent appenders queue in database/sql instead of hitting
// SQLITE_BUSY.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tlundqvist/gotrack/internal/track"
)

// Store is a SQLite-backed track.LocationStore.
type Store struct {
	db *sql.DB
}

// Interface compliance check.
var _ track.LocationStore = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS locations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id INTEGER NOT NULL,
	ts INTEGER NOT NULL,
	lon REAL NOT NULL,
	lat REAL NOT NULL,
	speed_kmh REAL NOT NULL,
	heading INTEGER NOT NULL,
	altitude REAL NOT NULL,
	satellites INTEGER NOT NULL,
	event INTEGER NOT NULL,
	voltage REAL NOT NULL,
	detach INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS locations_device_ts ON locations (device_id, ts);
`

// Open opens (creating if necessary) the database at path and ensures
// the schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// One connection avoids SQLITE_BUSY between concurrent session
	// goroutines appending records.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initialize(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	// WAL keeps readers (db query) from blocking appends. Best-effort;
	// some filesystems fall back to the rollback journal.
	_, _ = s.db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`)
	_, _ = s.db.ExecContext(ctx, `PRAGMA busy_timeout = 5000;`)

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append stores one location record.
func (s *Store) Append(ctx context.Context, rec track.LocationRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO locations (device_id, ts, lon, lat, speed_kmh, heading, altitude, satellites, event, voltage, detach)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.DeviceID,
		rec.Time.UTC().Unix(),
		rec.Lon,
		rec.Lat,
		rec.SpeedKmh,
		rec.Heading,
		rec.Altitude,
		rec.Satellites,
		int(rec.Event),
		rec.Voltage,
		boolInt(rec.Detach),
	)
	if err != nil {
		return fmt.Errorf("append record for device %d: %w", rec.DeviceID, err)
	}
	return nil
}

// Query returns a device's records with From <= ts < To in ascending
// time order. A positive Limit caps the result.
func (s *Store) Query(ctx context.Context, q track.QuerySpec) ([]track.LocationRecord, error) {
	stmt := `
SELECT device_id, ts, lon, lat, speed_kmh, heading, altitude, satellites, event, voltage, detach
FROM locations
WHERE device_id = ? AND ts >= ? AND ts < ?
ORDER BY ts, id`
	args := []any{q.DeviceID, q.From.UTC().Unix(), q.To.UTC().Unix()}
	if q.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query records for device %d: %w", q.DeviceID, err)
	}
	defer rows.Close()

	var records []track.LocationRecord
	for rows.Next() {
		var (
			rec    track.LocationRecord
			ts     int64
			event  int
			detach int
		)
		if err := rows.Scan(
			&rec.DeviceID, &ts, &rec.Lon, &rec.Lat, &rec.SpeedKmh,
			&rec.Heading, &rec.Altitude, &rec.Satellites, &event,
			&rec.Voltage, &detach,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Time = time.Unix(ts, 0).UTC()
		rec.Event = track.EventKind(event)
		rec.Detach = detach != 0
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query records for device %d: %w", q.DeviceID, err)
	}
	return records, nil
}

// DeleteRange removes a device's records with from <= ts < to and
// returns the number deleted.
func (s *Store) DeleteRange(ctx context.Context, deviceID uint32, from, to time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM locations WHERE device_id = ? AND ts >= ? AND ts < ?`,
		deviceID, from.UTC().Unix(), to.UTC().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete records for device %d: %w", deviceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete records for device %d: %w", deviceID, err)
	}
	return n, nil
}

// Size reports the stored record count and the database file size.
func (s *Store) Size(ctx context.Context) (track.StoreSize, error) {
	var size track.StoreSize

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM locations`,
	).Scan(&size.Records); err != nil {
		return track.StoreSize{}, fmt.Errorf("count records: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`,
	).Scan(&size.Bytes); err != nil {
		return track.StoreSize{}, fmt.Errorf("measure database: %w", err)
	}
	return size, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
