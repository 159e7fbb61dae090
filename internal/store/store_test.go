package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tlundqvist/gotrack/internal/store"
	"github.com/tlundqvist/gotrack/internal/track"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "gotrack.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func record(devid uint32, ts time.Time, event track.EventKind) track.LocationRecord {
	return track.LocationRecord{
		DeviceID:   devid,
		Time:       ts,
		Lon:        17.961028,
		Lat:        59.366470,
		SpeedKmh:   12.5,
		Heading:    90,
		Altitude:   25,
		Satellites: 7,
		Event:      event,
		Voltage:    4.2,
		Detach:     event == track.EventSOS,
	}
}

func mustAppend(t *testing.T, s *store.Store, recs ...track.LocationRecord) {
	t.Helper()
	for _, rec := range recs {
		if err := s.Append(context.Background(), rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

func TestStoreAppendAndQuery(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	base := time.Date(2024, 1, 7, 12, 0, 0, 0, time.UTC)

	mustAppend(t, s, record(7, base, track.EventSOS))

	got, err := s.Query(context.Background(), track.QuerySpec{
		DeviceID: 7,
		From:     base.Add(-time.Hour),
		To:       base.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}

	rec := got[0]
	if rec.DeviceID != 7 {
		t.Errorf("DeviceID = %d, want 7", rec.DeviceID)
	}
	if !rec.Time.Equal(base) {
		t.Errorf("Time = %v, want %v", rec.Time, base)
	}
	if rec.Lon != 17.961028 || rec.Lat != 59.366470 {
		t.Errorf("position = %v, %v", rec.Lon, rec.Lat)
	}
	if rec.SpeedKmh != 12.5 || rec.Heading != 90 || rec.Altitude != 25 || rec.Satellites != 7 {
		t.Errorf("telemetry = %+v", rec)
	}
	if rec.Event != track.EventSOS {
		t.Errorf("Event = %v, want EventSOS", rec.Event)
	}
	if rec.Voltage != 4.2 {
		t.Errorf("Voltage = %v, want 4.2", rec.Voltage)
	}
	if !rec.Detach {
		t.Error("Detach = false, want true")
	}
}

func TestStoreQueryRangeAndOrder(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	base := time.Date(2024, 1, 7, 12, 0, 0, 0, time.UTC)

	// Appended out of order; queried back in time order.
	mustAppend(t, s,
		record(7, base.Add(2*time.Minute), track.EventNone),
		record(7, base, track.EventNone),
		record(7, base.Add(time.Minute), track.EventNone),
		record(8, base, track.EventNone), // other device
	)

	got, err := s.Query(context.Background(), track.QuerySpec{
		DeviceID: 7,
		From:     base,
		To:       base.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Time.Before(got[i-1].Time) {
			t.Errorf("records out of order: %v before %v", got[i].Time, got[i-1].Time)
		}
	}

	// From is inclusive, To is exclusive.
	got, err = s.Query(context.Background(), track.QuerySpec{
		DeviceID: 7,
		From:     base,
		To:       base.Add(2 * time.Minute),
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("half-open range got %d records, want 2", len(got))
	}
}

func TestStoreQueryLimit(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	base := time.Date(2024, 1, 7, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		mustAppend(t, s, record(7, base.Add(time.Duration(i)*time.Minute), track.EventNone))
	}

	got, err := s.Query(context.Background(), track.QuerySpec{
		DeviceID: 7,
		From:     base,
		To:       base.Add(time.Hour),
		Limit:    2,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want limit 2", len(got))
	}
	// The limit keeps the earliest records.
	if !got[0].Time.Equal(base) || !got[1].Time.Equal(base.Add(time.Minute)) {
		t.Errorf("limited records at %v, %v, want the two earliest", got[0].Time, got[1].Time)
	}
}

func TestStoreQueryEmpty(t *testing.T) {
	t.Parallel()

	s := openStore(t)

	got, err := s.Query(context.Background(), track.QuerySpec{
		DeviceID: 7,
		From:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		To:       time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d records from empty store", len(got))
	}
}

func TestStoreDeleteRange(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	base := time.Date(2024, 1, 7, 12, 0, 0, 0, time.UTC)

	mustAppend(t, s,
		record(7, base, track.EventNone),
		record(7, base.Add(time.Minute), track.EventNone),
		record(7, base.Add(2*time.Minute), track.EventNone),
		record(8, base, track.EventNone),
	)

	// Half-open: the record at base+2m survives.
	n, err := s.DeleteRange(context.Background(), 7, base, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("DeleteRange: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d records, want 2", n)
	}

	got, err := s.Query(context.Background(), track.QuerySpec{
		DeviceID: 7,
		From:     base,
		To:       base.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || !got[0].Time.Equal(base.Add(2*time.Minute)) {
		t.Errorf("surviving records = %+v, want the one at base+2m", got)
	}

	// The other device's history is untouched.
	got, err = s.Query(context.Background(), track.QuerySpec{
		DeviceID: 8,
		From:     base,
		To:       base.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("device 8 has %d records, want 1", len(got))
	}
}

func TestStoreSize(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	base := time.Date(2024, 1, 7, 12, 0, 0, 0, time.UTC)

	size, err := s.Size(context.Background())
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size.Records != 0 {
		t.Errorf("Records = %d, want 0", size.Records)
	}
	if size.Bytes <= 0 {
		t.Errorf("Bytes = %d, want > 0", size.Bytes)
	}

	mustAppend(t, s,
		record(7, base, track.EventNone),
		record(7, base.Add(time.Minute), track.EventNone),
	)

	size, err = s.Size(context.Background())
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size.Records != 2 {
		t.Errorf("Records = %d, want 2", size.Records)
	}
}

func TestStoreReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "dir", "gotrack.db")
	base := time.Date(2024, 1, 7, 12, 0, 0, 0, time.UTC)

	s, err := store.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mustAppend(t, s, record(7, base, track.EventSOS))
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = store.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, err := s.Query(context.Background(), track.QuerySpec{
		DeviceID: 7,
		From:     base.Add(-time.Hour),
		To:       base.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].Event != track.EventSOS {
		t.Errorf("records after reopen = %+v, want the stored SOS", got)
	}
}
