package ratelimit_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/tlundqvist/gotrack/internal/ratelimit"
)

// TestAcquireSpacing verifies the core guarantee: ten sequential
// acquires at 200ms spacing take at least 1800ms in total.
func TestAcquireSpacing(t *testing.T) {
	t.Parallel()

	l := ratelimit.New("test", 200*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 10; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("Acquire #%d: %v", i, err)
		}
	}
	elapsed := time.Since(start)

	if elapsed < 1800*time.Millisecond {
		t.Errorf("10 acquires took %v, want >= 1.8s", elapsed)
	}
	if elapsed > 4*time.Second {
		t.Errorf("10 acquires took %v, want well under 4s", elapsed)
	}
}

// TestFirstAcquireImmediate verifies a fresh limiter does not delay the
// first caller.
func TestFirstAcquireImmediate(t *testing.T) {
	t.Parallel()

	l := ratelimit.New("test", 1*time.Second)

	start := time.Now()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("first Acquire took %v, want immediate", elapsed)
	}
}

// TestAcquireConcurrentSpacing verifies the spacing guarantee holds when
// the callers are concurrent goroutines.
func TestAcquireConcurrentSpacing(t *testing.T) {
	t.Parallel()

	const (
		workers = 5
		spacing = 50 * time.Millisecond
	)

	l := ratelimit.New("test", spacing)

	var (
		mu    sync.Mutex
		times []time.Time
		wg    sync.WaitGroup
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background()); err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			mu.Lock()
			times = append(times, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	// Allow a small tolerance for the gap between Acquire returning and
	// the timestamp being taken.
	const slack = 10 * time.Millisecond
	for i := 1; i < len(times); i++ {
		if delta := times[i].Sub(times[i-1]); delta < spacing-slack {
			t.Errorf("acquires %d and %d only %v apart, want >= %v", i-1, i, delta, spacing)
		}
	}
}

// TestAcquireCancel verifies a waiting caller is released by context
// cancellation.
func TestAcquireCancel(t *testing.T) {
	t.Parallel()

	l := ratelimit.New("test", time.Hour)

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := l.Acquire(ctx)
	if err == nil {
		t.Fatal("second Acquire returned nil, want context error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire error = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancelled Acquire took %v, want prompt return", elapsed)
	}
}

// TestReset verifies that Reset clears the schedule.
func TestReset(t *testing.T) {
	t.Parallel()

	l := ratelimit.New("test", time.Hour)

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	l.Reset()

	start := time.Now()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire after Reset: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("Acquire after Reset took %v, want immediate", elapsed)
	}
}

// TestSetSpacing verifies spacing can be retuned at runtime.
func TestSetSpacing(t *testing.T) {
	t.Parallel()

	l := ratelimit.New("test", time.Hour)
	l.SetSpacing(10 * time.Millisecond)

	if got := l.Spacing(); got != 10*time.Millisecond {
		t.Fatalf("Spacing() = %v, want 10ms", got)
	}

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire #%d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("3 acquires at 10ms spacing took %v, want >= 20ms", elapsed)
	}
}
