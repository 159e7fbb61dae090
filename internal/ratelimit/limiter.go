// Package ratelimit provides a minimum-spacing limiter for calls to
// external services.
//
// A Limiter guarantees that at least the configured spacing elapses
// between any two successful Acquire returns. Callers queue in FIFO
// order and can abandon the wait through their context.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limiter spaces out calls to one external service.
//
// The zero value is not usable; use New.
type Limiter struct {
	name string

	// token serializes waiters. Blocked senders are woken in FIFO
	// order, which is what makes Acquire fair.
	token chan struct{}

	mu      sync.Mutex
	spacing time.Duration
	last    time.Time
}

// New returns a Limiter enforcing the given minimum spacing between
// successful Acquire calls. The name appears in error messages.
func New(name string, spacing time.Duration) *Limiter {
	return &Limiter{
		name:    name,
		token:   make(chan struct{}, 1),
		spacing: spacing,
	}
}

// Acquire blocks until at least the configured spacing has passed since
// the previous successful Acquire, or until ctx is cancelled. A
// cancelled wait does not consume a slot.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case l.token <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("rate limiter %s: %w", l.name, ctx.Err())
	}
	defer func() { <-l.token }()

	l.mu.Lock()
	wait := l.spacing - time.Since(l.last)
	if l.last.IsZero() {
		wait = 0
	}
	l.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
			return fmt.Errorf("rate limiter %s: %w", l.name, ctx.Err())
		}
	}

	l.mu.Lock()
	l.last = time.Now()
	l.mu.Unlock()

	return nil
}

// Reset clears the schedule so the next Acquire proceeds immediately.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.last = time.Time{}
	l.mu.Unlock()
}

// SetSpacing changes the minimum spacing. Waiters already sleeping keep
// their computed deadline; subsequent acquires use the new value.
func (l *Limiter) SetSpacing(d time.Duration) {
	l.mu.Lock()
	l.spacing = d
	l.mu.Unlock()
}

// Spacing returns the current minimum spacing.
func (l *Limiter) Spacing() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spacing
}
