package track

import (
	"fmt"
	"sync"
)

// -------------------------------------------------------------------------
// Command Targets
// -------------------------------------------------------------------------

// Target identifies a command destination: a GPRS-connected tracker by
// device id, or a local USB serial port by index. Exactly one is
// active; a zero DeviceID selects USB.
type Target struct {
	// DeviceID identifies a GPRS-connected tracker. Zero selects USB.
	DeviceID uint32

	// USBIndex selects the local serial port when DeviceID is zero.
	USBIndex int
}

// DeviceTarget returns the target for a GPRS-connected tracker.
func DeviceTarget(devid uint32) Target { return Target{DeviceID: devid} }

// USBTarget returns the target for a local USB serial port.
func USBTarget(index int) Target { return Target{USBIndex: index} }

// IsUSB reports whether the target is a local serial port.
func (t Target) IsUSB() bool { return t.DeviceID == 0 }

// String returns the user-facing form, e.g. "usb0" or "device 3000000001".
func (t Target) String() string {
	if t.IsUSB() {
		return fmt.Sprintf("usb%d", t.USBIndex)
	}
	return fmt.Sprintf("device %d", t.DeviceID)
}

// -------------------------------------------------------------------------
// Tag Registry
// -------------------------------------------------------------------------

// TagRegistry correlates device replies with the waiters that issued
// the matching commands. A tag is unique over the outstanding-command
// set of its target; ties are broken by picking the smallest free tag,
// and tags are reused only after release.
//
// Reply channels are buffered with capacity one so the delivering
// session goroutine never blocks on a slow waiter. Replies with no
// registered taker are dropped (the caller logs them).
type TagRegistry struct {
	mu      sync.Mutex
	targets map[Target]*targetTags
}

// targetTags holds the outstanding tags of one target under its own
// lock, keeping delivery on busy targets independent.
type targetTags struct {
	mu   sync.Mutex
	tags map[int]chan DeviceReply
}

// NewTagRegistry returns an empty registry.
func NewTagRegistry() *TagRegistry {
	return &TagRegistry{targets: make(map[Target]*targetTags)}
}

// lookupOrCreate returns the tag set for target, creating it on first use.
func (r *TagRegistry) lookupOrCreate(target Target) *targetTags {
	r.mu.Lock()
	defer r.mu.Unlock()

	tt, ok := r.targets[target]
	if !ok {
		tt = &targetTags{tags: make(map[int]chan DeviceReply)}
		r.targets[target] = tt
	}
	return tt
}

// lookup returns the tag set for target if one exists.
func (r *TagRegistry) lookup(target Target) (*targetTags, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tt, ok := r.targets[target]
	return tt, ok
}

// Allocate reserves the smallest free tag against target and registers
// a reply channel for it. The caller must Release the tag after the
// reply arrives or the wait times out.
func (r *TagRegistry) Allocate(target Target) (int, <-chan DeviceReply, error) {
	tt := r.lookupOrCreate(target)

	tt.mu.Lock()
	defer tt.mu.Unlock()

	for tag := TagMin; tag <= TagMax; tag++ {
		if _, taken := tt.tags[tag]; taken {
			continue
		}
		ch := make(chan DeviceReply, 1)
		tt.tags[tag] = ch
		return tag, ch, nil
	}

	return 0, nil, fmt.Errorf("allocate tag for %s: %w", target, ErrTagsExhausted)
}

// Release frees a tag. Releasing a tag that is not outstanding is a
// no-op, so release after FailTarget or a late timeout is safe.
func (r *TagRegistry) Release(target Target, tag int) {
	tt, ok := r.lookup(target)
	if !ok {
		return
	}

	tt.mu.Lock()
	defer tt.mu.Unlock()

	delete(tt.tags, tag)
}

// Deliver routes a reply to the waiter registered for its tag. It
// never blocks; false means no taker was registered (late reply after
// timeout, or a tag the server never issued).
func (r *TagRegistry) Deliver(target Target, reply DeviceReply) bool {
	tt, ok := r.lookup(target)
	if !ok {
		return false
	}

	tt.mu.Lock()
	defer tt.mu.Unlock()

	ch, ok := tt.tags[reply.Tag]
	if !ok {
		return false
	}

	select {
	case ch <- reply:
		return true
	default:
		return false
	}
}

// FailTarget wakes every waiter registered against target by closing
// their reply channels, then forgets the target. Called when a
// tracker's session ends with commands still outstanding; waiters see
// the closed channel as a transport error.
func (r *TagRegistry) FailTarget(target Target) {
	r.mu.Lock()
	tt, ok := r.targets[target]
	if ok {
		delete(r.targets, target)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	tt.mu.Lock()
	defer tt.mu.Unlock()

	for tag, ch := range tt.tags {
		close(ch)
		delete(tt.tags, tag)
	}
}

// Outstanding reports the number of outstanding tags against target.
func (r *TagRegistry) Outstanding(target Target) int {
	tt, ok := r.lookup(target)
	if !ok {
		return 0
	}

	tt.mu.Lock()
	defer tt.mu.Unlock()

	return len(tt.tags)
}
