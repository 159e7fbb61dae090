package track

import "context"

// -------------------------------------------------------------------------
// Tracker Lifecycle Hooks
// -------------------------------------------------------------------------

// TrackerLifecycleFunc is invoked when a tracker session comes up
// (device id learned from its first keep-alive) or goes down (worker
// about to return).
//
// Hooks run synchronously on the session goroutine, so the session
// answers no keep-alives while a hook runs. Implementations are given a
// context bounded by the hook timeout and must respect it.
type TrackerLifecycleFunc func(ctx context.Context, deviceID uint32, peer string)

// ConnScript runs an external program when a tracker establishes a
// session, receiving the device id and peer address as arguments.
type ConnScript interface {
	Run(ctx context.Context, deviceID uint32, peer string) error
}

// Hooks bundles the tracker lifecycle callbacks. Zero value disables
// both.
type Hooks struct {
	TrackerUp   TrackerLifecycleFunc
	TrackerDown TrackerLifecycleFunc
}

// trackerUp invokes the up hook if one is set.
func (h Hooks) trackerUp(ctx context.Context, deviceID uint32, peer string) {
	if h.TrackerUp != nil {
		h.TrackerUp(ctx, deviceID, peer)
	}
}

// trackerDown invokes the down hook if one is set.
func (h Hooks) trackerDown(ctx context.Context, deviceID uint32, peer string) {
	if h.TrackerDown != nil {
		h.TrackerDown(ctx, deviceID, peer)
	}
}
