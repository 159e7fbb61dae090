package track

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// -------------------------------------------------------------------------
// Roles
// -------------------------------------------------------------------------

// Role distinguishes the two accepted connection populations.
type Role uint8

const (
	// RoleCommand is an operator connection on the command socket.
	RoleCommand Role = iota + 1

	// RoleTracker is a device connection on the tracker socket.
	RoleTracker
)

// String returns the role name for logs and listings.
func (r Role) String() string {
	switch r {
	case RoleCommand:
		return "command"
	case RoleTracker:
		return "tracker"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// -------------------------------------------------------------------------
// ClientSlot
// -------------------------------------------------------------------------

// ClientSlot is one entry in the fixed-size connection registry. The
// slot index is the connection's stable identifier for its lifetime;
// the index is reused only after the worker has fully returned.
//
// Tracker slots carry the learned device id. Command slots carry the
// dispatch target and the client's rendering toggles.
type ClientSlot struct {
	index       int
	role        Role
	conn        net.Conn
	peer        string
	connectedAt time.Time

	// deviceID is learned from the first keep-alive (tracker role).
	deviceID atomic.Uint32

	// mu guards the command-role target and rendering toggles.
	mu               sync.Mutex
	target           Target
	unicodeTables    bool
	translateReplies bool
}

// Index returns the slot's stable index.
func (s *ClientSlot) Index() int { return s.index }

// Role returns the connection role.
func (s *ClientSlot) Role() Role { return s.role }

// PeerAddr returns the remote address string.
func (s *ClientSlot) PeerAddr() string { return s.peer }

// ConnectedAt returns the accept time.
func (s *ClientSlot) ConnectedAt() time.Time { return s.connectedAt }

// DeviceID returns the learned device id, zero until the first
// keep-alive arrives.
func (s *ClientSlot) DeviceID() uint32 { return s.deviceID.Load() }

// setDeviceID records the device id learned from the first keep-alive.
func (s *ClientSlot) setDeviceID(devid uint32) { s.deviceID.Store(devid) }

// Target returns the client's current dispatch target. The zero value
// is USB index 0, the default for a fresh command connection.
func (s *ClientSlot) Target() Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// SetDeviceTarget points dispatch at a connected tracker. Pure
// bookkeeping; the session is resolved again at dispatch time.
func (s *ClientSlot) SetDeviceTarget(devid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = DeviceTarget(devid)
}

// SetUSBTarget points dispatch at a local USB serial port.
func (s *ClientSlot) SetUSBTarget(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = USBTarget(index)
}

// UnicodeTables reports whether boxed output uses box-drawing glyphs.
func (s *ClientSlot) UnicodeTables() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unicodeTables
}

// ToggleUnicodeTables flips the table style and returns the new state.
func (s *ClientSlot) ToggleUnicodeTables() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unicodeTables = !s.unicodeTables
	return s.unicodeTables
}

// TranslateReplies reports whether device replies are rendered through
// the translation tables.
func (s *ClientSlot) TranslateReplies() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.translateReplies
}

// ToggleTranslateReplies flips reply translation and returns the new
// state.
func (s *ClientSlot) ToggleTranslateReplies() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.translateReplies = !s.translateReplies
	return s.translateReplies
}

// -------------------------------------------------------------------------
// SlotTable
// -------------------------------------------------------------------------

// SlotInfo is a point-in-time view of one occupied slot, for listings.
type SlotInfo struct {
	Index       int
	Role        Role
	Peer        string
	ConnectedAt time.Time
	DeviceID    uint32
}

// SlotTable is the fixed-capacity connection registry. It also indexes
// tracker sessions by learned device id for command dispatch.
//
// Lock order where multiple locks meet in one path: slot table, then
// per-session write lock, then tag registry. Never the reverse.
type SlotTable struct {
	mu       sync.Mutex
	slots    []*ClientSlot
	byDevice map[uint32]*Session
}

// NewSlotTable creates a registry with the given fixed capacity.
func NewSlotTable(capacity int) *SlotTable {
	return &SlotTable{
		slots:    make([]*ClientSlot, capacity),
		byDevice: make(map[uint32]*Session),
	}
}

// Capacity returns the fixed slot count.
func (t *SlotTable) Capacity() int {
	return len(t.slots)
}

// Reserve claims the first free slot for an accepted connection.
// Returns ErrServerFull when every slot is occupied.
func (t *SlotTable) Reserve(role Role, conn net.Conn) (*ClientSlot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, occupied := range t.slots {
		if occupied != nil {
			continue
		}
		slot := &ClientSlot{
			index:            i,
			role:             role,
			conn:             conn,
			peer:             peerString(conn),
			connectedAt:      time.Now(),
			translateReplies: true,
		}
		t.slots[i] = slot
		return slot, nil
	}

	return nil, fmt.Errorf("%d connections: %w", len(t.slots), ErrServerFull)
}

// Release frees a slot for reuse. Callers release only after the
// slot's worker has fully returned. Releasing twice is a no-op.
func (t *SlotTable) Release(slot *ClientSlot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.slots[slot.index] == slot {
		t.slots[slot.index] = nil
	}
}

// BindDevice indexes a tracker session under its learned device id.
// A reconnecting device replaces the previous binding; the stale
// session keeps running until its own idle or read-error exit.
func (t *SlotTable) BindDevice(devid uint32, sess *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byDevice[devid] = sess
}

// UnbindDevice removes a device binding, but only while sess is still
// the current holder, so a reconnected session is never unbound by the
// one it replaced.
func (t *SlotTable) UnbindDevice(devid uint32, sess *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.byDevice[devid] == sess {
		delete(t.byDevice, devid)
	}
}

// SessionByDevice resolves a connected tracker session by device id.
func (t *SlotTable) SessionByDevice(devid uint32) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess, ok := t.byDevice[devid]
	return sess, ok
}

// Counts returns the number of occupied tracker and command slots.
func (t *SlotTable) Counts() (trackers, clients int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, slot := range t.slots {
		switch {
		case slot == nil:
		case slot.role == RoleTracker:
			trackers++
		default:
			clients++
		}
	}
	return trackers, clients
}

// Snapshot returns a view of every occupied slot in index order.
func (t *SlotTable) Snapshot() []SlotInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	infos := make([]SlotInfo, 0, len(t.slots))
	for _, slot := range t.slots {
		if slot == nil {
			continue
		}
		infos = append(infos, SlotInfo{
			Index:       slot.index,
			Role:        slot.role,
			Peer:        slot.peer,
			ConnectedAt: slot.connectedAt,
			DeviceID:    slot.DeviceID(),
		})
	}
	return infos
}

// peerString formats the remote address, tolerating conns without one.
func peerString(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}
