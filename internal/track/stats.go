package track

import "sync/atomic"

// -------------------------------------------------------------------------
// Server Counters
// -------------------------------------------------------------------------

// ServerStats aggregates server-wide counters. Workers increment them
// atomically; the metrics collector and the .cachestat meta command read
// them through Snapshot.
type ServerStats struct {
	AcceptedTotal atomic.Uint64
	RejectedTotal atomic.Uint64

	KeepAlivesTotal     atomic.Uint64
	RecordsTotal        atomic.Uint64
	ProtocolErrorsTotal atomic.Uint64

	RepliesTotal        atomic.Uint64
	RepliesDroppedTotal atomic.Uint64

	CommandsTotal        atomic.Uint64
	CommandTimeoutsTotal atomic.Uint64
	AuthFailuresTotal    atomic.Uint64

	StoreAppendsTotal atomic.Uint64
	StoreErrorsTotal  atomic.Uint64

	NotificationsTotal  atomic.Uint64
	NotifyErrorsTotal   atomic.Uint64
	GfenAutoTracksTotal atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of the server counters.
type StatsSnapshot struct {
	AcceptedTotal uint64
	RejectedTotal uint64

	KeepAlivesTotal     uint64
	RecordsTotal        uint64
	ProtocolErrorsTotal uint64

	RepliesTotal        uint64
	RepliesDroppedTotal uint64

	CommandsTotal        uint64
	CommandTimeoutsTotal uint64
	AuthFailuresTotal    uint64

	StoreAppendsTotal uint64
	StoreErrorsTotal  uint64

	NotificationsTotal  uint64
	NotifyErrorsTotal   uint64
	GfenAutoTracksTotal uint64
}

// Snapshot returns a copy of the counters. Individual values are read
// atomically; the set as a whole is not fenced.
func (s *ServerStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		AcceptedTotal: s.AcceptedTotal.Load(),
		RejectedTotal: s.RejectedTotal.Load(),

		KeepAlivesTotal:     s.KeepAlivesTotal.Load(),
		RecordsTotal:        s.RecordsTotal.Load(),
		ProtocolErrorsTotal: s.ProtocolErrorsTotal.Load(),

		RepliesTotal:        s.RepliesTotal.Load(),
		RepliesDroppedTotal: s.RepliesDroppedTotal.Load(),

		CommandsTotal:        s.CommandsTotal.Load(),
		CommandTimeoutsTotal: s.CommandTimeoutsTotal.Load(),
		AuthFailuresTotal:    s.AuthFailuresTotal.Load(),

		StoreAppendsTotal: s.StoreAppendsTotal.Load(),
		StoreErrorsTotal:  s.StoreErrorsTotal.Load(),

		NotificationsTotal:  s.NotificationsTotal.Load(),
		NotifyErrorsTotal:   s.NotifyErrorsTotal.Load(),
		GfenAutoTracksTotal: s.GfenAutoTracksTotal.Load(),
	}
}
