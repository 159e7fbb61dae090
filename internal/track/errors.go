package track

import "errors"

// -------------------------------------------------------------------------
// Shared Sentinels
// -------------------------------------------------------------------------

// Sentinel errors shared across the session, dispatcher and supervisor
// layers. Codec-specific sentinels live next to their codecs.
var (
	// ErrServerFull indicates an accept beyond the configured client cap.
	// The rejected connection receives a short text line and is closed.
	ErrServerFull = errors.New("server full")

	// ErrAuthFailed indicates a wrong password on the command socket.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrCommandTimeout indicates no device reply arrived within the
	// command-class timeout. The command is not retried.
	ErrCommandTimeout = errors.New("timeout contacting device")

	// ErrTargetUnreachable indicates the target's session ended while a
	// command was outstanding, or a write to it failed.
	ErrTargetUnreachable = errors.New("target unreachable")

	// ErrDeviceNotConnected indicates no tracker session exists for the
	// requested device id.
	ErrDeviceNotConnected = errors.New("device not connected")

	// ErrTagsExhausted indicates all command tags against one target are
	// outstanding.
	ErrTagsExhausted = errors.New("command tags exhausted")

	// ErrUnknownCommand indicates a device command name outside the known
	// command table while raw commands are disabled.
	ErrUnknownCommand = errors.New("unknown device command")

	// ErrSessionClosed indicates a write through a session whose worker
	// has already returned.
	ErrSessionClosed = errors.New("session closed")
)
