package track

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Keep-Alive Frame
// -------------------------------------------------------------------------

// KeepAliveSize is the fixed keep-alive frame size in bytes:
// 2-byte header + 16-bit sequence + 32-bit device id.
const KeepAliveSize = 8

// Keep-alive header bytes. The fixed 0xD0 0xD7 prefix disambiguates
// keep-alive frames from textual traffic on the same socket.
const (
	keepAliveHeader0 = 0xD0
	keepAliveHeader1 = 0xD7
)

// KeepAlive is a decoded keep-alive frame. The tracker sends one
// periodically as a liveness probe; the server echoes the frame back
// byte for byte.
//
// Wire format (all multi-byte fields little-endian):
//
//	Byte 0:    0xD0
//	Byte 1:    0xD7
//	Bytes 2-3: sequence number (uint16 LE)
//	Bytes 4-7: device id (uint32 LE)
type KeepAlive struct {
	// Seq is the tracker's rolling sequence number.
	Seq uint16

	// DeviceID is the tracker's 10-digit device id.
	DeviceID uint32
}

// Sentinel errors for keep-alive codec failures.
var (
	// ErrKeepAliveTooShort indicates fewer than KeepAliveSize bytes.
	ErrKeepAliveTooShort = errors.New("keep-alive frame too short")

	// ErrBadKeepAliveHeader indicates the first two bytes are not the
	// 0xD0 0xD7 header.
	ErrBadKeepAliveHeader = errors.New("bad keep-alive header")

	// ErrKeepAliveBufTooSmall indicates the caller-provided buffer cannot
	// hold a marshaled keep-alive frame.
	ErrKeepAliveBufTooSmall = errors.New("buffer too small for keep-alive frame")
)

// IsKeepAlive reports whether buf begins with the keep-alive header.
// Used by the session read loop to classify incoming traffic.
func IsKeepAlive(buf []byte) bool {
	return len(buf) >= 2 && buf[0] == keepAliveHeader0 && buf[1] == keepAliveHeader1
}

// MarshalKeepAlive serializes ka into buf and returns the number of
// bytes written. buf must be at least KeepAliveSize bytes.
func MarshalKeepAlive(ka KeepAlive, buf []byte) (int, error) {
	if len(buf) < KeepAliveSize {
		return 0, fmt.Errorf("marshal keep-alive: need %d bytes, got %d: %w",
			KeepAliveSize, len(buf), ErrKeepAliveBufTooSmall)
	}

	buf[0] = keepAliveHeader0
	buf[1] = keepAliveHeader1
	binary.LittleEndian.PutUint16(buf[2:4], ka.Seq)
	binary.LittleEndian.PutUint32(buf[4:8], ka.DeviceID)

	return KeepAliveSize, nil
}

// UnmarshalKeepAlive decodes a keep-alive frame from buf into ka.
func UnmarshalKeepAlive(buf []byte, ka *KeepAlive) error {
	if len(buf) < KeepAliveSize {
		return fmt.Errorf("unmarshal keep-alive: received %d bytes, need %d: %w",
			len(buf), KeepAliveSize, ErrKeepAliveTooShort)
	}

	if !IsKeepAlive(buf) {
		return fmt.Errorf("unmarshal keep-alive: header %#02x %#02x: %w",
			buf[0], buf[1], ErrBadKeepAliveHeader)
	}

	ka.Seq = binary.LittleEndian.Uint16(buf[2:4])
	ka.DeviceID = binary.LittleEndian.Uint32(buf[4:8])

	return nil
}
