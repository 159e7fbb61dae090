// Package track implements the tracker mediation core.
//
// This includes the wire codecs (keep-alive frames, location records,
// device commands), per-connection session workers, the operator command
// dispatcher, the location event pipeline, and the dual-listener
// acceptor feeding them.
package track
