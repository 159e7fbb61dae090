package track

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// -------------------------------------------------------------------------
// Device Command Grammar
// -------------------------------------------------------------------------

// Device command frames are textual:
//
//	$NAME+TTTT=arg1,arg2\r\n        server -> tracker
//	$OK:NAME+TTTT=arg1,arg2\r\n    tracker -> server, success
//	$ERR:NAME+TTTT=code\r\n        tracker -> server, device error
//
// NAME is alphanumeric, at most 12 characters, uppercased on the wire.
// TTTT is the 4-digit decimal correlation tag. Args are comma-separated
// and must not contain CR or LF.
const (
	// maxCommandNameLen bounds the command name length.
	maxCommandNameLen = 12

	// TagMin and TagMax bound the correlation tag space. Zero is kept
	// out of the allocatable range so it can mean "no tag".
	TagMin = 1
	TagMax = 9999

	// tagDigits is the fixed tag width on the wire.
	tagDigits = 4
)

// Reply line prefixes.
const (
	replyOKPrefix  = "$OK:"
	replyErrPrefix = "$ERR:"
)

// DeviceReply is a decoded tracker reply. For error replies OK is false
// and Args holds the single device error code.
type DeviceReply struct {
	// OK distinguishes $OK: from $ERR: replies.
	OK bool

	// Name is the echoed command name.
	Name string

	// Tag is the correlation tag echoed from the command.
	Tag int

	// Args holds the reply payload fields, nil when empty.
	Args []string
}

// Sentinel errors for command codec failures.
var (
	// ErrBadCommandName indicates an empty, overlong or non-alphanumeric
	// command name.
	ErrBadCommandName = errors.New("bad command name")

	// ErrBadCommandTag indicates a tag outside the 4-digit range.
	ErrBadCommandTag = errors.New("bad command tag")

	// ErrBadCommandArgs indicates an argument containing CR or LF.
	ErrBadCommandArgs = errors.New("bad command arguments")

	// ErrBadReply indicates a reply line that does not match the
	// $OK:/$ERR: grammar.
	ErrBadReply = errors.New("malformed device reply")
)

// -------------------------------------------------------------------------
// BuildDeviceCommand
// -------------------------------------------------------------------------

// BuildDeviceCommand frames one device command, uppercasing the name
// and zero-padding the tag: $NAME+TTTT=args\r\n.
func BuildDeviceCommand(name string, tag int, args []string) ([]byte, error) {
	name = strings.ToUpper(name)
	if !validCommandName(name) {
		return nil, fmt.Errorf("build device command: name %q: %w", name, ErrBadCommandName)
	}

	if tag < 0 || tag > TagMax {
		return nil, fmt.Errorf("build device command: tag %d: %w", tag, ErrBadCommandTag)
	}

	for _, arg := range args {
		if strings.ContainsAny(arg, "\r\n") {
			return nil, fmt.Errorf("build device command: arg %q: %w", arg, ErrBadCommandArgs)
		}
	}

	buf := make([]byte, 0, 2+len(name)+tagDigits+2+16)
	buf = append(buf, '$')
	buf = append(buf, name...)
	buf = append(buf, '+')
	buf = appendTag(buf, tag)
	buf = append(buf, '=')
	buf = append(buf, strings.Join(args, ",")...)
	buf = append(buf, '\r', '\n')

	return buf, nil
}

// appendTag appends the zero-padded 4-digit tag.
func appendTag(buf []byte, tag int) []byte {
	return fmt.Appendf(buf, "%0*d", tagDigits, tag)
}

// validCommandName reports whether name is 1-12 ASCII letters or digits.
func validCommandName(name string) bool {
	if len(name) == 0 || len(name) > maxCommandNameLen {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// -------------------------------------------------------------------------
// ParseDeviceReply
// -------------------------------------------------------------------------

// IsDeviceReply reports whether buf begins with a reply prefix. Used by
// the session read loop to classify incoming traffic.
func IsDeviceReply(buf []byte) bool {
	return bytes.HasPrefix(buf, []byte(replyOKPrefix)) ||
		bytes.HasPrefix(buf, []byte(replyErrPrefix))
}

// ParseDeviceReply decodes one $OK:/$ERR: reply line. A trailing CRLF
// is tolerated.
func ParseDeviceReply(line []byte) (DeviceReply, error) {
	s := string(bytes.TrimRight(line, "\r\n"))

	var reply DeviceReply
	switch {
	case strings.HasPrefix(s, replyOKPrefix):
		reply.OK = true
		s = s[len(replyOKPrefix):]
	case strings.HasPrefix(s, replyErrPrefix):
		reply.OK = false
		s = s[len(replyErrPrefix):]
	default:
		return DeviceReply{}, fmt.Errorf("parse device reply: no $OK:/$ERR: prefix: %w", ErrBadReply)
	}

	name, rest, ok := strings.Cut(s, "+")
	if !ok || !validCommandName(name) {
		return DeviceReply{}, fmt.Errorf("parse device reply: name %q: %w", name, ErrBadReply)
	}
	reply.Name = name

	tagStr, argStr, ok := strings.Cut(rest, "=")
	if !ok || len(tagStr) != tagDigits {
		return DeviceReply{}, fmt.Errorf("parse device reply: tag %q: %w", tagStr, ErrBadReply)
	}

	tag, err := strconv.Atoi(tagStr)
	if err != nil || tag < 0 {
		return DeviceReply{}, fmt.Errorf("parse device reply: tag %q: %w", tagStr, ErrBadReply)
	}
	reply.Tag = tag

	if argStr != "" {
		reply.Args = strings.Split(argStr, ",")
	}

	return reply, nil
}
