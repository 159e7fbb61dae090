package commands

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Wire fragments of the command-socket protocol. The server writes the
// password prompt without a line terminator; every response is a block
// of CRLF lines closed by one empty line.
const (
	passwordPrompt = "Password: "
	authFailedLine = "Authentication failed."
	serverFullLine = "server full, try again later."
)

// Sentinel errors for the protocol client.
var (
	errPasswordRequired = errors.New("server requires a password, set --password or " + passwordEnvVar)
	errAuthFailed       = errors.New("authentication failed")
	errServerFull       = errors.New("server full, try again later")
	errEmbeddedNewline  = errors.New("command must be a single line")
)

// client is one command-socket connection. The protocol is stateful
// per connection (dispatch target, rendering toggles), so commands that
// belong together share one client.
type client struct {
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
}

// dial connects to the daemon, answers the password prompt when one is
// presented, and consumes the greeting banner.
func dial(addr, password string, timeout time.Duration) (*client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}

	c := &client{
		conn:    conn,
		r:       bufio.NewReader(conn),
		timeout: timeout,
	}
	if err := c.handshake(password); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// handshake consumes everything the server sends before the first
// command: an optional password prompt, the rejection lines, and the
// greeting banner.
func (c *client) handshake(password string) error {
	sent := false
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))

		// The prompt has no terminator, so it never arrives as a line.
		// Everything else the server can send here is longer.
		peek, err := c.r.Peek(len(passwordPrompt))
		if err == nil && string(peek) == passwordPrompt {
			if _, err := c.r.Discard(len(passwordPrompt)); err != nil {
				return fmt.Errorf("read password prompt: %w", err)
			}
			if password == "" {
				return errPasswordRequired
			}
			if sent {
				return errAuthFailed
			}
			sent = true
			if err := c.writeLine(password); err != nil {
				return err
			}
			continue
		}

		line, err := c.readLine()
		if err != nil {
			return fmt.Errorf("read greeting: %w", err)
		}
		switch line {
		case authFailedLine:
			return errAuthFailed
		case serverFullLine:
			return errServerFull
		default:
			// First banner line; drain the rest of the banner block.
			for line != "" {
				if line, err = c.readLine(); err != nil {
					return fmt.Errorf("read greeting: %w", err)
				}
			}
			return nil
		}
	}
}

// roundTrip sends one command line and returns the response lines
// without the empty-line terminator.
func (c *client) roundTrip(command string) ([]string, error) {
	if strings.ContainsAny(command, "\r\n") {
		return nil, errEmbeddedNewline
	}
	if err := c.writeLine(command); err != nil {
		return nil, err
	}

	var lines []string
	for {
		line, err := c.readLine()
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if line == "" {
			return lines, nil
		}
		lines = append(lines, line)
	}
}

func (c *client) writeLine(line string) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		return fmt.Errorf("write to server: %w", err)
	}
	return nil
}

func (c *client) readLine() (string, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// close announces the departure and drops the connection. The server
// handles an abrupt close just as well; the exit line keeps its log
// tidy.
func (c *client) close() {
	_ = c.writeLine("exit")
	_ = c.conn.Close()
}
