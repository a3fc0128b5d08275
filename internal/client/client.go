// Package client implements the client side of the xero-auth protocol: a
// thin synchronous facade over one request/response exchange with the
// daemon.
//
// Connection failures (no daemon, timeout) and daemon-reported failures
// are kept distinct: the former surface from DialPath, the latter from
// the request methods.
package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/xerolinux/xero-auth/internal/protocol"
)

// DefaultConnectTimeout bounds how long DialPath waits for the daemon
// when no timeout is given.
const DefaultConnectTimeout = 5 * time.Second

// Client is one connection to the daemon. It is not safe for concurrent
// use: the protocol is strictly request/response per connection.
type Client struct {
	conn net.Conn
	r    *protocol.Reader
	w    *protocol.Writer
}

// DialPath connects to the daemon socket with a bounded timeout; zero or
// negative means DefaultConnectTimeout. Any returned error is a transport
// failure; no retry is attempted.
func DialPath(path string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon at %s: %w", path, err)
	}
	return &Client{
		conn: conn,
		r:    protocol.NewReader(conn),
		w:    protocol.NewWriter(conn),
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Execute runs a command on the daemon and returns its exit code.
//
// env entries are "KEY=VALUE" pairs applied over the daemon's environment.
// onOutput and onError are invoked for each streamed line and may be nil.
// If the stream ends before a Completed message, Execute returns -1 with a
// nil error: the command's fate is unknown but the exchange was not a
// protocol failure.
func (c *Client) Execute(program string, args, env []string, workingDir string, onOutput, onError func(string)) (int, error) {
	err := c.w.WriteClient(&protocol.ClientMessage{
		Type:       protocol.ClientExecute,
		Program:    program,
		Args:       args,
		Env:        env,
		WorkingDir: workingDir,
	})
	if err != nil {
		return -1, fmt.Errorf("failed to send execute request: %w", err)
	}

	for {
		msg, err := c.r.ReadDaemon()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return -1, nil
			}
			return -1, fmt.Errorf("failed to read response: %w", err)
		}

		switch msg.Type {
		case protocol.DaemonOutput:
			if onOutput != nil {
				onOutput(msg.Text)
			}
		case protocol.DaemonError:
			if onError != nil {
				onError(msg.Text)
			}
		case protocol.DaemonErrorMessage:
			return -1, fmt.Errorf("daemon error: %s", msg.Text)
		}
		if msg.Terminal() {
			return msg.ExitCode, nil
		}
	}
}

// Ping checks that the daemon is responsive.
func (c *Client) Ping() error {
	if err := c.w.WriteClient(&protocol.ClientMessage{Type: protocol.ClientPing}); err != nil {
		return fmt.Errorf("failed to send ping: %w", err)
	}
	msg, err := c.r.ReadDaemon()
	if err != nil {
		return fmt.Errorf("failed to read ping response: %w", err)
	}
	if msg.Type != protocol.DaemonPong {
		return fmt.Errorf("unexpected response to ping: %q", msg.Type)
	}
	return nil
}

// Shutdown asks the daemon to exit and waits for the acknowledgment.
// Anything other than a ShutdownAck, including stream closure, is an
// error.
func (c *Client) Shutdown() error {
	if err := c.w.WriteClient(&protocol.ClientMessage{Type: protocol.ClientShutdown}); err != nil {
		return fmt.Errorf("failed to send shutdown: %w", err)
	}
	msg, err := c.r.ReadDaemon()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("connection closed before shutdown acknowledgment")
		}
		return fmt.Errorf("failed to read shutdown response: %w", err)
	}
	if msg.Type != protocol.DaemonShutdownAck {
		return fmt.Errorf("unexpected response to shutdown: %q", msg.Type)
	}
	return nil
}
