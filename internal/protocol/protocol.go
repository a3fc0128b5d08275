// Package protocol defines the IPC messages exchanged between the xero-auth
// client and the xero-authd daemon.
//
// Messages are JSON-encoded and sent over a Unix domain socket, one per line.
// A client sends a single request and then reads responses until a terminal
// message arrives: Completed for an execute exchange, Pong for a ping,
// ShutdownAck for a shutdown, or ErrorMessage for any failed request. Output
// and Error lines may precede Completed in any order; both originate from the
// same pseudo-terminal, so the daemon does not distinguish stdout from stderr.
package protocol

// ClientMessageType identifies the kind of request sent to the daemon.
type ClientMessageType string

const (
	// ClientExecute requests execution of a command with root privileges.
	ClientExecute ClientMessageType = "execute"

	// ClientPing checks that the daemon is alive.
	ClientPing ClientMessageType = "ping"

	// ClientShutdown asks the daemon to stop accepting work and exit.
	ClientShutdown ClientMessageType = "shutdown"
)

// ClientMessage is a request from the client to the daemon.
// Program, Args, Env and WorkingDir are only meaningful for ClientExecute.
type ClientMessage struct {
	Type ClientMessageType `json:"type"`

	// Program is the executable to run.
	Program string `json:"program,omitempty"`

	// Args are the program's arguments.
	Args []string `json:"args,omitempty"`

	// Env holds "KEY=VALUE" entries applied over the daemon's environment.
	Env []string `json:"env,omitempty"`

	// WorkingDir is the directory to run the program in. Empty means the
	// daemon's own working directory.
	WorkingDir string `json:"working_dir,omitempty"`
}

// DaemonMessageType identifies the kind of response sent to the client.
type DaemonMessageType string

const (
	// DaemonOutput carries one line of command output.
	DaemonOutput DaemonMessageType = "output"

	// DaemonError carries one line of command error output.
	DaemonError DaemonMessageType = "error"

	// DaemonCompleted is the final message of a successful execute
	// exchange and carries the command's exit code.
	DaemonCompleted DaemonMessageType = "completed"

	// DaemonErrorMessage reports a request-level failure.
	DaemonErrorMessage DaemonMessageType = "error_message"

	// DaemonPong answers a ping.
	DaemonPong DaemonMessageType = "pong"

	// DaemonShutdownAck acknowledges a shutdown request.
	DaemonShutdownAck DaemonMessageType = "shutdown_ack"
)

// DaemonMessage is a response from the daemon to the client.
type DaemonMessage struct {
	Type DaemonMessageType `json:"type"`

	// Text is the line content for Output/Error, or the failure
	// description for ErrorMessage.
	Text string `json:"text,omitempty"`

	// ExitCode is the command's exit code. Only meaningful for Completed.
	ExitCode int `json:"exit_code"`
}

// Terminal reports whether m ends a request/response exchange.
func (m *DaemonMessage) Terminal() bool {
	switch m.Type {
	case DaemonCompleted, DaemonErrorMessage, DaemonPong, DaemonShutdownAck:
		return true
	}
	return false
}
