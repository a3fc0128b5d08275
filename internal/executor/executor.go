// Package executor runs a single command under a pseudo-terminal and
// streams its combined output line by line.
//
// A pty rather than a plain pipe is used so that line-buffered and
// colorized tools (pacman, docker, flatpak) flush their output promptly.
// The child's stdout and stderr share the terminal, so their true
// interleaving is not distinguishable; everything arrives as output lines.
//
// Commands are intentionally not cancellable: once started, a child runs
// to completion. Shutdown of the daemon stops new work, never a running
// command.
package executor

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/creack/pty"
)

// Request describes one command to execute.
type Request struct {
	// Program is the executable to run.
	Program string

	// Args are the program's arguments.
	Args []string

	// Env holds "KEY=VALUE" entries applied on top of the executor's
	// base environment. Later entries override earlier ones.
	Env []string

	// WorkingDir is applied in the child before exec. Empty keeps the
	// executor's working directory.
	WorkingDir string
}

// StartError reports that the child could not be started at all: program
// not found, not executable, or an unusable working directory. The child
// never ran, so there is no exit code to report.
type StartError struct {
	Err error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start command: %v", e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// Executor runs commands under a pty with a fixed base environment.
type Executor struct {
	baseEnv []string
	logger  *slog.Logger
}

// New creates an Executor inheriting the current process environment.
func New(logger *slog.Logger) *Executor {
	return &Executor{
		baseEnv: os.Environ(),
		logger:  logger.With(slog.String("component", "executor")),
	}
}

// Run executes one command to completion. Every output line is forwarded
// to onLine as soon as it is read from the pty master; onLine is called
// from Run's goroutine, never concurrently.
//
// The returned exit code follows shell convention: the child's own code
// on normal exit, 128+N when terminated by signal N, -1 when the status
// is unreadable. A non-nil error means no child produced an exit code:
// either pty allocation failed or the start failed (*StartError).
func (e *Executor) Run(req Request, onLine func(string)) (int, error) {
	cmd := exec.Command(req.Program, req.Args...)
	cmd.Env = append(append([]string{}, e.baseEnv...), req.Env...)
	cmd.Dir = req.WorkingDir

	ptmx, tty, err := pty.Open()
	if err != nil {
		return -1, fmt.Errorf("failed to allocate pty: %w", err)
	}
	defer ptmx.Close()

	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = tty
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}

	if err := cmd.Start(); err != nil {
		tty.Close()
		// Covers a bad working directory too: the chdir happens in the
		// child before exec and is reported back, so the program never
		// runs in the wrong directory.
		return -1, &StartError{Err: err}
	}
	// The child holds its own copy of the slave side. Closing ours makes
	// the master read return EOF/EIO once the child exits.
	tty.Close()

	e.logger.Info("executing command",
		slog.String("program", req.Program),
		slog.Int("args", len(req.Args)),
		slog.Int("pid", cmd.Process.Pid),
	)

	reader := bufio.NewReader(ptmx)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			onLine(strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			// EIO on Linux is the pty's way of signaling that the
			// child closed its side; treat it like EOF.
			break
		}
	}

	code := exitCode(cmd.Wait())
	e.logger.Info("command finished",
		slog.String("program", req.Program),
		slog.Int("pid", cmd.Process.Pid),
		slog.Int("exit_code", code),
	)
	return code, nil
}

// exitCode translates a Wait result into a shell-style exit code.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		if status.Signaled() {
			return 128 + int(status.Signal())
		}
		if status.Exited() {
			return status.ExitStatus()
		}
	}
	return exitErr.ExitCode()
}
