// Package launcher brings up xero-authd on demand: it invokes the
// interactive elevation helper (pkexec) and waits for the daemon's socket
// to appear, so callers get a plain blocking call instead of their own
// polling loop.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/xerolinux/xero-auth/internal/sockpath"
)

// Sentinel errors distinguishing the three launch outcomes that are not
// success.
var (
	// ErrHelperExited means the elevation helper finished before the
	// socket appeared; the user most likely cancelled authentication.
	ErrHelperExited = errors.New("elevation helper exited before the daemon became ready")

	// ErrTimeout means the helper was still pending when the overall
	// readiness deadline passed.
	ErrTimeout = errors.New("timed out waiting for the daemon socket")
)

// Default readiness polling parameters.
const (
	DefaultPollInterval = 50 * time.Millisecond
	DefaultTimeout      = 60 * time.Second
)

// Launcher starts the daemon under elevation. The zero value is not
// usable; DaemonPath must be set.
type Launcher struct {
	// DaemonPath is the xero-authd binary to launch.
	DaemonPath string

	// HelperPath is the elevation helper. Empty means "pkexec".
	HelperPath string

	// SocketPath is the socket whose appearance signals readiness.
	// Empty derives the current user's path.
	SocketPath string

	// PollInterval and Timeout default to the package constants.
	PollInterval time.Duration
	Timeout      time.Duration

	Logger *slog.Logger

	// newCommand builds the helper invocation; replaced in tests.
	newCommand func() *exec.Cmd
}

// Start launches the daemon if it is not already reachable and blocks
// until its socket exists.
//
// Liveness of an existing daemon is judged by socket presence alone, not
// by a ping: a daemon mid-startup owns the socket file before it serves,
// and probing it would race.
//
// The helper is passed the caller's uid and pid so the daemon can place
// the socket in the caller's runtime directory and tie its lifetime to
// the calling process.
func (l *Launcher) Start(ctx context.Context) error {
	socketPath := l.SocketPath
	if socketPath == "" {
		socketPath = sockpath.Path(-1)
	}
	pollInterval := l.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := os.Stat(socketPath); err == nil {
		logger.Info("daemon already running", slog.String("socket", socketPath))
		return nil
	}

	cmd := l.buildCommand()
	logger.Info("starting daemon via elevation helper",
		slog.String("helper", cmd.Path),
		slog.String("daemon", l.DaemonPath),
	)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start elevation helper: %w", err)
	}

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(socketPath); err == nil {
			logger.Info("daemon ready", slog.String("socket", socketPath))
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-exited:
			logger.Warn("elevation helper exited before the socket appeared",
				slog.Any("wait_result", err),
			)
			return ErrHelperExited
		case <-deadline.C:
			return fmt.Errorf("%w after %s at %s", ErrTimeout, timeout, socketPath)
		case <-ticker.C:
		}
	}
}

func (l *Launcher) buildCommand() *exec.Cmd {
	if l.newCommand != nil {
		return l.newCommand()
	}
	helper := l.HelperPath
	if helper == "" {
		helper = "pkexec"
	}
	// stdio stays detached; the daemon logs on its own.
	return exec.Command(helper, l.DaemonPath,
		"--uid", strconv.Itoa(os.Getuid()),
		"--parent-pid", strconv.Itoa(os.Getpid()),
	)
}
