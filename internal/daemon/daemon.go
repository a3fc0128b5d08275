// Package daemon implements xero-authd: a root-owned server bound to a
// per-user Unix domain socket that executes commands on behalf of the
// unprivileged session that launched it.
//
// One daemon serves one target user identity. Each accepted connection is
// handled in its own goroutine; connections share nothing with each other
// beyond the listener and the daemon's cancellation context. A connection
// may send multiple sequential requests, but never pipelines: the client
// reads responses to completion before the next request.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/xerolinux/xero-auth/internal/executor"
	"github.com/xerolinux/xero-auth/internal/protocol"
	"github.com/xerolinux/xero-auth/internal/sockpath"
	"github.com/xerolinux/xero-auth/internal/systemd"
)

// DefaultParentPollInterval is how often the parent-liveness supervisor
// checks that the launching process is still alive.
const DefaultParentPollInterval = 2 * time.Second

// shutdownGrace is how long Run waits for open connections to drain after
// cancellation. A connection stuck behind a long-running command is
// abandoned: its child finishes on its own, reparented to init.
const shutdownGrace = 5 * time.Second

// Config controls one daemon instance.
type Config struct {
	// SocketPath overrides the derived socket path. Empty derives the
	// path from EffectiveUID.
	SocketPath string

	// EffectiveUID is the original unprivileged user's uid when the
	// daemon runs elevated. Negative means not supplied: the socket is
	// placed in the daemon's own runtime directory with mode 0600.
	EffectiveUID int

	// ParentPID ties the daemon's lifetime to the launching process.
	// Zero disables parent-liveness supervision.
	ParentPID int

	// ParentPollInterval defaults to DefaultParentPollInterval.
	ParentPollInterval time.Duration

	// RequireRoot refuses to run without euid 0. On in a real install,
	// off for in-process tests.
	RequireRoot bool

	// Groups resolves a uid's primary group for socket permissions.
	// Nil uses the user database.
	Groups sockpath.GroupResolver

	Logger *slog.Logger
}

// Daemon is one privilege-escalation session server.
type Daemon struct {
	cfg    Config
	logger *slog.Logger
	exec   *executor.Executor
	cancel context.CancelFunc

	mu   sync.Mutex
	open map[net.Conn]struct{}

	conns  sync.WaitGroup
	nextID int
}

// New creates a daemon from cfg, applying defaults.
func New(cfg Config) *Daemon {
	if cfg.ParentPollInterval <= 0 {
		cfg.ParentPollInterval = DefaultParentPollInterval
	}
	if cfg.Groups == nil {
		cfg.Groups = sockpath.OSGroupResolver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With(slog.String("component", "daemon"))
	return &Daemon{
		cfg:    cfg,
		logger: logger,
		exec:   executor.New(cfg.Logger),
		open:   make(map[net.Conn]struct{}),
	}
}

// Run binds the socket and serves until ctx is cancelled, a client sends
// shutdown, or the monitored parent dies. The socket file is removed on
// the way out; a crash leaves it for the next startup's stale cleanup.
//
// Only the root check and socket setup are fatal. Everything after the
// listener is up is scoped to a single connection or request.
func (d *Daemon) Run(ctx context.Context) error {
	if d.cfg.RequireRoot && os.Geteuid() != 0 {
		return errors.New("daemon must run as root")
	}

	path := d.cfg.SocketPath
	if path == "" {
		path = sockpath.Path(d.cfg.EffectiveUID)
	}
	if err := sockpath.Prepare(path); err != nil {
		return err
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("failed to bind socket %s: %w", path, err)
	}
	defer sockpath.Remove(path)
	defer listener.Close()

	if err := sockpath.SetPermissions(path, d.cfg.EffectiveUID, d.cfg.Groups, d.logger); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.cancel = cancel

	d.logger.Info("daemon listening",
		slog.String("socket", path),
		slog.Int("effective_uid", d.cfg.EffectiveUID),
		slog.Int("parent_pid", d.cfg.ParentPID),
	)

	if d.cfg.ParentPID > 0 {
		go d.superviseParent(ctx)
	}

	// Cancellation unblocks Accept by closing the listener.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	systemd.NotifyReady(d.logger)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			d.logger.Error("accept error", slog.String("error", err.Error()))
			continue
		}
		d.mu.Lock()
		d.nextID++
		id := d.nextID
		d.open[conn] = struct{}{}
		d.mu.Unlock()

		d.conns.Add(1)
		go func() {
			defer d.conns.Done()
			defer d.forget(conn)
			d.handle(ctx, conn, id)
		}()
	}

	// Close idle connections so their read loops return; then give
	// handlers a bounded window to drain.
	d.mu.Lock()
	for conn := range d.open {
		conn.Close()
	}
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.conns.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(shutdownGrace):
		d.logger.Warn("shutdown grace period elapsed, leaving running commands to finish on their own")
	}

	systemd.NotifyStopping(d.logger)
	d.logger.Info("daemon stopped")
	return nil
}

func (d *Daemon) forget(conn net.Conn) {
	d.mu.Lock()
	delete(d.open, conn)
	d.mu.Unlock()
	conn.Close()
}

// superviseParent polls the launching process and cancels the daemon when
// it disappears. This is how the daemon follows the GUI out even when no
// explicit shutdown was ever sent.
func (d *Daemon) superviseParent(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ParentPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !pidAlive(d.cfg.ParentPID) {
				d.logger.Warn("parent process is no longer running, shutting down",
					slog.Int("parent_pid", d.cfg.ParentPID),
				)
				d.cancel()
				return
			}
		}
	}
}

func pidAlive(pid int) bool {
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}

// handle drives one connection: read a message, dispatch, stream the
// response, repeat until EOF, a transport error, or shutdown.
func (d *Daemon) handle(ctx context.Context, conn net.Conn, id int) {
	logger := d.logger.With(slog.Int("conn", id))
	logger.Info("client connected")
	defer logger.Info("client disconnected")

	r := protocol.NewReader(conn)
	w := protocol.NewWriter(conn)

	for {
		msg, err := r.ReadClient()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if errors.Is(err, protocol.ErrMalformed) {
				// One bad line does not kill the connection.
				logger.Warn("malformed message", slog.String("error", err.Error()))
				if werr := d.sendError(w, err.Error()); werr != nil {
					return
				}
				continue
			}
			// Transport error; includes our own close on shutdown.
			if ctx.Err() == nil {
				logger.Warn("connection read error", slog.String("error", err.Error()))
			}
			return
		}

		if ctx.Err() != nil {
			return
		}

		// A request that raced the parent's death must not execute.
		if d.cfg.ParentPID > 0 && !pidAlive(d.cfg.ParentPID) {
			logger.Warn("rejecting request, parent process is no longer running",
				slog.Int("parent_pid", d.cfg.ParentPID),
			)
			d.sendError(w, "parent process is no longer running")
			d.cancel()
			return
		}

		switch msg.Type {
		case protocol.ClientPing:
			if err := w.WriteDaemon(&protocol.DaemonMessage{Type: protocol.DaemonPong}); err != nil {
				return
			}

		case protocol.ClientShutdown:
			logger.Info("shutdown requested by client")
			w.WriteDaemon(&protocol.DaemonMessage{Type: protocol.DaemonShutdownAck})
			d.cancel()
			return

		case protocol.ClientExecute:
			d.execute(logger, w, msg)

		default:
			logger.Warn("unknown message type", slog.String("type", string(msg.Type)))
			if err := d.sendError(w, fmt.Sprintf("unknown message type %q", msg.Type)); err != nil {
				return
			}
		}
	}
}

// execute dispatches one command and streams its output. Completed is
// always the last frame of a successful exchange, even when the command
// produced no output.
func (d *Daemon) execute(logger *slog.Logger, w *protocol.Writer, msg *protocol.ClientMessage) {
	req := executor.Request{
		Program:    msg.Program,
		Args:       msg.Args,
		Env:        msg.Env,
		WorkingDir: msg.WorkingDir,
	}

	code, err := d.exec.Run(req, func(line string) {
		// A write failure here means the client went away; the child
		// still has to be drained and reaped, so keep going.
		w.WriteDaemon(&protocol.DaemonMessage{Type: protocol.DaemonOutput, Text: line})
	})
	if err != nil {
		var startErr *executor.StartError
		if errors.As(err, &startErr) {
			// The shell shape for "never ran": an error line, then the
			// conventional command-not-found code.
			w.WriteDaemon(&protocol.DaemonMessage{Type: protocol.DaemonError, Text: startErr.Error()})
			w.WriteDaemon(&protocol.DaemonMessage{Type: protocol.DaemonCompleted, ExitCode: 127})
			return
		}
		logger.Error("execution failed", slog.String("error", err.Error()))
		d.sendError(w, err.Error())
		return
	}

	w.WriteDaemon(&protocol.DaemonMessage{Type: protocol.DaemonCompleted, ExitCode: code})
}

func (d *Daemon) sendError(w *protocol.Writer, text string) error {
	return w.WriteDaemon(&protocol.DaemonMessage{Type: protocol.DaemonErrorMessage, Text: text})
}
