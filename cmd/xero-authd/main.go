// xero-authd - privilege escalation session daemon.
//
// The daemon is launched once per desktop session, normally as
//
//	pkexec xero-authd --uid <caller uid> --parent-pid <caller pid>
//
// so the user authenticates a single time. It then serves command
// execution requests from the unprivileged xero-auth client over a Unix
// domain socket in the caller's runtime directory, and follows the caller
// out: when the parent process exits, so does the daemon.
//
// Lifecycle:
//  1. Load optional configuration from /etc/xero-auth/config.yaml
//  2. Set up structured JSON logging
//  3. Refuse to run without root (pkexec grants it)
//  4. Bind the socket, fix its permissions, notify systemd if present
//  5. Serve until SIGTERM/SIGINT, a client shutdown request, or the
//     monitored parent's death
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/xerolinux/xero-auth/internal/config"
	"github.com/xerolinux/xero-auth/internal/daemon"
	"github.com/xerolinux/xero-auth/internal/logging"
	"github.com/xerolinux/xero-auth/internal/sockpath"
	"github.com/xerolinux/xero-auth/internal/version"
)

func main() {
	configPath := pflag.String("config", config.DefaultConfigPath, "path to configuration file")
	effectiveUID := pflag.Int("uid", -1, "uid of the original unprivileged user (set by the launcher)")
	parentPID := pflag.Int("parent-pid", 0, "pid of the launching process to tie the daemon's lifetime to")
	showVersion := pflag.Bool("version", false, "print version information and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: failed to load configuration from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	logger := logging.SetupLogger(cfg.LogLevel)
	logger.Info("daemon starting",
		slog.String("version", version.Version),
		slog.Int("uid", *effectiveUID),
		slog.Int("parent_pid", *parentPID),
	)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	d := daemon.New(daemon.Config{
		SocketPath:         sockpath.PathIn(cfg.SocketDir, *effectiveUID),
		EffectiveUID:       *effectiveUID,
		ParentPID:          *parentPID,
		ParentPollInterval: cfg.ParentPollInterval(),
		RequireRoot:        true,
		Logger:             logging.WithComponent(logger, "daemon"),
	})

	if err := d.Run(ctx); err != nil {
		logger.Error("daemon failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
