// xero-auth - client for the privilege escalation session daemon.
//
// Usage:
//
//	xero-auth [--env KEY=VALUE]... <program> [args...]
//	xero-auth --shutdown
//
// The command runs on the daemon with root privileges and the client's
// exit code mirrors the remote command's. The remote environment starts
// from the client's own and explicit --env values override it. Local
// failures (daemon not running, connect timeout) exit with code 1.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/xerolinux/xero-auth/internal/client"
	"github.com/xerolinux/xero-auth/internal/config"
	"github.com/xerolinux/xero-auth/internal/launcher"
	"github.com/xerolinux/xero-auth/internal/sockpath"
	"github.com/xerolinux/xero-auth/internal/version"
)

func main() {
	flags := pflag.NewFlagSet("xero-auth", pflag.ExitOnError)
	// Stop flag parsing at the first positional so that something like
	// "xero-auth pacman -Syu" passes -Syu through untouched.
	flags.SetInterspersed(false)
	configPath := flags.String("config", config.DefaultConfigPath, "path to configuration file")
	env := flags.StringArrayP("env", "e", nil, "environment variables to set (KEY=VALUE, repeatable)")
	startDaemon := flags.Bool("start-daemon", false, "launch the daemon via pkexec if it is not already running")
	daemonPath := flags.String("daemon-path", "/usr/bin/xero-authd", "daemon binary used with --start-daemon")
	shutdown := flags.Bool("shutdown", false, "ask the daemon to shut down instead of executing a command")
	showVersion := flags.Bool("version", false, "print version information and exit")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: xero-auth [--env KEY=VALUE]... <program> [args...]\n")
		flags.PrintDefaults()
	}
	flags.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration from %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	// Derived from the real uid, not XDG_RUNTIME_DIR: a daemon launched
	// with --uid binds under /run/user/<uid> no matter the environment,
	// and the client must land on the same path.
	socketPath := sockpath.PathIn(cfg.SocketDir, os.Getuid())

	if *shutdown {
		runShutdown(socketPath, cfg.ConnectTimeout())
		return
	}

	args := flags.Args()
	if len(args) == 0 {
		flags.Usage()
		os.Exit(1)
	}

	if *startDaemon {
		l := &launcher.Launcher{
			DaemonPath: *daemonPath,
			SocketPath: socketPath,
			Timeout:    cfg.LaunchTimeout(),
		}
		if err := l.Start(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start daemon: %v\n", err)
			os.Exit(1)
		}
	}

	// Inherit the caller's environment, then apply explicit overrides on
	// top; later entries win on the daemon side.
	envVars := append(os.Environ(), *env...)

	c, err := client.DialPath(socketPath, cfg.ConnectTimeout())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to daemon: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	exitCode, err := c.Execute(args[0], args[1:], envVars, "",
		func(line string) { fmt.Println(line) },
		func(line string) { fmt.Fprintln(os.Stderr, line) },
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to execute command: %v\n", err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}

func runShutdown(socketPath string, timeout time.Duration) {
	c, err := client.DialPath(socketPath, timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to daemon: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	if err := c.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to shut down daemon: %v\n", err)
		os.Exit(1)
	}
}
