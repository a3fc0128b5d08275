// Package systemd sends sd_notify readiness signals for installs that run
// xero-authd as a Type=notify unit instead of launching it through pkexec.
//
// All functions degrade to no-ops when systemd is not present (no
// NOTIFY_SOCKET), so the pkexec path pays nothing for them.
package systemd

import (
	"log/slog"

	"github.com/coreos/go-systemd/v22/daemon"
)

// NotifyReady sends READY=1, telling systemd the socket is bound and the
// daemon accepts requests. Returns whether a notification was sent.
func NotifyReady(logger *slog.Logger) bool {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to send systemd ready notification",
			slog.String("error", err.Error()),
		)
		return false
	}
	if sent {
		logger.Debug("sent systemd ready notification")
	}
	return sent
}

// NotifyStopping sends STOPPING=1 at the start of the shutdown sequence so
// systemd waits for the process to exit rather than killing it.
func NotifyStopping(logger *slog.Logger) bool {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to send systemd stopping notification",
			slog.String("error", err.Error()),
		)
		return false
	}
	if sent {
		logger.Debug("sent systemd stopping notification")
	}
	return sent
}
