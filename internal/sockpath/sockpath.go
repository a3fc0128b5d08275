// Package sockpath manages the daemon's Unix socket path and its filesystem
// lifecycle: deterministic path derivation per target user, stale-socket
// cleanup after a crash, and the permission ladder applied after bind.
package sockpath

import (
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
)

// SocketName is the socket file name inside the runtime directory.
const SocketName = "xero-authd.sock"

// Path returns the deterministic socket path for the target user.
//
// effectiveUID is the original unprivileged user's uid, passed when the
// daemon itself runs elevated via pkexec. A negative value means "the
// current user": the client and a non-elevated daemon both resolve the
// same path through XDG_RUNTIME_DIR.
func Path(effectiveUID int) string {
	if effectiveUID >= 0 {
		return filepath.Join(fmt.Sprintf("/run/user/%d", effectiveUID), SocketName)
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, SocketName)
	}
	// No runtime directory (e.g. root launched outside a session).
	return filepath.Join("/tmp", fmt.Sprintf("xero-authd-%d.sock", os.Getuid()))
}

// PathIn resolves the socket path with an optional directory override from
// configuration. An empty dir falls back to Path.
func PathIn(dir string, effectiveUID int) string {
	if dir != "" {
		return filepath.Join(dir, SocketName)
	}
	return Path(effectiveUID)
}

// Prepare makes the socket path bindable: it creates the parent directory
// if needed and unconditionally removes a pre-existing socket file. A stale
// file at the path is the normal leftover of a crashed daemon.
func Prepare(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	return nil
}

// Remove deletes the socket file. Missing files are not an error; an
// abnormal termination leaves cleanup to the next startup's Prepare.
func Remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove socket file",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

// GroupResolver looks up the primary group of a uid. It exists so the
// permission fallback logic below is testable without real accounts or
// root privileges.
type GroupResolver interface {
	GroupForUID(uid int) (int, error)
}

// OSGroupResolver resolves groups through the user database.
type OSGroupResolver struct{}

// GroupForUID returns the primary gid of the given uid.
func (OSGroupResolver) GroupForUID(uid int) (int, error) {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return 0, fmt.Errorf("failed to look up uid %d: %w", uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return 0, fmt.Errorf("invalid gid %q for uid %d: %w", u.Gid, uid, err)
	}
	return gid, nil
}

// SetPermissions applies the socket permission ladder after bind:
//
//   - no effective uid: 0600, the daemon's own user only;
//   - effective uid with a resolvable primary group: group ownership to
//     that group and 0660;
//   - group resolution or chown failure: 0666 with a warning. Degraded
//     but accepted, since a per-user runtime directory still shields the
//     socket from other users.
func SetPermissions(path string, effectiveUID int, groups GroupResolver, logger *slog.Logger) error {
	if effectiveUID < 0 {
		if err := os.Chmod(path, 0o600); err != nil {
			return fmt.Errorf("failed to set socket permissions: %w", err)
		}
		return nil
	}

	gid, err := groups.GroupForUID(effectiveUID)
	if err != nil {
		logger.Warn("failed to resolve group for uid, falling back to 0666 socket permissions",
			slog.Int("uid", effectiveUID),
			slog.String("error", err.Error()),
		)
		if err := os.Chmod(path, 0o666); err != nil {
			return fmt.Errorf("failed to set socket permissions: %w", err)
		}
		return nil
	}

	// Owner is left unchanged: the daemon already owns the socket.
	if err := os.Chown(path, -1, gid); err != nil {
		logger.Warn("failed to change socket group, falling back to 0666 socket permissions",
			slog.Int("gid", gid),
			slog.String("error", err.Error()),
		)
		if err := os.Chmod(path, 0o666); err != nil {
			return fmt.Errorf("failed to set socket permissions: %w", err)
		}
		return nil
	}

	if err := os.Chmod(path, 0o660); err != nil {
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return nil
}
