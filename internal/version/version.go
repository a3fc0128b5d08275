// Package version provides build-time version information for the
// xero-auth binaries. Version, Commit, and BuildTime are populated via
// ldflags during the build; development builds use the defaults.
package version

// Set via:
//
//	go build -ldflags "-X github.com/xerolinux/xero-auth/internal/version.Version=1.0.0 \
//	                   -X github.com/xerolinux/xero-auth/internal/version.Commit=abc123 \
//	                   -X github.com/xerolinux/xero-auth/internal/version.BuildTime=2026-08-31T12:00:00Z"
var (
	// Version is the semantic version (e.g. "1.0.0", "dev").
	Version = "dev"

	// Commit is the git commit hash the binary was built from.
	Commit = "unknown"

	// BuildTime is the build timestamp in RFC3339 format.
	BuildTime = "unknown"
)

// Info returns a formatted one-line version string.
func Info() string {
	return "xero-auth " + Version + " (commit: " + Commit + ", built: " + BuildTime + ")"
}
