// Package version carries build metadata set via -ldflags at build time.
package version

var (
	// Version is the release version, overridden by -ldflags at build time.
	Version = "dev"

	// Commit is the git commit hash, overridden by -ldflags at build time.
	Commit = "unknown"
)
