// Package version carries build metadata injected via ldflags.
package version

var (
	// Version is the semantic version or git describe output.
	Version = "dev"
	// BuildTime is the RFC3339 build timestamp.
	BuildTime = "unknown"
)
