// Package version holds build-time version information.
// Values are injected at build time via -ldflags.
package version

var (
	// GitRelease is the release tag or version (e.g., "v0.3.0").
	GitRelease = "dev"

	// GitCommit is the git commit hash the binary was built from.
	GitCommit = "unknown"
)
