// Package version holds build-time variables injected by goreleaser ldflags.
package version

// These vars are overwritten at link time:
//   -X github.com/d9705996/bookkeeper/internal/version.Version=v1.2.3
//   -X github.com/d9705996/bookkeeper/internal/version.Commit=abc1234
//   -X github.com/d9705996/bookkeeper/internal/version.Date=2026-02-26T00:00:00Z
var (
	// Version is the release tag.
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// String returns the version with its commit, as reported by /health.
func String() string {
	if Commit == "unknown" {
		return Version
	}
	return Version + " (" + Commit + ")"
}
