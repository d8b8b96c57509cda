// Package version holds build information set through -ldflags
package version

import "fmt"

// Set at build time:
//
//	-ldflags "-X gatekeeper/internal/version.Version=v1.2.3 -X gatekeeper/internal/version.CommitHash=abc123"
var (
	Version    = "devel"
	CommitHash = "none"
)

// GetVersionString returns the version with its commit
func GetVersionString() string {
	if Version == "devel" {
		return fmt.Sprintf("devel (commit %s)", CommitHash)
	}
	return fmt.Sprintf("%s (commit %s)", Version, CommitHash)
}
