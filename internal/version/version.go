// Package version holds build metadata stamped in with -ldflags:
//
//	go build -ldflags "-X github.com/ilastik/ilastik-sub003/internal/version.Version=v1.2.0"
package version

import "fmt"

var (
	// Version is the release tag of the tracker
	Version = "dev"
	// GitSHA is the commit the binary was built from
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build metadata for a named program.
func String(program string) string {
	return fmt.Sprintf("%s %s (%s, built %s)", program, Version, GitSHA, BuildTime)
}
