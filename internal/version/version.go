// Package version carries build-time version metadata.
package version

import "fmt"

// Version is the service current released version.
// This value can be overridden at build time using ldflags:
//
//	go build -ldflags "-X github.com/fluxchat/flux/internal/version.Version=v0.3.0"
var Version = "0.0.0-dev"

// GitCommit is the git commit hash at build time.
var GitCommit = "unknown"

// BuildTime is the build timestamp in RFC3339 format.
var BuildTime = "unknown"

func String() string {
	return fmt.Sprintf("%s (%s, %s)", Version, GitCommit, BuildTime)
}
