// Package version holds build metadata injected with -ldflags, e.g.
//
//	-X github.com/banshee-data/dvs-calibration/internal/version.Version=v0.3.0
package version

import (
	"fmt"
	"io"
)

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build metadata on one line.
func String() string {
	return fmt.Sprintf("%s (git %s, built %s)", Version, GitSHA, BuildTime)
}

// Print writes "<name> <String()>" to w.
func Print(w io.Writer, name string) {
	fmt.Fprintf(w, "%s %s\n", name, String())
}
