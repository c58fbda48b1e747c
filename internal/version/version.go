// Package version exposes build metadata injected via -ldflags:
//
//	go build -ldflags "-X github.com/seancwalsh/flynn/internal/version.Version=0.3.0"
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Short returns the bare version string.
func Short() string {
	return Version
}

// Info returns a one-line human readable description of the build.
func Info() string {
	return fmt.Sprintf("flynn %s (commit %s, built %s, %s)", Version, GitCommit, BuildDate, runtime.Version())
}

// Map returns the build metadata for JSON responses.
func Map() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_date": BuildDate,
		"go_version": runtime.Version(),
	}
}
