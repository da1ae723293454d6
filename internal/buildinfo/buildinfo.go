// Package buildinfo exposes the version metadata linked into the
// binary via -ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Overridden at link time; the zero build identifies itself as dev.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info is a snapshot of build and runtime metadata, shaped for JSON
// status endpoints and the version subcommand.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GitBranch string `json:"git_branch"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Uptime    string `json:"uptime,omitempty"`
}

// Current returns the link-time metadata plus toolchain and platform.
func Current() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Runtime is Current with process uptime filled in, for health pages.
func Runtime() Info {
	info := Current()
	info.Uptime = time.Since(startTime).Truncate(time.Second).String()
	return info
}

// String returns the one-line form used at startup and in "prepd version".
func String() string {
	return fmt.Sprintf("prepd %s (%s@%s, built %s)", Version, GitCommit, GitBranch, BuildTime)
}
