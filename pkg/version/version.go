// Package version carries build metadata stamped in through -ldflags.
package version

import (
	"fmt"
	"runtime"
	"time"
)

const serviceName = "mailqueue"

var (
	// Version is the release tag, set with -ldflags "-X .../pkg/version.Version=v1.2.3".
	Version = "dev"
	// GitCommit is the source revision the binary was built from.
	GitCommit = "unknown"
	// BuildDate is an RFC3339 timestamp set by the release pipeline.
	BuildDate = "unknown"

	GoVersion = runtime.Version()
	Platform  = runtime.GOOS + "/" + runtime.GOARCH
)

// BuildInfo is served by GET /api/version and printed by `mailqueue version`.
type BuildInfo struct {
	Service   string    `json:"service" yaml:"service"`
	Version   string    `json:"version" yaml:"version"`
	GitCommit string    `json:"gitCommit" yaml:"gitCommit"`
	BuildDate string    `json:"buildDate" yaml:"buildDate"`
	GoVersion string    `json:"goVersion" yaml:"goVersion"`
	Platform  string    `json:"platform" yaml:"platform"`
	BuildTime time.Time `json:"buildTime,omitempty" yaml:"buildTime,omitempty"`
}

func GetBuildInfo() BuildInfo {
	info := BuildInfo{
		Service:   serviceName,
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: GoVersion,
		Platform:  Platform,
	}
	if t, err := time.Parse(time.RFC3339, BuildDate); err == nil {
		info.BuildTime = t.UTC()
	}
	return info
}

// String renders the one-line form used by the CLI.
func (b BuildInfo) String() string {
	return fmt.Sprintf("%s %s (commit: %s, built: %s, %s %s)",
		b.Service, b.Version, b.GitCommit, b.BuildDate, b.GoVersion, b.Platform)
}

// UserAgent identifies API clients built from this module.
func UserAgent() string {
	return fmt.Sprintf("%s-cli/%s (%s)", serviceName, Version, Platform)
}
