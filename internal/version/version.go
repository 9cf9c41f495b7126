// Package version exposes build metadata for the gatekeeper binary.
//
// Release builds stamp Version, GitCommit and BuildDate with -ldflags:
//
//	go build -ldflags "-X gatekeeper/internal/version.Version=v1.4.0 \
//	    -X gatekeeper/internal/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Unstamped builds fall back to the VCS settings recorded by the Go toolchain.
package version

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
)

const unknown = "unknown"

var (
	Version   = unknown
	GitCommit = unknown
	BuildDate = unknown
)

// Info describes the running gatekeeper instance. It is reported by /status
// and attached to every log record and metric resource.
type Info struct {
	Version    string `json:"version"`
	GitCommit  string `json:"git_commit"`
	BuildDate  string `json:"build_date"`
	GoVersion  string `json:"go_version"`
	InstanceID string `json:"instance_id"`
	Hostname   string `json:"hostname"`
}

var current = sync.OnceValue(func() Info {
	i := Info{
		Version:    Version,
		GitCommit:  GitCommit,
		BuildDate:  BuildDate,
		GoVersion:  runtime.Version(),
		InstanceID: uuid.NewString(),
		Hostname:   unknown,
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		i.Hostname = h
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		i.applyBuildSettings(bi.Settings)
	}
	return i
})

// GetInfo returns the metadata of this process. The instance ID is generated
// on the first call and stays fixed for the lifetime of the process.
func GetInfo() Info {
	return current()
}

// applyBuildSettings fills fields that were not stamped at link time.
func (i *Info) applyBuildSettings(settings []debug.BuildSetting) {
	dirty := false
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if i.GitCommit == unknown && s.Value != "" {
				i.GitCommit = s.Value
				if len(i.GitCommit) > 7 {
					i.GitCommit = i.GitCommit[:7]
				}
			}
		case "vcs.time":
			if i.BuildDate == unknown && s.Value != "" {
				i.BuildDate = s.Value
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if i.Version == unknown && i.GitCommit != unknown {
		i.Version = i.GitCommit
		if dirty {
			i.Version += "-dirty"
		}
	}
}

func (i Info) String() string {
	return fmt.Sprintf("gatekeeper version %s (commit: %s, built: %s)", i.Version, i.GitCommit, i.BuildDate)
}

// UserAgent is sent upstream on forwarded requests and as the PostgreSQL
// application_name.
func (i Info) UserAgent() string {
	return "gatekeeper/" + i.Version
}

// LogAttrs returns the fields attached to every log record.
func (i Info) LogAttrs() []any {
	return []any{
		slog.String("version", i.Version),
		slog.String("git_commit", i.GitCommit),
		slog.String("build_date", i.BuildDate),
		slog.String("instance_id", i.InstanceID),
	}
}
