// Package sysinfo collects the machine facts a runner reports when it
// registers with a host.
package sysinfo

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v3/host"
)

// Snapshot is the host-machine slice of a registration request.
type Snapshot struct {
	OS            string `json:"os"`
	Platform      string `json:"platform"`
	Arch          string `json:"arch"`
	UptimeSeconds int64  `json:"uptime"`
}

// Collect gathers OS, platform, architecture and uptime. Lookup failures
// degrade to the compile-time facts rather than erroring: registration must
// not be blocked by a metadata probe.
func Collect(ctx context.Context) Snapshot {
	s := Snapshot{
		OS:       runtime.GOOS,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
	}
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return s
	}
	if info.OS != "" {
		s.OS = info.OS
	}
	if info.Platform != "" {
		s.Platform = info.Platform
	}
	s.UptimeSeconds = int64(info.Uptime)
	return s
}
