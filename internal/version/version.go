// Package version reports the gridsync build identity.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const (
	defaultModule  = "pkt.systems/gridsync"
	unknownVersion = "v0.0.0-unknown"
)

// buildVersion is set via -ldflags "-X pkt.systems/gridsync/internal/version.buildVersion=...".
var buildVersion = ""

// Build describes the running binary.
type Build struct {
	Module    string
	Version   string
	Revision  string
	Time      time.Time
	Modified  bool
	GoVersion string
}

// Info collects the build identity from ldflags and runtime build info.
func Info() Build {
	b := Build{Module: defaultModule, Version: unknownVersion, GoVersion: runtime.Version()}
	info, ok := debug.ReadBuildInfo()
	if ok {
		b = fromBuildInfo(b, info)
	}
	if v := strings.TrimSpace(buildVersion); v != "" {
		b.Version = v
	}
	return b
}

// Current returns the best available version string.
func Current() string { return Info().Version }

// Module returns the module path from build info when available.
func Module() string { return Info().Module }

func fromBuildInfo(b Build, info *debug.BuildInfo) Build {
	if info == nil {
		return b
	}
	if path := strings.TrimSpace(info.Main.Path); path != "" {
		b.Module = path
	}
	if v := strings.TrimSpace(info.GoVersion); v != "" {
		b.GoVersion = v
	}
	var vcsTime string
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			b.Revision = setting.Value
		case "vcs.time":
			vcsTime = setting.Value
		case "vcs.modified":
			b.Modified = setting.Value == "true"
		}
	}
	if parsed, err := time.Parse(time.RFC3339, vcsTime); err == nil {
		b.Time = parsed.UTC()
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		b.Version = v
	} else if pseudo := b.pseudoVersion(); pseudo != "" {
		b.Version = pseudo
	}
	return b
}

// pseudoVersion renders a Go-style pseudo version from VCS stamps.
func (b Build) pseudoVersion() string {
	if b.Revision == "" || b.Time.IsZero() {
		return ""
	}
	rev := b.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	ver := "v0.0.0-" + b.Time.Format("20060102150405") + "-" + rev
	if b.Modified {
		ver += "+dirty"
	}
	return ver
}
