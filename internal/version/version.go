// Package version reports the build of the running geodispatch binary.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/geodispatch"

// buildVersion is set with -ldflags "-X pkt.systems/geodispatch/internal/version.buildVersion=v1.2.3".
var buildVersion = ""

// Info describes a build.
type Info struct {
	Module    string
	Version   string
	GoVersion string
}

// String renders "module version (go)".
func (i Info) String() string {
	s := i.Module + " " + i.Version
	if i.GoVersion != "" {
		s += " (" + i.GoVersion + ")"
	}
	return s
}

// Current returns the best available version string: the linker-set
// version, the module version, or a pseudo-version from VCS stamps.
func Current() string { return Read().Version }

// Read collects build information.
func Read() Info {
	info := Info{Module: defaultModule, Version: strings.TrimSpace(buildVersion)}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		if info.Version == "" {
			info.Version = "v0.0.0-unknown"
		}
		return info
	}
	info.GoVersion = bi.GoVersion
	if path := strings.TrimSpace(bi.Main.Path); path != "" {
		info.Module = path
	}
	if info.Version != "" {
		return info
	}
	if v := strings.TrimSpace(bi.Main.Version); v != "" && v != "(devel)" {
		info.Version = v
	} else if v := pseudoVersion(bi.Settings); v != "" {
		info.Version = v
	} else {
		info.Version = "v0.0.0-unknown"
	}
	return info
}

func pseudoVersion(settings []debug.BuildSetting) string {
	var revision, stamp string
	var modified bool
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			stamp = s.Value
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}
	if revision == "" || stamp == "" {
		return ""
	}
	at, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := "v0.0.0-" + at.UTC().Format("20060102150405") + "-" + revision
	if modified {
		v += "+dirty"
	}
	return v
}
