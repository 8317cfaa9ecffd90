// Package version reports the build version of the sb binary.
package version

import (
	"runtime/debug"
	"strings"
)

// Set at build time via -ldflags "-X switchboard/internal/version.version=...".
var (
	version = "" //nolint:gochecknoglobals // ldflags requires package-level var
	commit  = "" //nolint:gochecknoglobals // ldflags requires package-level var
)

// String returns the version. Without ldflags it falls back to the module
// version recorded by the go tool, then to "dev".
func String() string {
	if version != "" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := info.Main.Version; v != "" && v != "(devel)" {
			return v
		}
	}
	return "dev"
}

// Commit returns the VCS revision the binary was built from, or "".
func Commit() string {
	if commit != "" {
		return commit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}

// Full combines the version and a short commit, e.g. "v1.2.0 (3f9c2ab)".
func Full() string {
	c := Commit()
	if c == "" {
		return String()
	}
	if len(c) > 7 {
		c = c[:7]
	}
	return String() + " (" + strings.TrimSpace(c) + ")"
}
