package core

import (
	"runtime/debug"
	"strings"

	"golang.org/x/mod/module"
)

// Version is resolved from build info at startup.
var Version = resolveVersion(debug.ReadBuildInfo())

// resolveVersion prefers a tagged module version and falls back to
// "devel-<short revision>[-dirty]" for untagged and pseudo-version builds.
func resolveVersion(info *debug.BuildInfo, ok bool) string {
	if !ok || info == nil {
		return "devel"
	}

	if v := info.Main.Version; v != "" && v != "(devel)" && !module.IsPseudoVersion(v) {
		return v
	}

	var revision, modified string
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			modified = s.Value
		}
	}
	if revision == "" {
		return "devel"
	}

	version := "devel-" + revision[:min(len(revision), 7)]
	if modified == "true" {
		version += "-dirty"
	}
	return version
}

// FormatVersion strips the "v" of tagged releases ("v1.2.0" becomes "1.2.0").
// Devel versions pass through unchanged.
func FormatVersion(v string) string {
	return strings.TrimPrefix(v, "v")
}

// UserAgent identifies sockswatch in requests made through the tunnel.
func UserAgent() string {
	return "sockswatch/" + FormatVersion(Version)
}
