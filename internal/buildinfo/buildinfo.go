// Package buildinfo reports the version repometa was built as.
package buildinfo

import (
	"runtime/debug"
	"strings"
)

// read is replaced in tests.
var read = debug.ReadBuildInfo

func settings() (version string, values map[string]string) {
	info, ok := read()
	if !ok || info == nil {
		return "", nil
	}
	values = make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		values[s.Key] = s.Value
	}
	return info.Main.Version, values
}

// Version is the module version, "dev" for local builds.
func Version() string {
	version, _ := settings()
	if version == "" || version == "(devel)" {
		return "dev"
	}
	return version
}

// VersionWithTags appends the VCS revision of local builds and the build
// tags, when known.
func VersionWithTags() string {
	version, values := settings()
	out := Version()
	var extra []string
	if version == "" || version == "(devel)" {
		if rev := values["vcs.revision"]; rev != "" {
			if len(rev) > 12 {
				rev = rev[:12]
			}
			if values["vcs.modified"] == "true" {
				rev += "+dirty"
			}
			extra = append(extra, "rev: "+rev)
		}
	}
	if tags := values["-tags"]; tags != "" {
		extra = append(extra, "tags: "+tags)
	}
	if len(extra) == 0 {
		return out
	}
	return out + " (" + strings.Join(extra, ", ") + ")"
}
