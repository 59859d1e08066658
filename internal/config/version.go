package config

import "runtime/debug"

// Version is set at build time.
var Version = "0.1.0"

// BuildInfo returns the running version and the VCS revision it was built from.
func BuildInfo() (version, commit string) {
	version = Version
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return version, ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			commit = s.Value
		}
	}
	return version, commit
}
