// Package versionutil normalizes the build version reported by the binary.
package versionutil

import (
	"runtime/debug"
	"strings"
)

// Dev is the version of a binary built without release metadata.
const Dev = "dev"

// EnsureVPrefix returns s with a leading "v" if it doesn't already have one.
func EnsureVPrefix(s string) string {
	if s != "" && !strings.HasPrefix(s, "v") {
		return "v" + s
	}
	return s
}

// Resolve returns the release version: the -ldflags value when one was
// stamped, else the module version recorded by "go install", else [Dev].
func Resolve(stamped string) string {
	return resolve(stamped, debug.ReadBuildInfo)
}

func resolve(stamped string, buildInfo func() (*debug.BuildInfo, bool)) string {
	stamped = strings.TrimSpace(stamped)
	if stamped != "" && stamped != Dev {
		return EnsureVPrefix(stamped)
	}
	if info, ok := buildInfo(); ok && info != nil {
		if v := info.Main.Version; v != "" && v != "(devel)" {
			return EnsureVPrefix(v)
		}
	}
	return Dev
}
