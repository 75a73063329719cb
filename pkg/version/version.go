// Package version holds build-time version info injected via ldflags.
//
// Set at compile time:
//
//	go build -ldflags "-X github.com/NicolasHaas/gorelay/pkg/version.tag=v1.0.0
//	  -X github.com/NicolasHaas/gorelay/pkg/version.commit=abc1234
//	  -X github.com/NicolasHaas/gorelay/pkg/version.date=2026-01-01"
package version

import "runtime/debug"

// Populated by -ldflags "-X ...". Defaults are used for local dev builds.
var (
	tag    = ""
	commit = "unknown"
	date   = "unknown"
)

// String returns the tag, else the commit, else the module version recorded
// by the Go toolchain, else "dev".
func String() string {
	if tag != "" {
		return tag
	}
	if commit != "unknown" {
		return commit
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

// Full returns "<version> (<commit>) built <date>" when build info was injected.
func Full() string {
	v := String()
	if commit == "unknown" {
		return v
	}
	if v == commit {
		return commit + " built " + date
	}
	return v + " (" + commit + ") built " + date
}
