package version

import (
	"runtime/debug"
	"testing"
)

func TestFromBuildInfo(t *testing.T) {
	t.Parallel()

	bi := &debug.BuildInfo{
		GoVersion: "go1.26.0",
		Main:      debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	got := fromBuildInfo(Info{}, bi)
	if got.Version != "" {
		t.Fatalf("devel main version must not be used, got %q", got.Version)
	}
	if got.Commit != "0123456789abcdef0123" || got.BuildTime != "2026-01-02T03:04:05Z" || !got.Modified {
		t.Fatalf("unexpected info: %+v", got)
	}
	got.Version = "v0.1.0"
	if s := got.String(); s != "v0.1.0 (0123456789ab-dirty)" {
		t.Fatalf("String() = %q", s)
	}
}

func TestLinkerValuesWin(t *testing.T) {
	t.Parallel()

	bi := &debug.BuildInfo{
		Main:     debug.Module{Version: "v9.9.9"},
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "feed"}},
	}
	got := fromBuildInfo(Info{Version: "v1.2.3", Commit: "abc"}, bi)
	if got.Version != "v1.2.3" || got.Commit != "abc" {
		t.Fatalf("ldflags values overridden: %+v", got)
	}
	if s := (Info{Version: "v1"}).String(); s != "v1" {
		t.Fatalf("String() without commit = %q", s)
	}
}
