package version

import (
	"runtime/debug"
	"testing"
)

func TestFillFromBuildInfo(t *testing.T) {
	t.Parallel()
	bi := &debug.BuildInfo{
		GoVersion: "go1.26.0",
		Main:      debug.Module{Version: "v0.3.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	var info Info
	fillFromBuildInfo(&info, bi)
	if info.Version != "v0.3.1" || info.BuildTime != "2026-01-02T03:04:05Z" || info.GoVersion != "go1.26.0" {
		t.Fatalf("unexpected info %+v", info)
	}
	if got, want := info.String(), "v0.3.1 (0123456789ab+dirty)"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestLinkerValuesWin(t *testing.T) {
	t.Parallel()
	info := Info{Version: "v1.0.0", Commit: "abc"}
	fillFromBuildInfo(&info, &debug.BuildInfo{
		Main:     debug.Module{Version: "v0.0.1"},
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "zzz"}},
	})
	if info.String() != "v1.0.0 (abc)" {
		t.Fatalf("String() = %q", info.String())
	}
}

func TestDevelFallback(t *testing.T) {
	t.Parallel()
	var info Info
	fillFromBuildInfo(&info, &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}})
	if info.Version != "" {
		t.Fatalf("devel build info should not set a version, got %q", info.Version)
	}
	if Resolve().Version == "" {
		t.Fatal("Resolve must always produce a version")
	}
}
