package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestPseudoVersion(t *testing.T) {
	cases := []struct {
		name     string
		settings []debug.BuildSetting
		want     string
	}{
		{"missing", nil, ""},
		{"clean", []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef"},
			{Key: "vcs.time", Value: "2026-03-01T10:20:30Z"},
		}, "v0.0.0-20260301102030-0123456789ab"},
		{"dirty", []debug.BuildSetting{
			{Key: "vcs.revision", Value: "abc"},
			{Key: "vcs.time", Value: "2026-03-01T10:20:30Z"},
			{Key: "vcs.modified", Value: "true"},
		}, "v0.0.0-20260301102030-abc+dirty"},
		{"bad time", []debug.BuildSetting{
			{Key: "vcs.revision", Value: "abc"},
			{Key: "vcs.time", Value: "yesterday"},
		}, ""},
	}
	for _, tc := range cases {
		if got := pseudoVersion(tc.settings); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestBuildVersionOverride(t *testing.T) {
	old := buildVersion
	buildVersion = "v9.9.9"
	t.Cleanup(func() { buildVersion = old })
	info := Read()
	if info.Version != "v9.9.9" {
		t.Fatalf("expected linker version, got %q", info.Version)
	}
	if !strings.Contains(info.String(), "v9.9.9") {
		t.Fatalf("unexpected string %q", info.String())
	}
}
