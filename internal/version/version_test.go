package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestPseudoFromSettings(t *testing.T) {
	got := pseudoFromSettings([]debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef"},
		{Key: "vcs.time", Value: "2025-03-04T05:06:07Z"},
		{Key: "vcs.modified", Value: "true"},
	})
	if got != "v0.0.0-20250304050607-0123456789ab+dirty" {
		t.Fatalf("unexpected pseudo version %q", got)
	}
	if pseudoFromSettings(nil) != "" {
		t.Fatal("expected empty pseudo version without vcs settings")
	}
}

func TestUserAgentCarriesVersion(t *testing.T) {
	if ua := UserAgent(); !strings.HasPrefix(ua, "rcswitch/") {
		t.Fatalf("unexpected user agent %q", ua)
	}
}
