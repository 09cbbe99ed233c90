package version

import (
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestVersionHasDefault(t *testing.T) {
	if Version == "" {
		t.Fatal("Version should have a default value")
	}
	if !strings.Contains(Version, "-dev") {
		t.Fatalf("Version = %q, want a -dev build", Version)
	}
}

func TestVersionCanBeOverridden(t *testing.T) {
	orig := Version
	defer func() { Version = orig }()
	Version = "1.2.3"
	if Version != "1.2.3" {
		t.Fatalf("Version = %q", Version)
	}
}

func TestColorizeKeepsText(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()
	color.NoColor = true
	if got := colorize("1.2.3-rc"); got != "1.2.3-rc" {
		t.Fatalf("colorize = %q", got)
	}
	if got := colorize("nightly"); got != "nightly" {
		t.Fatalf("colorize = %q", got)
	}
}
