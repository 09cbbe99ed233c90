package observ

import (
	"strings"
	"testing"
)

func TestTimerSummary(t *testing.T) {
	tm := NewTimer()
	d := tm.Begin("discover")
	tm.End(d, "3 files")
	r := tm.Begin("replay")
	tm.End(r, "")
	tm.End(42, "ignored")

	rep := tm.Report()
	if len(rep.Phases) != 2 {
		t.Fatalf("phases = %d, want 2", len(rep.Phases))
	}
	if rep.Phases[0].Note != "3 files" {
		t.Fatalf("note = %q", rep.Phases[0].Note)
	}
	sum := tm.Summary()
	for _, want := range []string{"discover", "// 3 files", "replay", "total"} {
		if !strings.Contains(sum, want) {
			t.Fatalf("summary missing %q:\n%s", want, sum)
		}
	}
}

func TestEmptyReport(t *testing.T) {
	if rep := NewTimer().Report(); rep.Phases != nil || rep.TotalMS != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
}
