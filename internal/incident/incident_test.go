package incident

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

func sample(msg string, at time.Time) *Incident {
	return &Incident{
		Time:     at,
		Phase:    PhasePost,
		Code:     4002,
		CodeName: "TypeMismatch",
		Message:  msg,
		Function: "0xa::M::main",
		Offset:   3,
		Instr:    "Add",
		Stack:    []string{"u64", "bool"},
	}
}

func TestCollectorConcurrentReport(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Report(sample("x", time.Now()))
		}()
	}
	wg.Wait()
	if c.Len() != 16 {
		t.Fatalf("expected 16 incidents, got %d", c.Len())
	}
	for _, in := range c.Incidents() {
		if in.ID == "" {
			t.Fatalf("incident without ID: %+v", in)
		}
	}
}

func TestWithScenarioTags(t *testing.T) {
	c := NewCollector()
	s := WithScenario(c, "transfer")
	s.Report(sample("x", time.Now()))
	if got := c.Incidents()[0].Scenario; got != "transfer" {
		t.Fatalf("scenario = %q", got)
	}
	if WithScenario(nil, "x") != nil {
		t.Fatalf("nil sink must stay nil")
	}
}

func TestMultiSkipsNil(t *testing.T) {
	a, b := NewCollector(), NewCollector()
	m := Multi(nil, a, b)
	m.Report(sample("x", time.Now()))
	if a.Len() != 1 || b.Len() != 1 {
		t.Fatalf("fan out failed: %d %d", a.Len(), b.Len())
	}
	if Multi(nil) != nil {
		t.Fatalf("Multi of nothing should be nil")
	}
}

func TestStorePutListGet(t *testing.T) {
	st, err := OpenStore(filepath.Join(t.TempDir(), "inc"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	second := sample("second", base.Add(time.Second))
	first := sample("first", base)
	st.Report(second)
	st.Report(first)
	if err := st.Err(); err != nil {
		t.Fatalf("report: %v", err)
	}

	list, err := st.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Message != "first" || list[1].Message != "second" {
		t.Fatalf("unexpected order: %+v", list)
	}
	if len(list[0].Stack) != 2 || list[0].Stack[1] != "bool" {
		t.Fatalf("stack not preserved: %v", list[0].Stack)
	}

	got, ok, err := st.Get(first.ID)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Summary() != first.Summary() {
		t.Fatalf("summary mismatch: %q vs %q", got.Summary(), first.Summary())
	}
	if _, ok, err := st.Get("missing"); ok || err != nil {
		t.Fatalf("missing id: ok=%v err=%v", ok, err)
	}

	entries, err := os.ReadDir(st.Dir())
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}

func TestStoreSkipsOtherSchema(t *testing.T) {
	st, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, err := msgpack.Marshal(&record{Schema: storeSchemaVersion + 1, Incident: sample("old", time.Now())})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(st.Dir(), "old"+recordExt), data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	st.Report(sample("new", time.Now()))
	list, err := st.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Message != "new" {
		t.Fatalf("expected only the current-schema record, got %+v", list)
	}
}

func TestSummary(t *testing.T) {
	in := sample("expected u64, got bool", time.Now())
	want := "PTC4002 TypeMismatch 0xa::M::main@3 [Add]: expected u64, got bool"
	if got := in.Summary(); got != want {
		t.Fatalf("summary = %q, want %q", got, want)
	}
}
