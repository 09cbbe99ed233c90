package replay

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"movecheck/internal/incident"
	"movecheck/internal/loader"
	"movecheck/internal/paranoid"
	"movecheck/internal/trace"
	"movecheck/internal/types"
)

const moduleA = `
[module]
address = "0xA"
name = "M"

[[structs]]
name = "Coin"
abilities = ["store", "key"]
fields = [{ name = "value", type = "u64" }]

[[structs]]
name = "Box"
abilities = ["copy", "drop", "store"]
type_params = [{ name = "T" }]
fields = [{ name = "v", type = "T" }]

[[functions]]
name = "mint"
visibility = "public"
params = ["u64"]
returns = ["Coin"]
code = ["MoveLoc 0", "Pack Coin", "Ret"]

[[functions]]
name = "burn"
visibility = "public"
params = ["Coin"]
returns = ["u64"]
code = ["MoveLoc 0", "Unpack Coin", "Ret"]

[[functions]]
name = "id"
visibility = "public"
type_params = ["T"]
params = ["T"]
returns = ["T"]
code = ["MoveLoc 0", "Ret"]

[[functions]]
name = "secret"
code = ["Ret"]

[[functions]]
name = "hash"
visibility = "public"
native = true
params = ["vector<u8>"]
returns = ["vector<u8>"]

[[functions]]
name = "main"
visibility = "public"
entry = true
locals = ["Coin", "u64", "Box<u64>"]
code = [
  "LdU64 10",
  "Call mint",
  "StLoc 0",
  "MoveLoc 0",
  "Call burn",
  "CallGeneric id<u64>",
  "StLoc 1",
  "CopyLoc 1",
  "PackGeneric Box<u64>",
  "StLoc 2",
  "VecPack u8 0",
  "Call hash",
  "Pop",
  "LdTrue",
  "BrTrue 17",
  "LdU64 7",
  "Abort",
  "Ret",
]

[[functions]]
name = "bad_add"
code = ["LdU64 1", "LdU8 1", "Add", "Pop", "Ret"]

[[functions]]
name = "copy_coin"
locals = ["Coin"]
code = ["LdU64 1", "Pack Coin", "StLoc 0", "CopyLoc 0", "Pop", "Ret"]

[[functions]]
name = "overwrite"
locals = ["Coin"]
code = ["LdU64 1", "Pack Coin", "StLoc 0", "LdU64 2", "Pack Coin", "StLoc 0", "Ret"]

[[functions]]
name = "spin"
code = ["Branch 0"]

[[functions]]
name = "ghost"
locals = ["u64"]
code = ["MoveLoc 0", "Pop", "Ret"]

[[functions]]
name = "liar"
returns = ["u64"]
code = ["LdTrue", "Ret"]
`

const moduleB = `
[module]
address = "0xB"
name = "N"

[[functions]]
name = "main"
entry = true
code = ["Call 0xA::M::secret", "Ret"]
`

func loadRegistry(t *testing.T, srcs ...string) *loader.Registry {
	t.Helper()
	reg := loader.NewRegistry()
	var ms []*loader.Manifest
	for _, src := range srcs {
		m, err := loader.DecodeManifest("inline.toml", []byte(src))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		ms = append(ms, m)
	}
	if _, err := reg.Load(ms...); err != nil {
		t.Fatalf("load: %v", err)
	}
	return reg
}

func runEntry(t *testing.T, reg *loader.Registry, sc *Scenario, opts Options) Result {
	t.Helper()
	if sc.Name == "" {
		sc.Name = sc.Entry
	}
	res, err := RunScenario(context.Background(), reg, sc, opts)
	if err != nil {
		t.Fatalf("%s: %v", sc.Entry, err)
	}
	return res
}

func TestReplayOutcomes(t *testing.T) {
	reg := loadRegistry(t, moduleA, moduleB)
	cases := []struct {
		name     string
		sc       Scenario
		want     Outcome
		code     paranoid.Code
		offset   int
		function string
	}{
		{name: "main takes the branch", sc: Scenario{Entry: "0xA::M::main", Branches: []bool{true}}, want: OutcomeReturned},
		{name: "main falls through to abort", sc: Scenario{Entry: "0xA::M::main"}, want: OutcomeAborted},
		{name: "generic entry", sc: Scenario{Entry: "0xA::M::id", TyArgs: []string{"vector<0xA::M::Coin>"}}, want: OutcomeReturned},
		{name: "native entry", sc: Scenario{Entry: "0xA::M::hash"}, want: OutcomeReturned},
		{name: "add mismatch", sc: Scenario{Entry: "0xA::M::bad_add"}, want: OutcomeCheckFailed, code: paranoid.CodeTypeMismatch, offset: 2, function: "0xa::M::bad_add"},
		{name: "copy of non-copy", sc: Scenario{Entry: "0xA::M::copy_coin"}, want: OutcomeCheckFailed, code: paranoid.CodeAbilityViolation, offset: 3, function: "0xa::M::copy_coin"},
		{name: "overwrite of non-drop", sc: Scenario{Entry: "0xA::M::overwrite"}, want: OutcomeCheckFailed, code: paranoid.CodeAbilityViolation, offset: 5, function: "0xa::M::overwrite"},
		{name: "private across address", sc: Scenario{Entry: "0xB::N::main"}, want: OutcomeCheckFailed, code: paranoid.CodeVisibilityViolation, offset: -1, function: "0xa::M::secret"},
		{name: "wrong return", sc: Scenario{Entry: "0xA::M::liar"}, want: OutcomeCheckFailed, code: paranoid.CodeTypeMismatch, offset: -1, function: "0xa::M::liar"},
		{name: "step limit", sc: Scenario{Entry: "0xA::M::spin", MaxSteps: 50}, want: OutcomeStepLimit},
		{name: "invalid local", sc: Scenario{Entry: "0xA::M::ghost"}, want: OutcomeFault},
		{name: "missing type args", sc: Scenario{Entry: "0xA::M::id"}, want: OutcomeFault},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sc := tc.sc
			res := runEntry(t, reg, &sc, Options{})
			if res.Outcome != tc.want {
				t.Fatalf("outcome = %s (%v), want %s", res.Outcome, res.Err, tc.want)
			}
			if tc.want != OutcomeCheckFailed {
				return
			}
			ce, ok := paranoid.AsCheckError(res.Err)
			if !ok {
				t.Fatalf("not a check error: %v", res.Err)
			}
			if ce.Code != tc.code || ce.Location.Offset != tc.offset || ce.Location.Function != tc.function {
				t.Fatalf("error = %v (location %+v)", ce, ce.Location)
			}
		})
	}
}

func TestReplayCountsCalls(t *testing.T) {
	reg := loadRegistry(t, moduleA)
	res := runEntry(t, reg, &Scenario{Entry: "0xA::M::main", Branches: []bool{true}}, Options{})
	if res.Calls != 4 || res.Steps != 24 {
		t.Fatalf("calls=%d steps=%d", res.Calls, res.Steps)
	}
}

func TestLinkContextMustBePublished(t *testing.T) {
	reg := loadRegistry(t, moduleA)
	res := runEntry(t, reg, &Scenario{Entry: "0xA::M::bad_add", Link: "0xC"}, Options{})
	if res.Outcome != OutcomeFault || !strings.Contains(res.Err.Error(), "link context") {
		t.Fatalf("outcome = %s (%v)", res.Outcome, res.Err)
	}

	// A native entry point resolves through the checker, which reports the
	// loader failure itself.
	res = runEntry(t, reg, &Scenario{Entry: "0xA::M::hash", Link: "0xC"}, Options{})
	if !errors.Is(res.Err, paranoid.ErrResolutionFailure) {
		t.Fatalf("native entry under unknown link: %v", res.Err)
	}
}

func TestIncidentsCarryScenario(t *testing.T) {
	reg := loadRegistry(t, moduleA)
	sink := incident.NewCollector()
	ring := trace.NewRingTracer(256, trace.LevelDetail)
	res := runEntry(t, reg, &Scenario{Name: "adds", Entry: "0xA::M::bad_add"}, Options{Sink: sink, Tracer: ring})
	if res.Outcome != OutcomeCheckFailed {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	got := sink.Incidents()
	if len(got) != 1 || got[0].Scenario != "adds" || got[0].Instr != "Add" {
		t.Fatalf("incidents = %+v", got)
	}
	// Both operands were consumed before the comparison failed.
	if len(got[0].Stack) != 0 || !strings.Contains(got[0].Message, "expected u64, got u8") {
		t.Fatalf("incident = %+v", got[0])
	}

	var scenarioSpans int
	for _, ev := range ring.Snapshot() {
		if ev.Scope == trace.ScopeScenario && ev.Kind == trace.KindSpanEnd {
			scenarioSpans++
			if ev.Detail != "TypeMismatch" {
				t.Fatalf("scenario span detail = %q", ev.Detail)
			}
		}
	}
	if scenarioSpans != 1 {
		t.Fatalf("scenario spans = %d", scenarioSpans)
	}
}

func TestParseExpectation(t *testing.T) {
	for in, want := range map[string]Expectation{
		"":             {Outcome: OutcomeReturned},
		"OK":           {Outcome: OutcomeReturned},
		"abort":        {Outcome: OutcomeAborted},
		"limit":        {Outcome: OutcomeStepLimit},
		"TypeMismatch": {Outcome: OutcomeCheckFailed, Code: paranoid.CodeTypeMismatch},
		"PTC4005":      {Outcome: OutcomeCheckFailed, Code: paranoid.CodeVisibilityViolation},
	} {
		got, err := ParseExpectation(in)
		if err != nil || got != want {
			t.Fatalf("ParseExpectation(%q) = %+v, %v", in, got, err)
		}
	}
	if _, err := ParseExpectation("Explodes"); err == nil {
		t.Fatalf("unknown expectation accepted")
	}
}

func TestDecodeScenario(t *testing.T) {
	sc, err := DecodeScenario("/work/s/pack.scenario.toml", []byte(`
modules = ["m.toml", "/abs/n.toml"]
entry = "0xA::M::main"
expect = "AbilityViolation"
`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sc.Name != "pack" {
		t.Fatalf("default name = %q", sc.Name)
	}
	if sc.Modules[0] != filepath.Join("/work/s", "m.toml") || sc.Modules[1] != "/abs/n.toml" {
		t.Fatalf("modules = %v", sc.Modules)
	}

	for _, bad := range []string{
		`modules = ["m.toml"]`,
		`entry = "0xA::M::main"`,
		"modules = [\"m.toml\"]\nentry = \"0xA::M::f\"\nexpect = \"nope\"",
		"modules = [\"m.toml\"]\nentry = \"0xA::M::f\"\nbranchez = [true]",
	} {
		if _, err := DecodeScenario("x.scenario.toml", []byte(bad)); err == nil {
			t.Fatalf("accepted %q", bad)
		}
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) OnEvent(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestBatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "mods", "a.toml"), moduleA)
	writeFile(t, filepath.Join(dir, "ok.scenario.toml"),
		"modules = [\"mods/a.toml\"]\nentry = \"0xA::M::main\"\nbranches = [true]\n")
	writeFile(t, filepath.Join(dir, "add.scenario.toml"),
		"modules = [\"mods/a.toml\"]\nentry = \"0xA::M::bad_add\"\nexpect = \"TypeMismatch\"\n")
	writeFile(t, filepath.Join(dir, "wrong.scenario.toml"),
		"modules = [\"mods/a.toml\"]\nentry = \"0xA::M::main\"\n")
	writeFile(t, filepath.Join(dir, "sub", "broken.scenario.toml"),
		"modules = [\"missing.toml\"]\nentry = \"0xA::M::main\"\n")
	writeFile(t, filepath.Join(dir, "notes.toml"), "ignored = true\n")

	files, err := Discover([]string{dir})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(files) != 4 {
		t.Fatalf("discovered %v", files)
	}

	log := &eventLog{}
	sink := incident.NewCollector()
	reports, err := Batch(context.Background(), files, Options{Jobs: 2, Sink: sink, Progress: log})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	verdicts := make(map[string]Report)
	for _, r := range reports {
		verdicts[strings.TrimSuffix(filepath.Base(r.File), ScenarioExt)] = r
	}
	if !verdicts["ok"].Passed || !verdicts["add"].Passed {
		t.Fatalf("expected passes: ok=%+v add=%+v", verdicts["ok"], verdicts["add"])
	}
	if w := verdicts["wrong"]; w.Passed || w.Err != nil || w.Result.Outcome != OutcomeAborted {
		t.Fatalf("wrong = %+v", w)
	}
	if b := verdicts["broken"]; b.Passed || b.Err == nil {
		t.Fatalf("broken = %+v", b)
	}
	if sink.Len() != 1 || sink.Incidents()[0].Scenario != "add" {
		t.Fatalf("incidents = %d", sink.Len())
	}

	final := make(map[string]Status)
	for _, ev := range log.events {
		final[ev.File] = ev.Status
	}
	passed := 0
	for _, st := range final {
		if st == StatusPassed {
			passed++
		}
	}
	if len(final) != 4 || passed != 2 {
		t.Fatalf("final statuses = %v", final)
	}
}

func TestBatchHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.toml"), moduleA)
	path := filepath.Join(dir, "x.scenario.toml")
	writeFile(t, path, "modules = [\"a.toml\"]\nentry = \"0xA::M::spin\"\n")
	if _, err := Batch(ctx, []string{path}, Options{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestDepthModelMatchesTypeStack(t *testing.T) {
	// Every instruction of main passes the pre-hook depth cross-check, so
	// reaching Ret proves the depth model and the type stack stayed equal.
	reg := loadRegistry(t, moduleA)
	entry, err := reg.Function("0xA::M::main")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	m := NewMachine(reg, paranoid.New(reg), types.MustParseAddress("0xA"), []bool{true}, 0)
	if res := m.Run(context.Background(), entry, nil); res.Outcome != OutcomeReturned {
		t.Fatalf("outcome = %s (%v)", res.Outcome, res.Err)
	}
	if len(m.frames) != 0 {
		t.Fatalf("frames left: %d", len(m.frames))
	}
}

const moduleFlood = `
[module]
address = "0xC"
name = "F"

[[functions]]
name = "flood"
code = ["LdU64 7", "VecPack u64 1", "VecUnpack u64 5000000", "LdU64 1", "Abort"]

[[functions]]
name = "fill"
code = ["LdU64 7", "VecPack u64 1", "VecUnpack u64 1000", "LdU64 1", "Abort"]
`

func TestOperandStackLimit(t *testing.T) {
	reg := loadRegistry(t, moduleFlood)
	entry, err := reg.Function("0xC::F::flood")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	m := NewMachine(reg, paranoid.New(reg), types.MustParseAddress("0xC"), nil, 0)
	res := m.Run(context.Background(), entry, nil)
	var fault *Fault
	if res.Outcome != OutcomeFault || !errors.As(res.Err, &fault) || !strings.Contains(fault.Message, "overflow") {
		t.Fatalf("outcome = %s (%v)", res.Outcome, res.Err)
	}
	if fault.Offset != 2 || res.Steps != 3 {
		t.Fatalf("fault at %d after %d steps", fault.Offset, res.Steps)
	}
	// The unpack never reached the post-execution table.
	if got := m.frames[0].stack.Len(); got != 1 {
		t.Fatalf("type stack depth = %d", got)
	}

	res = runEntry(t, reg, &Scenario{Entry: "0xC::F::fill"}, Options{})
	if res.Outcome != OutcomeAborted {
		t.Fatalf("fill: outcome = %s (%v)", res.Outcome, res.Err)
	}
}
