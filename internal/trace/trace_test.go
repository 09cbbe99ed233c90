package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestParseLevelAndMode(t *testing.T) {
	for in, want := range map[string]Level{"": LevelOff, "ERROR": LevelError, " phase ": LevelPhase, "detail": LevelDetail, "debug": LevelDebug} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if m, err := ParseMode("both"); err != nil || m != ModeBoth {
		t.Fatalf("ParseMode(both) = %v, %v", m, err)
	}
	if _, err := ParseMode("disk"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestLevelAdmitsErrorsAlways(t *testing.T) {
	errEv := &Event{Kind: KindError, Scope: ScopeInstr}
	callEv := &Event{Kind: KindPoint, Scope: ScopeCall}
	if !LevelError.admits(errEv) || LevelOff.admits(errEv) {
		t.Fatal("errors pass every level but off")
	}
	if LevelPhase.admits(callEv) || !LevelDetail.admits(callEv) {
		t.Fatal("call scope starts at detail")
	}
}

func TestSpansNestUnderParent(t *testing.T) {
	ring := NewRingTracer(16, LevelDetail)
	outer := Begin(ring, ScopeScenario, "scenario demo", 0)
	inner := Begin(ring, ScopeCall, "call 0xa::M::f", outer.ID())
	Point(ring, ScopeInstr, "pre", "LdU64 1", inner.ID()) // below detail
	inner.WithExtra("code", "PTC4002").End("PTC4002")
	outer.End("TypeMismatch")

	evs := ring.Snapshot()
	if len(evs) != 4 {
		t.Fatalf("got %d events, want 4", len(evs))
	}
	if evs[1].ParentID != evs[0].SpanID || evs[1].Kind != KindSpanBegin {
		t.Fatalf("inner span does not point at outer: %+v", evs[1])
	}
	if evs[2].Extra["code"] != "PTC4002" || evs[2].Detail != "PTC4002" {
		t.Fatalf("unexpected inner end %+v", evs[2])
	}
}

func TestDisabledSpanIsSafe(t *testing.T) {
	s := Begin(Nop, ScopeScenario, "x", 0)
	if s.ID() != 0 {
		t.Fatalf("nop span id = %d", s.ID())
	}
	s.WithExtra("k", "v").End("done")
	var nilSpan *Span
	nilSpan.End("")
	if ctx := WithSpan(context.Background(), s); CurrentSpan(ctx).SpanID != 0 {
		t.Fatal("nop span should not be recorded in the context")
	}
}

func TestRingWrapsInOrder(t *testing.T) {
	ring := NewRingTracer(3, LevelDebug)
	for i := range 5 {
		Point(ring, ScopeDriver, "p", string(rune('a'+i)), 0)
	}
	evs := ring.Snapshot()
	var got []string
	for _, ev := range evs {
		got = append(got, ev.Detail)
	}
	if strings.Join(got, "") != "cde" {
		t.Fatalf("ring kept %v, want c d e", got)
	}
	var buf bytes.Buffer
	if err := ring.Dump(&buf, FormatText); err != nil {
		t.Fatal(err)
	}
	if strings.Count(buf.String(), "\n") != 3 {
		t.Fatalf("dump:\n%s", buf.String())
	}
}

func TestStreamNDJSON(t *testing.T) {
	var buf bytes.Buffer
	st := NewStreamTracer(&buf, LevelError, FormatNDJSON)
	Point(st, ScopeScenario, "skipped", "", 0)
	Fail(st, ScopeCall, "pre", "paranoid PTC4002", 7, map[string]string{"code": "PTC4002"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected only the error event, got:\n%s", buf.String())
	}
	var ev map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("bad ndjson: %v", err)
	}
	if ev["kind"] != "error" || ev["scope"] != "call" || ev["parent_id"] != float64(7) {
		t.Fatalf("unexpected event %v", ev)
	}
}

func TestContextCarriesTracer(t *testing.T) {
	if FromContext(context.Background()) != Nop {
		t.Fatal("missing tracer should be Nop")
	}
	ring := NewRingTracer(4, LevelPhase)
	ctx := WithTracer(context.Background(), ring)
	if FromContext(ctx) != Tracer(ring) {
		t.Fatal("tracer not carried by context")
	}
	span := Begin(ring, ScopeScenario, "s", 0)
	if got := CurrentSpan(WithSpan(ctx, span)).SpanID; got != span.ID() {
		t.Fatalf("CurrentSpan = %d, want %d", got, span.ID())
	}
}

func TestMultiFansOut(t *testing.T) {
	var buf bytes.Buffer
	ring := NewRingTracer(8, LevelPhase)
	multi := NewMultiTracer(LevelPhase, NewStreamTracer(&buf, LevelPhase, FormatText), ring)
	Begin(multi, ScopeDriver, "replay", 0).End("2 scenarios")
	if len(ring.Snapshot()) != 2 || !strings.Contains(buf.String(), "replay (2 scenarios)") {
		t.Fatalf("fan-out failed: ring=%d text=%q", len(ring.Snapshot()), buf.String())
	}
	if multi.Ring() != ring {
		t.Fatal("Ring() should return the ring child")
	}
}

type syncRing struct {
	mu  sync.Mutex
	evs []Event
}

func (s *syncRing) Emit(ev *Event) {
	s.mu.Lock()
	s.evs = append(s.evs, *ev)
	s.mu.Unlock()
}
func (s *syncRing) Flush() error  { return nil }
func (s *syncRing) Close() error  { return nil }
func (s *syncRing) Level() Level  { return LevelPhase }
func (s *syncRing) Enabled() bool { return true }

func (s *syncRing) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.evs)
}

func (s *syncRing) first() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evs[0]
}

func TestHeartbeatReportsStatus(t *testing.T) {
	sink := &syncRing{}
	hb := StartHeartbeat(sink, time.Millisecond, func() string { return "1/2 scenarios done" })
	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	hb.Stop()
	hb.Stop()
	if sink.count() == 0 {
		t.Fatal("no heartbeat emitted")
	}
	if ev := sink.first(); ev.Kind != KindHeartbeat || ev.Detail != "#1 1/2 scenarios done" {
		t.Fatalf("unexpected heartbeat %+v", ev)
	}
	if StartHeartbeat(Nop, time.Millisecond, nil) != nil {
		t.Fatal("heartbeat on a disabled tracer should be nil")
	}
}

func TestNewOff(t *testing.T) {
	tr, err := New(Config{Level: LevelOff})
	if err != nil || tr.Enabled() {
		t.Fatalf("New(off) = %v, %v", tr, err)
	}
}
