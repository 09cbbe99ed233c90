// Package incident captures paranoid checker failures for later inspection.
//
// A failure of the runtime checker means the static verifier and the
// interpreter disagree, so every one is kept with enough context (the type
// stack, the instruction, the instantiation) to reproduce it.
package incident

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Phase names the checker hook that raised an incident.
type Phase string

const (
	PhaseEntry  Phase = "entry"
	PhaseCall   Phase = "call"
	PhaseReturn Phase = "return"
	PhasePre    Phase = "pre"
	PhasePost   Phase = "post"
)

// Incident is one recorded checker failure.
type Incident struct {
	ID       string    `msgpack:"id"`
	Time     time.Time `msgpack:"time"`
	Scenario string    `msgpack:"scenario,omitempty"`
	Phase    Phase     `msgpack:"phase"`
	Code     int       `msgpack:"code"`
	CodeName string    `msgpack:"code_name"`
	Message  string    `msgpack:"message"`
	Function string    `msgpack:"function,omitempty"`
	Offset   int       `msgpack:"offset"`
	Instr    string    `msgpack:"instr,omitempty"`
	Stack    []string  `msgpack:"stack,omitempty"` // bottom to top
	TyArgs   []string  `msgpack:"ty_args,omitempty"`
}

// Summary renders a one-line description.
func (in *Incident) Summary() string {
	where := in.Function
	if where == "" {
		where = "<undefined>"
	}
	if in.Offset >= 0 && in.Instr != "" {
		where = fmt.Sprintf("%s@%d [%s]", where, in.Offset, in.Instr)
	}
	return fmt.Sprintf("PTC%d %s %s: %s", in.Code, in.CodeName, where, in.Message)
}

// stampID derives a stable identifier from the incident contents.
func (in *Incident) stampID() {
	if in.ID != "" {
		return
	}
	h := sha256.New()
	for _, part := range []string{
		in.Scenario, string(in.Phase), strconv.Itoa(in.Code), in.Function,
		strconv.Itoa(in.Offset), in.Message, in.Time.UTC().Format(time.RFC3339Nano),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	in.ID = hex.EncodeToString(h.Sum(nil)[:8])
}

// Sink receives incidents. Report must be safe for concurrent use.
type Sink interface {
	Report(in *Incident)
}

// Collector keeps incidents in memory.
type Collector struct {
	mu    sync.Mutex
	items []*Incident
}

// NewCollector creates an empty collector.
func NewCollector() *Collector { return &Collector{} }

// Report records in.
func (c *Collector) Report(in *Incident) {
	if in == nil {
		return
	}
	in.stampID()
	c.mu.Lock()
	c.items = append(c.items, in)
	c.mu.Unlock()
}

// Incidents returns the recorded incidents in arrival order.
func (c *Collector) Incidents() []*Incident {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Incident, len(c.items))
	copy(out, c.items)
	return out
}

// Len returns the number of recorded incidents.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

type scenarioSink struct {
	next     Sink
	scenario string
}

func (s scenarioSink) Report(in *Incident) {
	if in.Scenario == "" {
		in.Scenario = s.scenario
	}
	s.next.Report(in)
}

// WithScenario tags every incident passing through with the scenario name.
func WithScenario(next Sink, scenario string) Sink {
	if next == nil {
		return nil
	}
	return scenarioSink{next: next, scenario: scenario}
}

type multiSink []Sink

func (m multiSink) Report(in *Incident) {
	for _, s := range m {
		s.Report(in)
	}
}

// Multi fans incidents out to every non-nil sink.
func Multi(sinks ...Sink) Sink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return out
}
