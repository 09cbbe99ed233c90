package replay

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"movecheck/internal/incident"
	"movecheck/internal/loader"
	"movecheck/internal/paranoid"
	"movecheck/internal/trace"
	"movecheck/internal/types"
)

// Options configure scenario replays.
type Options struct {
	Jobs     int // parallel scenarios; <= 0 means GOMAXPROCS
	MaxSteps int // used when a scenario sets none
	Tracer   trace.Tracer
	Sink     incident.Sink
	Progress ProgressSink
}

// Report is the verdict for one scenario file.
type Report struct {
	File     string
	Scenario *Scenario
	Expect   Expectation
	Result   Result
	Passed   bool
	Err      error // the scenario could not be loaded or started
}

// registryCache shares one registry between scenarios that load the same
// set of modules.
type registryCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	once sync.Once
	reg  *loader.Registry
	err  error
}

func newRegistryCache() *registryCache {
	return &registryCache{entries: make(map[string]*cacheEntry)}
}

func (c *registryCache) get(paths []string) (*loader.Registry, error) {
	keys := make([]string, len(paths))
	for i, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		keys[i] = abs
	}
	sort.Strings(keys)
	key := strings.Join(keys, "\x00")

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &cacheEntry{}
		c.entries[key] = e
	}
	c.mu.Unlock()

	e.once.Do(func() {
		reg := loader.NewRegistry()
		if _, err := reg.LoadFiles(paths...); err != nil {
			e.err = err
			return
		}
		e.reg = reg
	})
	return e.reg, e.err
}

// Batch replays every file with at most opts.Jobs scenarios in flight.
// Scenario failures are recorded in the reports; the error is non-nil only
// when ctx is cancelled.
func Batch(ctx context.Context, files []string, opts Options) ([]Report, error) {
	if len(files) == 0 {
		return nil, nil
	}
	jobs := opts.Jobs
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}
	emit := func(ev Event) {
		if opts.Progress != nil {
			opts.Progress.OnEvent(ev)
		}
	}
	for _, f := range files {
		emit(Event{File: f, Stage: StageLoad, Status: StatusQueued})
	}

	cache := newRegistryCache()
	// Indexes are unique per goroutine, no lock needed.
	reports := make([]Report, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(jobs, len(files)))
	for i, path := range files {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			reports[i] = runFile(gctx, path, cache, opts, emit)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return reports, err
	}
	return reports, nil
}

// RunFile replays a single scenario file.
func RunFile(ctx context.Context, path string, opts Options) Report {
	return runFile(ctx, path, newRegistryCache(), opts, func(Event) {})
}

func runFile(ctx context.Context, path string, cache *registryCache, opts Options, emit func(Event)) Report {
	start := time.Now()
	rep := Report{File: path}
	fail := func(stage Stage, err error) Report {
		rep.Err = err
		emit(Event{File: path, Stage: stage, Status: StatusFailed, Err: err, Elapsed: time.Since(start)})
		return rep
	}

	emit(Event{File: path, Stage: StageLoad, Status: StatusWorking})
	sc, err := LoadScenario(path)
	if err != nil {
		return fail(StageLoad, err)
	}
	rep.Scenario = sc
	rep.Expect, _ = ParseExpectation(sc.Expect)
	reg, err := cache.get(sc.Modules)
	if err != nil {
		return fail(StageLoad, err)
	}

	emit(Event{File: path, Stage: StageRun, Status: StatusWorking})
	res, err := RunScenario(ctx, reg, sc, opts)
	if err != nil {
		return fail(StageRun, err)
	}
	rep.Result = res
	rep.Passed = res.Matches(rep.Expect)

	status := StatusPassed
	var evErr error
	if !rep.Passed {
		status = StatusFailed
		evErr = fmt.Errorf("expected %s, got %s", rep.Expect, describe(res))
	}
	emit(Event{File: path, Stage: StageRun, Status: status, Err: evErr, Elapsed: time.Since(start)})
	return rep
}

func describe(res Result) string {
	if ce, ok := paranoid.AsCheckError(res.Err); ok {
		return ce.Code.Name()
	}
	return res.Outcome.String()
}

// RunScenario replays sc against modules already loaded into reg. The
// returned error covers setup problems only; checker failures and faults
// are reported in the Result.
func RunScenario(ctx context.Context, reg *loader.Registry, sc *Scenario, opts Options) (Result, error) {
	entry, err := reg.Function(sc.Entry)
	if err != nil {
		return Result{}, fmt.Errorf("%s: entry: %w", sc.Name, err)
	}
	tyArgs := make([]types.Type, 0, len(sc.TyArgs))
	for _, src := range sc.TyArgs {
		ty, err := reg.ParseType(src)
		if err != nil {
			return Result{}, fmt.Errorf("%s: ty_args: %w", sc.Name, err)
		}
		tyArgs = append(tyArgs, ty)
	}
	link := entry.Module().ID.Address
	if sc.Link != "" {
		if link, err = types.ParseAddress(sc.Link); err != nil {
			return Result{}, fmt.Errorf("%s: link: %w", sc.Name, err)
		}
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = trace.FromContext(ctx)
	}
	span := trace.Begin(tracer, trace.ScopeScenario, "scenario "+sc.Name, trace.CurrentSpan(ctx).SpanID)
	checker := paranoid.New(reg,
		paranoid.WithTracer(tracer, span.ID()),
		paranoid.WithIncidentSink(incident.WithScenario(opts.Sink, sc.Name)),
	)

	maxSteps := sc.MaxSteps
	if maxSteps == 0 {
		maxSteps = opts.MaxSteps
	}
	m := NewMachine(reg, checker, link, sc.Branches, maxSteps)
	res := m.Run(trace.WithSpan(ctx, span), entry, tyArgs)
	span.WithExtra("steps", fmt.Sprint(res.Steps)).End(describe(res))
	return res, nil
}
