package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"movecheck/internal/incident"
	"movecheck/internal/observ"
	"movecheck/internal/paranoid"
	"movecheck/internal/replay"
	"movecheck/internal/trace"
)

var replayCmd = &cobra.Command{
	Use:   "replay [paths...]",
	Short: "Replay scenarios under the paranoid type checker",
	Long: `Replay runs scenario files (or every *.scenario.toml below the given
directories) and compares each outcome with the scenario's expect key.
Every checker failure is captured as an incident.`,
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().Int("jobs", 0, "scenarios replayed in parallel (0 = GOMAXPROCS)")
	replayCmd.Flags().String("ui", "auto", "progress UI (auto|on|off)")
	replayCmd.Flags().String("incidents", "", "directory to store captured incidents in")
	replayCmd.Flags().Int("max-steps", 0, "instruction budget for scenarios that set none")
	replayCmd.Flags().Bool("verbose", false, "print passing scenarios too")
}

var (
	passLabel = color.New(color.FgGreen, color.Bold)
	failLabel = color.New(color.FgRed, color.Bold)
	dimText   = color.New(color.Faint)
)

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	counter := &progressCounter{}
	cleanup, err := setupTracing(cmd, cfg, counter.status)
	if err != nil {
		return err
	}
	defer cleanup()
	stopProfiling, err := setupProfiling(cmd)
	if err != nil {
		return err
	}
	defer stopProfiling()

	quiet, err := cmd.Root().PersistentFlags().GetBool("quiet")
	if err != nil {
		return fmt.Errorf("failed to get quiet flag: %w", err)
	}
	timings, err := cmd.Root().PersistentFlags().GetBool("timings")
	if err != nil {
		return fmt.Errorf("failed to get timings flag: %w", err)
	}
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		return fmt.Errorf("failed to get verbose flag: %w", err)
	}
	opts, uiValue, incidentDir, err := replayOptions(cmd, cfg)
	if err != nil {
		return err
	}
	mode, err := readUIMode(uiValue)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	tracer := trace.FromContext(ctx)
	opts.Tracer = tracer
	opts.Progress = counter
	timer := observ.NewTimer()

	paths := args
	if len(paths) == 0 {
		paths = []string{"."}
		if cfg.Root != "" {
			paths = []string{cfg.Root}
		}
	}
	phase := timer.Begin("discover")
	files, err := replay.Discover(paths)
	if err != nil {
		return err
	}
	timer.End(phase, fmt.Sprintf("%d files", len(files)))
	if len(files) == 0 {
		return fmt.Errorf("no %s files found", replay.ScenarioExt)
	}
	counter.total.Store(int64(len(files)))

	collector := incident.NewCollector()
	var store *incident.Store
	if incidentDir != "" {
		if store, err = incident.OpenStore(incidentDir); err != nil {
			return err
		}
	}
	opts.Sink = incident.Multi(collector, storeSink(store))

	span := trace.Begin(tracer, trace.ScopeDriver, "replay", 0)
	phase = timer.Begin("replay")
	var reports []replay.Report
	if !quiet && shouldUseTUI(mode) {
		reports, err = runBatchWithUI(trace.WithSpan(ctx, span), "replay", files, opts)
	} else {
		reports, err = replay.Batch(trace.WithSpan(ctx, span), files, opts)
	}
	failed := countFailed(reports)
	timer.End(phase, fmt.Sprintf("jobs=%d", opts.Jobs))
	span.WithExtra("failed", fmt.Sprint(failed)).End(fmt.Sprintf("%d scenarios", len(files)))
	if err != nil {
		return err
	}

	phase = timer.Begin("report")
	out := cmd.OutOrStdout()
	printReports(out, reports, verbose && !quiet)
	if !quiet {
		printSummary(out, reports, failed, collector.Len(), store)
	}
	timer.End(phase, "")
	if store != nil {
		if err := store.Err(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: some incidents were not saved: %v\n", err)
		}
	}
	if timings {
		fmt.Fprint(cmd.ErrOrStderr(), timer.Summary())
	}
	if failed > 0 {
		dumpRing(cmd.ErrOrStderr(), tracer)
		return fmt.Errorf("%d of %d scenarios failed", failed, len(reports))
	}
	return nil
}

// replayOptions merges flags with the [replay] and [incidents] config
// sections; flags win when set.
func replayOptions(cmd *cobra.Command, cfg *projectConfig) (replay.Options, string, string, error) {
	flags := cmd.Flags()
	jobs, err := flags.GetInt("jobs")
	if err != nil {
		return replay.Options{}, "", "", fmt.Errorf("failed to get jobs flag: %w", err)
	}
	maxSteps, err := flags.GetInt("max-steps")
	if err != nil {
		return replay.Options{}, "", "", fmt.Errorf("failed to get max-steps flag: %w", err)
	}
	uiValue, err := flags.GetString("ui")
	if err != nil {
		return replay.Options{}, "", "", fmt.Errorf("failed to get ui flag: %w", err)
	}
	dir, err := flags.GetString("incidents")
	if err != nil {
		return replay.Options{}, "", "", fmt.Errorf("failed to get incidents flag: %w", err)
	}

	if !flags.Changed("jobs") {
		jobs = cfg.Replay.Jobs
	}
	if !flags.Changed("max-steps") {
		maxSteps = cfg.Replay.MaxSteps
	}
	if !flags.Changed("ui") && cfg.Replay.UI != "" {
		uiValue = cfg.Replay.UI
	}
	if !flags.Changed("incidents") {
		dir = cfg.Incidents.Dir
	}
	if jobs < 0 {
		return replay.Options{}, "", "", errors.New("--jobs must not be negative")
	}
	if maxSteps < 0 {
		return replay.Options{}, "", "", errors.New("--max-steps must not be negative")
	}
	return replay.Options{Jobs: jobs, MaxSteps: maxSteps}, uiValue, dir, nil
}

// progressCounter counts finished scenarios for the trace heartbeat.
type progressCounter struct {
	total atomic.Int64
	done  atomic.Int64
}

func (p *progressCounter) OnEvent(ev replay.Event) {
	if ev.Status == replay.StatusPassed || ev.Status == replay.StatusFailed {
		p.done.Add(1)
	}
}

func (p *progressCounter) status() string {
	return fmt.Sprintf("%d/%d scenarios done", p.done.Load(), p.total.Load())
}

// storeSink keeps a nil *Store from becoming a non-nil Sink.
func storeSink(s *incident.Store) incident.Sink {
	if s == nil {
		return nil
	}
	return s
}

func countFailed(reports []replay.Report) int {
	n := 0
	for _, r := range reports {
		if !r.Passed {
			n++
		}
	}
	return n
}

func printReports(out io.Writer, reports []replay.Report, verbose bool) {
	for _, r := range reports {
		name := displayName(r)
		switch {
		case r.Err != nil:
			fmt.Fprintf(out, "%s %s: %v\n", failLabel.Sprint("FAIL"), name, r.Err)
		case !r.Passed:
			fmt.Fprintf(out, "%s %s: expected %s, got %s\n", failLabel.Sprint("FAIL"), name, r.Expect, outcomeText(r.Result))
			if r.Result.Err != nil {
				fmt.Fprintf(out, "     %s\n", r.Result.Err)
			}
		case verbose:
			fmt.Fprintf(out, "%s %s %s\n", passLabel.Sprint("PASS"), name,
				dimText.Sprintf("(%s, %d steps, %d calls, %s)", outcomeText(r.Result), r.Result.Steps, r.Result.Calls, r.Result.Duration.Round(time.Microsecond)))
		}
	}
}

func printSummary(out io.Writer, reports []replay.Report, failed, incidents int, store *incident.Store) {
	passed := len(reports) - failed
	line := fmt.Sprintf("%d passed, %d failed", passed, failed)
	if failed > 0 {
		line = failLabel.Sprint(line)
	} else {
		line = passLabel.Sprint(line)
	}
	fmt.Fprintln(out, line)
	if incidents > 0 {
		where := ""
		if store != nil {
			where = " in " + store.Dir()
		}
		fmt.Fprintf(out, "%d incidents captured%s\n", incidents, where)
	}
}

func displayName(r replay.Report) string {
	if r.Scenario != nil && r.Scenario.Name != "" {
		return r.Scenario.Name
	}
	return filepath.Base(r.File)
}

func outcomeText(res replay.Result) string {
	if ce, ok := paranoid.AsCheckError(res.Err); ok {
		return ce.Code.Name()
	}
	return res.Outcome.String()
}
