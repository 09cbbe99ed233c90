package main

import (
	"context"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"movecheck/internal/replay"
	"movecheck/internal/ui"
)

type batchOutcome struct {
	reports []replay.Report
	err     error
}

// runBatchWithUI runs replay.Batch while a progress view renders its events.
func runBatchWithUI(ctx context.Context, title string, files []string, opts replay.Options) ([]replay.Report, error) {
	events := make(chan replay.Event, 256)
	outcomeCh := make(chan batchOutcome, 1)

	go func() {
		opts.Progress = progressChain{opts.Progress, replay.ChannelSink{Ch: events}}
		reports, err := replay.Batch(ctx, files, opts)
		outcomeCh <- batchOutcome{reports: reports, err: err}
		close(events)
	}()

	model := ui.NewProgressModel(title, files, events)
	program := tea.NewProgram(model, tea.WithOutput(os.Stdout))
	_, uiErr := program.Run()
	if uiErr != nil {
		// Drain so Batch can finish.
		go func() {
			for range events {
			}
		}()
	}
	outcome := <-outcomeCh
	if uiErr != nil {
		return outcome.reports, uiErr
	}
	return outcome.reports, outcome.err
}

// progressChain forwards each event to every non-nil sink in order.
type progressChain []replay.ProgressSink

func (c progressChain) OnEvent(ev replay.Event) {
	for _, s := range c {
		if s != nil {
			s.OnEvent(ev)
		}
	}
}
