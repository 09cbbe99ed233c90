package replay

import "time"

// Stage describes where a scenario is in its replay.
type Stage string

const (
	// StageLoad covers decoding the scenario and loading its modules.
	StageLoad Stage = "load"
	// StageRun covers the replay itself.
	StageRun Stage = "run"
)

// Status captures progress state within a stage.
type Status string

const (
	// StatusQueued indicates the scenario is waiting for a worker.
	StatusQueued Status = "queued"
	// StatusWorking indicates the scenario is in progress.
	StatusWorking Status = "working"
	// StatusPassed indicates the outcome matched the expectation.
	StatusPassed Status = "passed"
	// StatusFailed indicates the outcome did not match, or the scenario
	// could not be loaded.
	StatusFailed Status = "failed"
)

// Event reports progress for one scenario file.
type Event struct {
	File    string
	Stage   Stage
	Status  Status
	Err     error
	Elapsed time.Duration
}

// ProgressSink consumes progress events. Batch calls it from worker
// goroutines.
type ProgressSink interface {
	OnEvent(Event)
}

// ChannelSink forwards events into a channel.
type ChannelSink struct {
	Ch chan<- Event
}

func (s ChannelSink) OnEvent(evt Event) {
	if s.Ch == nil {
		return
	}
	s.Ch <- evt
}
