package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/stackfleet/internal/queue"
)

// ErrNoWorkers is returned by Run when not a single worker could start.
var ErrNoWorkers = errors.New("no dispatch workers started")

// State is the phase of a run.
type State string

const (
	StateCollecting State = "collecting"
	StateDispatched State = "dispatched"
	StateJoining    State = "joining"
	StateDone       State = "done"
)

// Status is the outcome of one job.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Result records what happened to one job.
type Result struct {
	Job       queue.Job
	Status    Status
	Err       error
	Worker    int
	StartedAt time.Time
	Duration  time.Duration
	Stderr    string
}

// Message returns the error text, or "" for a successful job.
func (r Result) Message() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// WorkerStartError reports a worker that failed to start.
type WorkerStartError struct {
	Worker int
	Err    error
}

func (e WorkerStartError) Error() string {
	return fmt.Sprintf("worker %d: %v", e.Worker, e.Err)
}

func (e WorkerStartError) Unwrap() error { return e.Err }

// Report is the outcome of one run.
type Report struct {
	RunID       string
	BaseDir     string
	State       State
	Workers     int
	Started     int
	StartErrors []WorkerStartError
	// Results holds one entry per job in collection order.
	Results    []Result
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is the wall time of the run.
func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Succeeded counts successful jobs.
func (r *Report) Succeeded() int { return r.count(StatusSucceeded) }

// Failed counts failed jobs.
func (r *Report) Failed() int { return r.count(StatusFailed) }

// Skipped counts jobs that were never invoked.
func (r *Report) Skipped() int { return r.count(StatusSkipped) }

func (r *Report) count(s Status) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == s {
			n++
		}
	}
	return n
}
