package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/stackfleet/internal/events"
	"github.com/mattjoyce/stackfleet/internal/log"
	"github.com/mattjoyce/stackfleet/internal/queue"
)

// Options configures a Dispatcher.
type Options struct {
	// Workers is the pool size. Values below 1 are clamped to 1, the same
	// as dispatch.workers in the config file.
	Workers int
	// LogDir receives worker-<n>.log for each worker. Empty disables
	// per-worker logs.
	LogDir string
	// Events receives progress events. Optional.
	Events Publisher
}

// Dispatcher runs batches of stack bring-ups.
type Dispatcher struct {
	runner  Runner
	workers int
	logDir  string
	events  Publisher
	logger  *slog.Logger
}

// New creates a Dispatcher invoking runner for every job.
func New(runner Runner, opts Options) *Dispatcher {
	n := opts.Workers
	if n < 1 {
		n = 1
	}
	return &Dispatcher{
		runner:  runner,
		workers: n,
		logDir:  opts.LogDir,
		events:  opts.Events,
		logger:  log.WithComponent("dispatch"),
	}
}

// Workers reports the configured pool size.
func (d *Dispatcher) Workers() int { return d.workers }

// Run brings up every stack directory under baseDir and blocks until all
// started workers have exited. Individual job failures are reported in the
// Report, not as an error.
func (d *Dispatcher) Run(ctx context.Context, baseDir string) (*Report, error) {
	report := d.newReport(baseDir)
	logger := log.WithRun(report.RunID).With("component", "dispatch")

	logger.Debug("collecting jobs", "base_dir", baseDir)
	jobs, err := queue.Collect(baseDir)
	if err != nil {
		report.State = StateDone
		report.FinishedAt = time.Now()
		return report, fmt.Errorf("collect jobs: %w", err)
	}
	return d.dispatch(ctx, report, jobs)
}

// RunJobs dispatches an explicit job list. Job sequence numbers are
// reassigned in list order.
func (d *Dispatcher) RunJobs(ctx context.Context, jobs []queue.Job) (*Report, error) {
	report := d.newReport("")
	renumbered := make([]queue.Job, len(jobs))
	for i, j := range jobs {
		j.Seq = i
		renumbered[i] = j
	}
	return d.dispatch(ctx, report, renumbered)
}

func (d *Dispatcher) newReport(baseDir string) *Report {
	return &Report{
		RunID:     uuid.NewString(),
		BaseDir:   baseDir,
		State:     StateCollecting,
		Workers:   d.workers,
		StartedAt: time.Now(),
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, report *Report, jobs []queue.Job) (*Report, error) {
	logger := log.WithRun(report.RunID).With("component", "dispatch")

	if len(jobs) == 0 {
		logger.Info("no stacks to dispatch")
		report.Results = []Result{}
		report.State = StateDone
		report.FinishedAt = time.Now()
		return report, nil
	}

	q := queue.New(len(jobs))
	for _, j := range jobs {
		if err := q.Put(j); err != nil {
			report.State = StateDone
			report.FinishedAt = time.Now()
			return report, fmt.Errorf("enqueue job %s: %w", j.Serial, err)
		}
	}
	q.Close()

	report.State = StateDispatched
	report.Results = make([]Result, len(jobs))
	d.publish(events.RunStarted, events.RunPayload{
		RunID:   report.RunID,
		Jobs:    len(jobs),
		Workers: d.workers,
	})
	logger.Info("dispatching stacks", "jobs", len(jobs), "workers", d.workers)

	if d.logDir != "" {
		if err := os.MkdirAll(d.logDir, 0o755); err != nil {
			logger.Warn("failed to create worker log directory", "log_dir", d.logDir, "error", err)
		}
	}

	var wg sync.WaitGroup
	for n := 1; n <= d.workers; n++ {
		w, err := d.startWorker(n, report.RunID)
		if err != nil {
			startErr := WorkerStartError{Worker: n, Err: err}
			report.StartErrors = append(report.StartErrors, startErr)
			logger.Error("worker failed to start", "worker", n, "error", err)
			d.publish(events.WorkerStartFailed, events.WorkerPayload{
				RunID:  report.RunID,
				Worker: n,
				Error:  err.Error(),
			})
			continue
		}

		report.Started++
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx, q, report.Results)
		}()
	}

	if report.Started == 0 {
		logger.Error("no workers started, skipping every job")
		for {
			j, ok := q.Take()
			if !ok {
				break
			}
			report.Results[j.Seq] = Result{Job: j, Status: StatusSkipped, Err: ErrNoWorkers}
		}
		d.finish(report)
		return report, ErrNoWorkers
	}

	report.State = StateJoining
	wg.Wait()

	d.finish(report)
	return report, nil
}

func (d *Dispatcher) finish(report *Report) {
	report.State = StateDone
	report.FinishedAt = time.Now()

	d.publish(events.RunCompleted, events.RunPayload{
		RunID:     report.RunID,
		Jobs:      len(report.Results),
		Workers:   report.Workers,
		Started:   report.Started,
		Succeeded: report.Succeeded(),
		Failed:    report.Failed(),
		Skipped:   report.Skipped(),
		State:     string(report.State),
	})
	log.WithRun(report.RunID).Info("run completed",
		"component", "dispatch",
		"jobs", len(report.Results),
		"succeeded", report.Succeeded(),
		"failed", report.Failed(),
		"skipped", report.Skipped(),
		"duration", report.Duration(),
	)
}

func (d *Dispatcher) publish(eventType string, data any) {
	if d.events == nil {
		return
	}
	d.events.Publish(eventType, data)
}
