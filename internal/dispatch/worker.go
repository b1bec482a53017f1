package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mattjoyce/stackfleet/internal/compose"
	"github.com/mattjoyce/stackfleet/internal/events"
	"github.com/mattjoyce/stackfleet/internal/log"
	"github.com/mattjoyce/stackfleet/internal/queue"
)

// worker takes jobs one at a time until the queue is drained.
type worker struct {
	id    int
	runID string
	d     *Dispatcher
	out   io.WriteCloser
}

// startWorker opens the worker's output log. A worker without a log dir
// writes nowhere.
func (d *Dispatcher) startWorker(n int, runID string) (*worker, error) {
	w := &worker{id: n, runID: runID, d: d}
	if d.logDir == "" {
		return w, nil
	}

	path := filepath.Join(d.logDir, fmt.Sprintf("worker-%d.log", n))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open worker log: %w", err)
	}
	w.out = f
	return w, nil
}

func (w *worker) loop(ctx context.Context, q *queue.Queue, results []Result) {
	defer w.close()
	for {
		job, ok := q.Take()
		if !ok {
			return
		}
		results[job.Seq] = w.execute(ctx, job)
	}
}

func (w *worker) execute(ctx context.Context, job queue.Job) Result {
	jobLogger := log.WithJob(job.ID).With("serial", job.Serial, "worker", w.id)

	res := Result{Job: job, Worker: w.id}
	if err := ctx.Err(); err != nil {
		jobLogger.Warn("run cancelled, skipping stack")
		res.Status = StatusSkipped
		res.Err = err
		w.completed(res)
		return res
	}

	w.d.publish(events.JobStarted, events.JobPayload{
		RunID:  w.runID,
		JobID:  job.ID,
		Serial: job.Serial,
		Worker: w.id,
	})
	jobLogger.Info("bringing stack up", "dir", job.Dir)

	var out io.Writer
	if w.out != nil {
		out = w.out
		fmt.Fprintf(out, "=== %s %s (job %s) ===\n", time.Now().UTC().Format(time.RFC3339), job.Serial, job.ID)
	}

	res.StartedAt = time.Now()
	err := w.invoke(ctx, job.Dir, out)
	res.Duration = time.Since(res.StartedAt)

	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		var cmdErr *compose.CommandError
		if errors.As(err, &cmdErr) {
			res.Stderr = cmdErr.Stderr
		}
		jobLogger.Error("stack bring-up failed", "error", err, "duration", res.Duration)
	} else {
		res.Status = StatusSucceeded
		jobLogger.Info("stack is up", "duration", res.Duration)
	}

	w.completed(res)
	return res
}

// invoke calls the runner, converting a panic into a job failure.
func (w *worker) invoke(ctx context.Context, dir string, out io.Writer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runner panic: %v", r)
		}
	}()
	return w.d.runner.Up(ctx, dir, out)
}

func (w *worker) completed(res Result) {
	w.d.publish(events.JobCompleted, events.JobPayload{
		RunID:    w.runID,
		JobID:    res.Job.ID,
		Serial:   res.Job.Serial,
		Worker:   w.id,
		Status:   string(res.Status),
		Error:    res.Message(),
		Duration: res.Duration,
	})
}

func (w *worker) close() {
	if w.out == nil {
		return
	}
	if err := w.out.Close(); err != nil {
		log.WithComponent("dispatch").Warn("failed to close worker log", "worker", w.id, "error", err)
	}
}
