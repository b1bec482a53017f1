// Package dispatch brings a batch of rendered stacks up with a bounded pool
// of workers.
//
// A run collects one job per stack directory, puts every job on a closed
// queue and starts N workers. Each worker takes jobs until the queue is
// drained and hands each job's directory to the Runner. The run returns once
// every started worker has exited.
//
// Failure handling:
//   - A job whose command fails, times out or panics is recorded as failed;
//     the worker moves on to its next job.
//   - A worker that cannot open its output log never starts. It is reported
//     in Report.StartErrors and the remaining workers drain the queue.
//   - If no worker starts, every job is recorded as skipped and Run returns
//     ErrNoWorkers.
//   - After the context is cancelled, workers keep draining the queue and
//     record the remaining jobs as skipped without invoking the Runner.
//
// Jobs are never retried.
package dispatch
