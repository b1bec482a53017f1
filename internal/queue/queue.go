package queue

import "sync"

// Queue is a bounded FIFO of jobs shared by every worker of one run. All jobs
// are put up front, then the queue is closed; Take reports termination once
// the queue is closed and drained.
type Queue struct {
	mu     sync.Mutex
	closed bool
	jobs   chan Job
}

// New creates a queue holding at most capacity jobs.
func New(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{jobs: make(chan Job, capacity)}
}

// Put appends job without blocking.
func (q *Queue) Put(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrFull
	}
}

// Close marks the end of input. Calling it more than once is a no-op.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.jobs)
}

// Take blocks until a job is available. It returns false once the queue is
// closed and every job has been taken.
func (q *Queue) Take() (Job, bool) {
	job, ok := <-q.jobs
	return job, ok
}

// Len reports the number of jobs still waiting.
func (q *Queue) Len() int {
	return len(q.jobs)
}
