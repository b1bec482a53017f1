package events

import "time"

// RunPayload accompanies run.started and run.completed.
type RunPayload struct {
	RunID     string `json:"run_id"`
	Jobs      int    `json:"jobs"`
	Workers   int    `json:"workers"`
	Started   int    `json:"started,omitempty"`
	Succeeded int    `json:"succeeded,omitempty"`
	Failed    int    `json:"failed,omitempty"`
	Skipped   int    `json:"skipped,omitempty"`
	State     string `json:"state,omitempty"`
}

// WorkerPayload accompanies worker.start_failed.
type WorkerPayload struct {
	RunID  string `json:"run_id"`
	Worker int    `json:"worker"`
	Error  string `json:"error"`
}

// JobPayload accompanies job.started and job.completed.
type JobPayload struct {
	RunID    string        `json:"run_id"`
	JobID    string        `json:"job_id"`
	Serial   string        `json:"serial"`
	Worker   int           `json:"worker"`
	Status   string        `json:"status,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`
}
