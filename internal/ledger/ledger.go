// Package ledger records every dispatch run and its per-stack results in
// SQLite so past runs can be listed and inspected.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/stackfleet/internal/dispatch"
)

// ErrRunNotFound is returned by Get for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// Run is a stored run summary.
type Run struct {
	ID          string    `json:"id"`
	BaseDir     string    `json:"base_dir"`
	State       string    `json:"state"`
	Workers     int       `json:"workers"`
	Started     int       `json:"started"`
	StartErrors []string  `json:"start_errors,omitempty"`
	Jobs        int       `json:"jobs"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Duration is the wall time of the run.
func (r Run) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// JobResult is one stored stack outcome.
type JobResult struct {
	JobID     string        `json:"job_id"`
	Seq       int           `json:"seq"`
	Serial    string        `json:"serial"`
	Dir       string        `json:"dir"`
	Status    string        `json:"status"`
	Worker    int           `json:"worker"`
	Error     string        `json:"error,omitempty"`
	Stderr    string        `json:"stderr,omitempty"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

// RunDetail is a run with all its results, in collection order.
type RunDetail struct {
	Run
	Results []JobResult `json:"results"`
}

// Ledger reads and writes run history.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// Record stores a finished run and all of its results in one transaction.
func (l *Ledger) Record(ctx context.Context, report *dispatch.Report) error {
	if report == nil || report.RunID == "" {
		return fmt.Errorf("report has no run ID")
	}

	startErrs := make([]string, 0, len(report.StartErrors))
	for _, se := range report.StartErrors {
		startErrs = append(startErrs, se.Error())
	}
	startErrsJSON, err := json.Marshal(startErrs)
	if err != nil {
		return fmt.Errorf("marshal start errors: %w", err)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO runs(
  id, base_dir, state, workers, started, start_errors, jobs, succeeded, failed, skipped,
  started_at, finished_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		report.RunID, report.BaseDir, string(report.State), report.Workers, report.Started, string(startErrsJSON),
		len(report.Results), report.Succeeded(), report.Failed(), report.Skipped(),
		formatTime(report.StartedAt), formatTime(report.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO job_results(
  run_id, job_id, seq, serial, dir, status, worker, error, stderr, started_at, duration_ms
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`)
	if err != nil {
		return fmt.Errorf("prepare job result insert: %w", err)
	}
	defer stmt.Close()

	for _, res := range report.Results {
		var startedAt any
		if !res.StartedAt.IsZero() {
			startedAt = formatTime(res.StartedAt)
		}
		if _, err := stmt.ExecContext(ctx,
			report.RunID, res.Job.ID, res.Job.Seq, res.Job.Serial, res.Job.Dir, string(res.Status), res.Worker,
			nullString(res.Message()), nullString(res.Stderr), startedAt, res.Duration.Milliseconds(),
		); err != nil {
			return fmt.Errorf("insert result for %s: %w", res.Job.Serial, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

// List returns the most recent runs, newest first. limit <= 0 means 20.
func (l *Ledger) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT id, base_dir, state, workers, started, start_errors, jobs, succeeded, failed, skipped,
       started_at, finished_at
FROM runs
ORDER BY started_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// Get returns one run with its results.
func (l *Ledger) Get(ctx context.Context, runID string) (*RunDetail, error) {
	row := l.db.QueryRowContext(ctx, `
SELECT id, base_dir, state, workers, started, start_errors, jobs, succeeded, failed, skipped,
       started_at, finished_at
FROM runs
WHERE id = ?;
`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := l.db.QueryContext(ctx, `
SELECT job_id, seq, serial, dir, status, worker, error, stderr, started_at, duration_ms
FROM job_results
WHERE run_id = ?
ORDER BY seq ASC;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	detail := &RunDetail{Run: run, Results: []JobResult{}}
	for rows.Next() {
		var (
			jr         JobResult
			errMsg     sql.NullString
			stderr     sql.NullString
			startedAtS sql.NullString
			durationMS int64
		)
		if err := rows.Scan(&jr.JobID, &jr.Seq, &jr.Serial, &jr.Dir, &jr.Status, &jr.Worker, &errMsg, &stderr, &startedAtS, &durationMS); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		jr.Error = errMsg.String
		jr.Stderr = stderr.String
		jr.Duration = time.Duration(durationMS) * time.Millisecond
		if startedAtS.Valid {
			if t, err := time.Parse(timeLayout, startedAtS.String); err == nil {
				jr.StartedAt = &t
			}
		}
		detail.Results = append(detail.Results, jr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return detail, nil
}

// Prune deletes runs that started before now-retention and returns how many
// were removed. retention <= 0 keeps everything.
func (l *Ledger) Prune(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := formatTime(l.now().Add(-retention))

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
DELETE FROM job_results WHERE run_id IN (SELECT id FROM runs WHERE started_at < ?);
`, cutoff); err != nil {
		return 0, fmt.Errorf("prune results: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		r          Run
		startErrs  string
		startedAt  string
		finishedAt string
	)
	err := s.Scan(&r.ID, &r.BaseDir, &r.State, &r.Workers, &r.Started, &startErrs,
		&r.Jobs, &r.Succeeded, &r.Failed, &r.Skipped, &startedAt, &finishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	if startErrs != "" {
		if err := json.Unmarshal([]byte(startErrs), &r.StartErrors); err != nil {
			return Run{}, fmt.Errorf("decode start errors: %w", err)
		}
	}
	if t, err := time.Parse(timeLayout, startedAt); err == nil {
		r.StartedAt = t
	}
	if t, err := time.Parse(timeLayout, finishedAt); err == nil {
		r.FinishedAt = t
	}
	return r, nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
