package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/stackfleet/internal/dispatch"
	"github.com/mattjoyce/stackfleet/internal/ledger"
	"github.com/mattjoyce/stackfleet/internal/queue"
	"github.com/mattjoyce/stackfleet/internal/storage"
)

func recordRun(t *testing.T, stacksDir string) (*ledger.Ledger, string) {
	t.Helper()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	led := ledger.New(db)

	now := time.Now()
	report := &dispatch.Report{
		RunID:   "run-abc",
		BaseDir: stacksDir,
		State:   dispatch.StateDone,
		Workers: 3,
		Started: 2,
		StartErrors: []dispatch.WorkerStartError{
			{Worker: 3, Err: errors.New("open worker-3.log: permission denied")},
		},
		Results: []dispatch.Result{
			{
				Job:       queue.Job{ID: "job-a", Serial: "A", Dir: filepath.Join(stacksDir, "A"), Seq: 0},
				Status:    dispatch.StatusSucceeded,
				Worker:    1,
				StartedAt: now,
				Duration:  1500 * time.Millisecond,
			},
			{
				Job:       queue.Job{ID: "job-b", Serial: "B", Dir: filepath.Join(stacksDir, "B"), Seq: 1},
				Status:    dispatch.StatusFailed,
				Err:       errors.New("exit status 4"),
				Worker:    2,
				StartedAt: now,
				Stderr:    "no such device\nretry later\n",
			},
		},
		StartedAt:  now,
		FinishedAt: now.Add(2 * time.Second),
	}
	if err := led.Record(context.Background(), report); err != nil {
		t.Fatalf("Record: %v", err)
	}
	return led, report.RunID
}

func TestBuildReportRendersStacksAndArtifacts(t *testing.T) {
	t.Parallel()

	stacksDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(stacksDir, "A"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"docker-compose.yml", "app.sh"} {
		if err := os.WriteFile(filepath.Join(stacksDir, "A", name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	led, runID := recordRun(t, stacksDir)
	out, err := BuildReport(context.Background(), led, runID)
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}

	for _, want := range []string{
		"Run ID      : run-abc",
		"Workers     : 2/3 started",
		"Jobs        : 2 (1 succeeded, 1 failed, 0 skipped)",
		"permission denied",
		"[1] A :: succeeded",
		"- app.sh",
		"- docker-compose.yml",
		"[2] B :: failed",
		"error      : exit status 4",
		"      retry later",
		"artifacts  : <purged>",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
}

func TestBuildJSONReport(t *testing.T) {
	t.Parallel()

	led, runID := recordRun(t, t.TempDir())
	out, err := BuildJSONReport(context.Background(), led, runID)
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}

	var report Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if report.ID != runID || len(report.Stacks) != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.Stacks[0].DirPresent {
		t.Fatalf("stack A should be reported as purged")
	}
}

func TestBuildReportUnknownRun(t *testing.T) {
	t.Parallel()

	led, _ := recordRun(t, t.TempDir())
	_, err := BuildReport(context.Background(), led, "missing")
	if !errors.Is(err, ledger.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if _, err := BuildReport(context.Background(), led, "  "); err == nil {
		t.Fatalf("expected error for empty run id")
	}
}

func TestRunsTable(t *testing.T) {
	t.Parallel()

	if got := RunsTable(nil); got != "No runs recorded.\n" {
		t.Fatalf("RunsTable(nil) = %q", got)
	}

	now := time.Now()
	out := RunsTable([]ledger.Run{
		{ID: "r2", Workers: 4, Started: 4, Jobs: 10, Succeeded: 9, Failed: 1, StartedAt: now, FinishedAt: now.Add(time.Second)},
		{ID: "r1", Workers: 4, Started: 3, Jobs: 2, Skipped: 2, StartedAt: now.Add(-time.Hour), FinishedAt: now.Add(-time.Hour)},
	})
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got:\n%s", out)
	}
	if !strings.HasPrefix(lines[1], "r2") || !strings.Contains(lines[2], "3/4") {
		t.Fatalf("unexpected table:\n%s", out)
	}
}
