// Package inspect renders stored runs for the terminal.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/stackfleet/internal/ledger"
)

// RunGetter loads one stored run.
type RunGetter interface {
	Get(ctx context.Context, runID string) (*ledger.RunDetail, error)
}

// Report is the structured JSON representation of a run report.
type Report struct {
	ledger.Run
	Stacks []Stack `json:"stacks"`
}

// Stack is one device's outcome plus what is left of its directory.
type Stack struct {
	ledger.JobResult
	// DirPresent is false once a later run has purged the stack.
	DirPresent bool     `json:"dir_present"`
	Artifacts  []string `json:"artifacts,omitempty"`
}

// BuildReport renders a terminal-friendly report for a run.
func BuildReport(ctx context.Context, store RunGetter, runID string) (string, error) {
	report, err := gatherReportData(ctx, store, runID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Run Report\n")
	fmt.Fprintf(&out, "Run ID      : %s\n", report.ID)
	fmt.Fprintf(&out, "State       : %s\n", report.State)
	fmt.Fprintf(&out, "Stacks dir  : %s\n", renderUnset(report.BaseDir, "<explicit jobs>"))
	fmt.Fprintf(&out, "Started     : %s\n", report.StartedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(&out, "Duration    : %s\n", report.Duration().Round(time.Millisecond))
	fmt.Fprintf(&out, "Workers     : %d/%d started\n", report.Started, report.Workers)
	fmt.Fprintf(&out, "Jobs        : %d (%d succeeded, %d failed, %d skipped)\n",
		report.Jobs, report.Succeeded, report.Failed, report.Skipped)
	for _, se := range report.StartErrors {
		fmt.Fprintf(&out, "Start error : %s\n", se)
	}
	fmt.Fprintf(&out, "\n")

	for _, st := range report.Stacks {
		fmt.Fprintf(&out, "[%d] %s :: %s\n", st.Seq+1, st.Serial, st.Status)
		fmt.Fprintf(&out, "    job_id     : %s\n", st.JobID)
		if st.Worker > 0 {
			fmt.Fprintf(&out, "    worker     : %d\n", st.Worker)
		} else {
			fmt.Fprintf(&out, "    worker     : <none>\n")
		}
		fmt.Fprintf(&out, "    duration   : %s\n", st.Duration.Round(time.Millisecond))
		if st.Error != "" {
			fmt.Fprintf(&out, "    error      : %s\n", st.Error)
		}
		if st.Stderr != "" {
			fmt.Fprintf(&out, "    stderr     :\n")
			for _, line := range strings.Split(strings.TrimRight(st.Stderr, "\n"), "\n") {
				fmt.Fprintf(&out, "      %s\n", line)
			}
		}
		fmt.Fprintf(&out, "    stack dir  : %s\n", st.Dir)
		switch {
		case !st.DirPresent:
			fmt.Fprintf(&out, "    artifacts  : <purged>\n")
		case len(st.Artifacts) == 0:
			fmt.Fprintf(&out, "    artifacts  : <none>\n")
		default:
			fmt.Fprintf(&out, "    artifacts  :\n")
			for _, artifact := range st.Artifacts {
				fmt.Fprintf(&out, "      - %s\n", artifact)
			}
		}
		fmt.Fprintf(&out, "\n")
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable run report.
func BuildJSONReport(ctx context.Context, store RunGetter, runID string) (string, error) {
	report, err := gatherReportData(ctx, store, runID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

// RunsTable renders a run list, newest first as given.
func RunsTable(runs []ledger.Run) string {
	if len(runs) == 0 {
		return "No runs recorded.\n"
	}

	var out strings.Builder
	tw := tabwriter.NewWriter(&out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTARTED\tDURATION\tWORKERS\tJOBS\tOK\tFAILED\tSKIPPED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\t%d\t%d\t%d\n",
			r.ID,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Duration().Round(time.Millisecond),
			r.Started, r.Workers,
			r.Jobs, r.Succeeded, r.Failed, r.Skipped,
		)
	}
	_ = tw.Flush()
	return out.String()
}

func gatherReportData(ctx context.Context, store RunGetter, runID string) (*Report, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run_id is required")
	}

	detail, err := store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}

	report := &Report{Run: detail.Run, Stacks: make([]Stack, 0, len(detail.Results))}
	for _, res := range detail.Results {
		st := Stack{JobResult: res}
		if res.Dir != "" {
			artifacts, err := listArtifacts(res.Dir)
			if err == nil && artifacts != nil {
				st.DirPresent = true
				st.Artifacts = artifacts
			}
		}
		report.Stacks = append(report.Stacks, st)
	}
	return report, nil
}

// listArtifacts returns the files under dir relative to it, or nil when dir
// does not exist.
func listArtifacts(dir string) ([]string, error) {
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	artifacts := make([]string, 0)
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == dir || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(artifacts)
	return artifacts, nil
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
