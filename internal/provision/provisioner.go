// Package provision drives one batch: purge the stack tree, select devices,
// render a stack per device, bring every stack up and record the outcome.
package provision

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/mattjoyce/stackfleet/internal/compose"
	"github.com/mattjoyce/stackfleet/internal/config"
	"github.com/mattjoyce/stackfleet/internal/device"
	"github.com/mattjoyce/stackfleet/internal/dispatch"
	"github.com/mattjoyce/stackfleet/internal/ledger"
	"github.com/mattjoyce/stackfleet/internal/log"
	"github.com/mattjoyce/stackfleet/internal/queue"
	"github.com/mattjoyce/stackfleet/internal/render"
	"github.com/mattjoyce/stackfleet/internal/users"
	"github.com/mattjoyce/stackfleet/internal/workspace"
)

// Runner brings stacks up and tears the fleet down.
type Runner interface {
	dispatch.Runner
	Teardown(ctx context.Context, names []string, out io.Writer) error
}

// Options carries the optional collaborators of a Provisioner.
type Options struct {
	// Runner defaults to the compose runner built from the config.
	Runner Runner
	// Ledger records each dispatched run when set.
	Ledger *ledger.Ledger
	// Events receives dispatch progress when set.
	Events dispatch.Publisher
	// Out receives teardown command output.
	Out io.Writer
}

// Summary is the outcome of a provisioning pass.
type Summary struct {
	Selected     []string
	Purged       workspace.CleanupReport
	Rendered     []render.Rendered
	RenderErrors []render.DeviceError
	Report       *dispatch.Report
	Pruned       int
}

// Provisioner runs the provisioning pipeline for one configuration. Callers
// hold the instance lock around every method.
type Provisioner struct {
	cfg    *config.Config
	stacks workspace.Manager
	logs   workspace.Manager
	runner Runner
	ledger *ledger.Ledger
	events dispatch.Publisher
	out    io.Writer
	logger *slog.Logger
}

// New creates a Provisioner.
func New(cfg *config.Config, opts Options) (*Provisioner, error) {
	if conflicts := config.PurgeConflicts(cfg); len(conflicts) > 0 {
		return nil, fmt.Errorf("unsafe paths: %s", strings.Join(conflicts, "; "))
	}

	stacks, err := workspace.NewFSManager(cfg.Paths.StacksDir)
	if err != nil {
		return nil, fmt.Errorf("stacks dir: %w", err)
	}

	var logs workspace.Manager
	if cfg.Paths.LogDir != "" {
		logs, err = workspace.NewFSManager(cfg.Paths.LogDir)
		if err != nil {
			return nil, fmt.Errorf("log dir: %w", err)
		}
	}

	runner := opts.Runner
	if runner == nil {
		runner = compose.NewRunner(cfg.Compose)
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}

	return &Provisioner{
		cfg:    cfg,
		stacks: stacks,
		logs:   logs,
		runner: runner,
		ledger: opts.Ledger,
		events: opts.Events,
		out:    out,
		logger: log.WithComponent("provision"),
	}, nil
}

// Run purges, regenerates and dispatches every stack, then records the run.
// Per-device render and bring-up failures are reported in the Summary; only
// failures of the pipeline itself are returned as errors.
func (p *Provisioner) Run(ctx context.Context) (*Summary, error) {
	sum, err := p.Render(ctx)
	if err != nil {
		return sum, err
	}

	report, err := p.dispatch(ctx)
	sum.Report = report
	if report != nil {
		sum.Pruned = p.record(ctx, report)
	}
	return sum, err
}

// Render purges the tree and regenerates one stack per selected device
// without bringing anything up.
func (p *Provisioner) Render(ctx context.Context) (*Summary, error) {
	sum := &Summary{}

	// Verified before purging so a rejected run leaves the tree in place.
	if err := p.verifyTemplates(); err != nil {
		return sum, err
	}

	purged, err := p.Clean(ctx)
	sum.Purged = purged
	if err != nil {
		return sum, err
	}

	devices, err := p.selectDevices()
	if err != nil {
		return sum, err
	}
	sum.Selected = device.Serials(devices)

	stacks, err := p.plan(devices)
	if err != nil {
		return sum, err
	}

	if len(devices) == 0 {
		p.logger.Info("no devices selected, nothing to render")
		return sum, nil
	}

	renderer, err := render.FromConfig(p.cfg, p.stacks)
	if err != nil {
		return sum, err
	}
	sum.Rendered, sum.RenderErrors = renderer.RenderAll(ctx, stacks)
	return sum, nil
}

// plan pairs each device with a test user and derives its template data.
func (p *Provisioner) plan(devices []device.Device) ([]render.StackData, error) {
	pool, err := users.Load(p.cfg.Paths.Users)
	if err != nil {
		return nil, err
	}
	accounts, err := users.Allocate(pool, len(devices))
	if err != nil {
		return nil, fmt.Errorf("allocate users: %w", err)
	}
	return render.BuildAll(p.cfg.Stack, devices, accounts), nil
}

// Drift states reported by Check.
const (
	DriftNone    = "ok"
	DriftChanged = "changed"
	DriftMissing = "missing"
	DriftExtra   = "extra"
	DriftError   = "error"
)

// Drift compares one stack on disk with a fresh render.
type Drift struct {
	Serial string `json:"serial"`
	Status string `json:"status"`
	Want   string `json:"want,omitempty"`
	Got    string `json:"got,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Check renders every selected device in memory and compares the digest with
// the stack on disk. Stacks on disk that no selected device accounts for are
// reported as extra. Nothing is written.
func (p *Provisioner) Check(ctx context.Context) ([]Drift, error) {
	if err := p.verifyTemplates(); err != nil {
		return nil, err
	}
	devices, err := p.selectDevices()
	if err != nil {
		return nil, err
	}
	stacks, err := p.plan(devices)
	if err != nil {
		return nil, err
	}
	renderer, err := render.FromConfig(p.cfg, p.stacks)
	if err != nil {
		return nil, err
	}

	out := make([]Drift, 0, len(stacks))
	expected := make(map[string]bool, len(stacks))
	for _, data := range stacks {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		expected[data.Serial] = true
		d := Drift{Serial: data.Serial}

		composeFile, script, err := renderer.Execute(data)
		if err != nil {
			d.Status, d.Error = DriftError, err.Error()
			out = append(out, d)
			continue
		}
		d.Want = render.Digest(composeFile, script)

		st, err := p.stacks.Open(ctx, data.Serial)
		if err != nil {
			d.Status = DriftMissing
			out = append(out, d)
			continue
		}
		got, err := render.DigestDir(st.Dir)
		switch {
		case err != nil:
			d.Status, d.Error = DriftMissing, err.Error()
		case got != d.Want:
			d.Status, d.Got = DriftChanged, got
		default:
			d.Status, d.Got = DriftNone, got
		}
		out = append(out, d)
	}

	jobs, err := queue.Collect(p.stacks.BaseDir())
	if err != nil {
		return out, err
	}
	for _, j := range jobs {
		if !expected[j.Serial] {
			out = append(out, Drift{Serial: j.Serial, Status: DriftExtra})
		}
	}
	p.logger.Info("checked stack tree", "expected", len(stacks), "on_disk", len(jobs))
	return out, nil
}

// Up dispatches whatever stacks already exist under the stacks dir.
func (p *Provisioner) Up(ctx context.Context) (*Summary, error) {
	report, err := p.dispatch(ctx)
	sum := &Summary{Report: report}
	if report != nil {
		sum.Pruned = p.record(ctx, report)
	}
	return sum, err
}

// Teardown runs the teardown command once over every stack's container name
// and returns the names it passed.
func (p *Provisioner) Teardown(ctx context.Context) ([]string, error) {
	jobs, err := queue.Collect(p.stacks.BaseDir())
	if err != nil {
		return nil, err
	}
	names := make([]string, len(jobs))
	for i, j := range jobs {
		names[i] = j.Serial
	}
	if len(names) == 0 {
		p.logger.Info("no stacks to tear down")
		return names, nil
	}

	p.logger.Info("tearing down stacks", "count", len(names))
	if err := p.runner.Teardown(ctx, names, p.out); err != nil {
		return names, fmt.Errorf("teardown: %w", err)
	}
	return names, nil
}

// Clean deletes every rendered stack and every worker log.
func (p *Provisioner) Clean(ctx context.Context) (workspace.CleanupReport, error) {
	report, err := p.stacks.Purge(ctx)
	if err != nil {
		return report, fmt.Errorf("purge stacks: %w", err)
	}
	if p.logs != nil {
		logReport, err := p.logs.Purge(ctx)
		report.DeletedDirs += logReport.DeletedDirs
		report.DeletedFiles += logReport.DeletedFiles
		if err != nil {
			return report, fmt.Errorf("purge logs: %w", err)
		}
	}
	p.logger.Info("purged stack tree", "dirs", report.DeletedDirs, "files", report.DeletedFiles)
	return report, nil
}

// CleanOlderThan deletes stack directories last modified more than age ago.
// Worker logs are left alone.
func (p *Provisioner) CleanOlderThan(ctx context.Context, age time.Duration) (workspace.CleanupReport, error) {
	report, err := p.stacks.Cleanup(ctx, age)
	if err != nil {
		return report, fmt.Errorf("clean stacks: %w", err)
	}
	p.logger.Info("removed aged stacks", "older_than", age, "dirs", report.DeletedDirs)
	return report, nil
}

func (p *Provisioner) verifyTemplates() error {
	res, err := config.VerifyTemplates(p.cfg)
	if err != nil {
		return fmt.Errorf("verify templates: %w", err)
	}
	for _, w := range res.Warnings {
		p.logger.Warn("template integrity", "warning", w)
	}
	if !res.Passed {
		return fmt.Errorf("template integrity check failed: %v", res.Errors)
	}
	return nil
}

func (p *Provisioner) selectDevices() ([]device.Device, error) {
	inventory, err := device.LoadInventory(p.cfg.Paths.Inventory)
	if err != nil {
		return nil, err
	}
	selected := device.Filter(inventory, device.FromConfig(p.cfg.Devices)...)
	p.logger.Info("selected devices", "inventory", len(inventory), "selected", len(selected))
	return selected, nil
}

func (p *Provisioner) dispatch(ctx context.Context) (*dispatch.Report, error) {
	d := dispatch.New(p.runner, dispatch.Options{
		Workers: p.cfg.Dispatch.Workers,
		LogDir:  p.cfg.Paths.LogDir,
		Events:  p.events,
	})
	return d.Run(ctx, p.stacks.BaseDir())
}

// record stores the run and prunes old history. Ledger failures are logged;
// they never change the outcome of the batch.
func (p *Provisioner) record(ctx context.Context, report *dispatch.Report) int {
	if p.ledger == nil {
		return 0
	}
	// The batch may have been cancelled; the record is still written.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := p.ledger.Record(rctx, report); err != nil {
		p.logger.Error("failed to record run", "run_id", report.RunID, "error", err)
		return 0
	}
	pruned, err := p.ledger.Prune(rctx, p.cfg.State.RunRetention)
	if err != nil {
		p.logger.Warn("failed to prune run history", "error", err)
		return 0
	}
	return pruned
}
