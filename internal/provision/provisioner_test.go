package provision

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/stackfleet/internal/compose"
	"github.com/mattjoyce/stackfleet/internal/config"
	"github.com/mattjoyce/stackfleet/internal/dispatch"
	"github.com/mattjoyce/stackfleet/internal/events"
	"github.com/mattjoyce/stackfleet/internal/ledger"
	"github.com/mattjoyce/stackfleet/internal/log"
	"github.com/mattjoyce/stackfleet/internal/render"
	"github.com/mattjoyce/stackfleet/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("error", "json") // Suppress logs in tests
	os.Exit(m.Run())
}

const inventoryYAML = `devices:
  - serial: A
    abi: arm64-v8a
    present: true
    using: false
  - serial: B
    abi: arm64-v8a
    present: true
    using: false
  - serial: C
    abi: arm64-v8a
    present: false
    using: false
`

const composeTemplate = `services:
  appium:
    image: appium/appium
    container_name: {{ .ContainerName }}
    environment:
      - TEST_USER={{ .User.Name }}
    volumes:
{{- range .Volumes }}
      - {{ . }}
{{- end }}
`

// upScript fails the stack for serial B and leaves a marker in every stack
// it runs in.
const upScript = `#!/bin/sh
serial=$(basename "$PWD")
echo "up $serial" > up.marker
if [ "$serial" = "B" ]; then
  echo "no such device" >&2
  exit 4
fi
echo "started $serial"
`

type fixture struct {
	cfg     *config.Config
	root    string
	downLog string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	bin := filepath.Join(root, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))

	cfg := config.Defaults()
	cfg.Paths.StacksDir = filepath.Join(root, "stacks")
	cfg.Paths.TemplatesDir = filepath.Join(root, "template")
	cfg.Paths.LogDir = filepath.Join(root, "logs")
	cfg.Paths.Inventory = filepath.Join(root, "devices.yaml")
	cfg.Paths.Users = filepath.Join(root, "users.txt")
	cfg.State.Path = filepath.Join(root, "data", "stackfleet.db")
	cfg.Stack.AppName = "demo.apk"
	cfg.Dispatch.Workers = 2

	downLog := filepath.Join(root, "down.log")
	up := writeFile(t, filepath.Join(bin, "fake-up"), upScript, 0o755)
	down := writeFile(t, filepath.Join(bin, "fake-down"), "#!/bin/sh\necho \"$@\" >> "+downLog+"\n", 0o755)
	cfg.Compose.Up = []string{up}
	cfg.Compose.Teardown = []string{down, "rm", "-f"}

	writeFile(t, cfg.Paths.Inventory, inventoryYAML, 0o644)
	writeFile(t, cfg.Paths.Users, "# pool\nalice,pw1\nbob,pw2\ncarol\n", 0o644)
	require.NoError(t, os.MkdirAll(cfg.Paths.TemplatesDir, 0o755))
	writeFile(t, cfg.ComposeTemplatePath(), composeTemplate, 0o644)
	writeFile(t, cfg.ScriptTemplatePath(), "#!/bin/sh\necho {{ .AppName }}\n", 0o644)
	require.NoError(t, config.GenerateChecksums(cfg.Paths.TemplatesDir, cfg.TemplateFiles()))

	return &fixture{cfg: cfg, root: root, downLog: downLog}
}

func writeFile(t *testing.T, path, body string, perm os.FileMode) string {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), perm))
	return path
}

func openLedger(t *testing.T, cfg *config.Config) *ledger.Ledger {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return ledger.New(db)
}

func TestRunProvisionsSelectedDevices(t *testing.T) {
	f := newFixture(t)
	led := openLedger(t, f.cfg)
	hub := events.NewHub(64)

	p, err := New(f.cfg, Options{Ledger: led, Events: hub})
	require.NoError(t, err)

	sum, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B"}, sum.Selected)
	require.Len(t, sum.Rendered, 2)
	assert.Empty(t, sum.RenderErrors)

	require.NotNil(t, sum.Report)
	assert.Equal(t, dispatch.StateDone, sum.Report.State)
	assert.Equal(t, 1, sum.Report.Succeeded())
	assert.Equal(t, 1, sum.Report.Failed())
	for _, res := range sum.Report.Results {
		if res.Job.Serial == "B" {
			assert.Equal(t, dispatch.StatusFailed, res.Status)
			assert.Contains(t, res.Stderr, "no such device")
		}
	}

	for _, serial := range []string{"A", "B"} {
		dir := filepath.Join(f.cfg.Paths.StacksDir, serial)
		assert.FileExists(t, filepath.Join(dir, compose.FileName))
		assert.FileExists(t, filepath.Join(dir, render.ScriptFileName))
		assert.FileExists(t, filepath.Join(dir, "up.marker"))
	}
	assert.NoDirExists(t, filepath.Join(f.cfg.Paths.StacksDir, "C"))

	detail, err := led.Get(context.Background(), sum.Report.RunID)
	require.NoError(t, err)
	assert.Equal(t, 2, detail.Jobs)
	assert.Equal(t, 1, detail.Failed)

	var sawCompleted bool
	for _, ev := range hub.SnapshotSince(0) {
		if ev.Type == events.RunCompleted {
			sawCompleted = true
		}
	}
	assert.True(t, sawCompleted)
}

func TestRunUsesAllocatedUsersInOrder(t *testing.T) {
	f := newFixture(t)
	p, err := New(f.cfg, Options{})
	require.NoError(t, err)

	_, err = p.Render(context.Background())
	require.NoError(t, err)

	a, err := os.ReadFile(filepath.Join(f.cfg.Paths.StacksDir, "A", compose.FileName))
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(f.cfg.Paths.StacksDir, "B", compose.FileName))
	require.NoError(t, err)
	assert.Contains(t, string(a), "TEST_USER=alice")
	assert.Contains(t, string(b), "TEST_USER=bob")
	assert.Contains(t, string(a), "A:/app_shell")
}

func TestRunPurgesStaleStacksAndLogs(t *testing.T) {
	f := newFixture(t)
	stale := filepath.Join(f.cfg.Paths.StacksDir, "stale")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	writeFile(t, filepath.Join(stale, compose.FileName), "services: {}\n", 0o644)
	require.NoError(t, os.MkdirAll(f.cfg.Paths.LogDir, 0o755))
	writeFile(t, filepath.Join(f.cfg.Paths.LogDir, "worker-9.log"), "old\n", 0o644)

	p, err := New(f.cfg, Options{})
	require.NoError(t, err)
	sum, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.NoDirExists(t, stale)
	assert.NoFileExists(t, filepath.Join(f.cfg.Paths.LogDir, "worker-9.log"))
	assert.Equal(t, 2, sum.Purged.DeletedDirs+sum.Purged.DeletedFiles)
	assert.Len(t, sum.Report.Results, 2)
}

func TestNewRejectsStacksDirOverInputs(t *testing.T) {
	f := newFixture(t)
	f.cfg.Paths.StacksDir = f.root

	_, err := New(f.cfg, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "paths.templates_dir")
	assert.FileExists(t, f.cfg.ComposeTemplatePath())
	assert.FileExists(t, f.cfg.Paths.Inventory)
}

func TestNewRejectsLogDirInsideStacksDir(t *testing.T) {
	f := newFixture(t)
	f.cfg.Paths.LogDir = filepath.Join(f.cfg.Paths.StacksDir, "logs")

	_, err := New(f.cfg, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "paths.stacks_dir")
}

func TestRenderIsIdempotent(t *testing.T) {
	f := newFixture(t)
	p, err := New(f.cfg, Options{})
	require.NoError(t, err)

	first, err := p.Render(context.Background())
	require.NoError(t, err)
	second, err := p.Render(context.Background())
	require.NoError(t, err)

	require.Len(t, second.Rendered, len(first.Rendered))
	for i := range first.Rendered {
		assert.Equal(t, first.Rendered[i].Digest, second.Rendered[i].Digest)
	}
	assert.Nil(t, second.Report)
}

func TestRenderFailsWhenUsersRunShort(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.cfg.Paths.Users, "alice\n", 0o644)

	p, err := New(f.cfg, Options{})
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allocate users")
}

func TestRunRejectsTamperedTemplates(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.cfg.ComposeTemplatePath(), composeTemplate+"# edited\n", 0o644)
	existing := filepath.Join(f.cfg.Paths.StacksDir, "A")
	require.NoError(t, os.MkdirAll(existing, 0o755))

	p, err := New(f.cfg, Options{})
	require.NoError(t, err)
	sum, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "integrity")
	assert.Nil(t, sum.Report)
	assert.DirExists(t, existing)
}

func TestRunWithNoSelectedDevices(t *testing.T) {
	f := newFixture(t)
	f.cfg.Devices.Serials = []string{"nobody"}

	p, err := New(f.cfg, Options{})
	require.NoError(t, err)
	sum, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, sum.Selected)
	assert.Empty(t, sum.Rendered)
	require.NotNil(t, sum.Report)
	assert.Empty(t, sum.Report.Results)
	assert.Equal(t, dispatch.StateDone, sum.Report.State)
}

func TestUpDispatchesExistingTree(t *testing.T) {
	f := newFixture(t)
	p, err := New(f.cfg, Options{})
	require.NoError(t, err)

	_, err = p.Render(context.Background())
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(f.cfg.Paths.StacksDir, "A", "up.marker"))

	sum, err := p.Up(context.Background())
	require.NoError(t, err)
	assert.Len(t, sum.Report.Results, 2)
	assert.FileExists(t, filepath.Join(f.cfg.Paths.StacksDir, "A", "up.marker"))
}

func TestTeardownRunsOnceOverAllStacks(t *testing.T) {
	f := newFixture(t)
	var out bytes.Buffer
	p, err := New(f.cfg, Options{Out: &out})
	require.NoError(t, err)

	_, err = p.Render(context.Background())
	require.NoError(t, err)

	names, err := p.Teardown(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, names)

	data, err := os.ReadFile(f.downLog)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	assert.Equal(t, "rm -f A B", lines[0])
}

func TestTeardownWithoutStacksIsNoop(t *testing.T) {
	f := newFixture(t)
	p, err := New(f.cfg, Options{})
	require.NoError(t, err)

	names, err := p.Teardown(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
	assert.NoFileExists(t, f.downLog)
}

func TestCleanKeepsBaseDirs(t *testing.T) {
	f := newFixture(t)
	p, err := New(f.cfg, Options{})
	require.NoError(t, err)

	_, err = p.Run(context.Background())
	require.NoError(t, err)

	report, err := p.Clean(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, report.DeletedDirs, 2)
	assert.DirExists(t, f.cfg.Paths.StacksDir)

	entries, err := os.ReadDir(f.cfg.Paths.StacksDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUpCancelledSkipsJobsButRecordsRun(t *testing.T) {
	f := newFixture(t)
	led := openLedger(t, f.cfg)
	p, err := New(f.cfg, Options{Ledger: led})
	require.NoError(t, err)

	_, err = p.Render(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := p.Up(ctx)
	require.NoError(t, err)
	require.NotNil(t, sum.Report)
	assert.Equal(t, 2, sum.Report.Skipped())

	runs, err := led.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRunCancelledBeforePurge(t *testing.T) {
	f := newFixture(t)
	p, err := New(f.cfg, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, sum.Report)
}

func driftBySerial(drift []Drift) map[string]Drift {
	out := make(map[string]Drift, len(drift))
	for _, d := range drift {
		out[d.Serial] = d
	}
	return out
}

func TestCheckMatchesFreshRender(t *testing.T) {
	f := newFixture(t)
	p, err := New(f.cfg, Options{})
	require.NoError(t, err)

	sum, err := p.Render(context.Background())
	require.NoError(t, err)

	drift, err := p.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, drift, 2)
	for i, d := range drift {
		assert.Equal(t, DriftNone, d.Status, d.Serial)
		assert.Equal(t, sum.Rendered[i].Digest, d.Want)
		assert.Equal(t, d.Want, d.Got)
	}
}

func TestCheckReportsChangedMissingAndExtraStacks(t *testing.T) {
	f := newFixture(t)
	p, err := New(f.cfg, Options{})
	require.NoError(t, err)
	_, err = p.Render(context.Background())
	require.NoError(t, err)

	scriptA := filepath.Join(f.cfg.Paths.StacksDir, "A", render.ScriptFileName)
	writeFile(t, scriptA, "#!/bin/sh\necho edited\n", 0o755)
	require.NoError(t, os.Remove(filepath.Join(f.cfg.Paths.StacksDir, "B", compose.FileName)))
	require.NoError(t, os.MkdirAll(filepath.Join(f.cfg.Paths.StacksDir, "stray"), 0o755))

	drift, err := p.Check(context.Background())
	require.NoError(t, err)
	got := driftBySerial(drift)
	require.Len(t, got, 3)

	assert.Equal(t, DriftChanged, got["A"].Status)
	assert.NotEqual(t, got["A"].Want, got["A"].Got)
	assert.Equal(t, DriftMissing, got["B"].Status)
	assert.NotEmpty(t, got["B"].Error)
	assert.Equal(t, DriftExtra, got["stray"].Status)

	data, err := os.ReadFile(scriptA)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho edited\n", string(data))
}

func TestCheckOnEmptyTreeReportsMissing(t *testing.T) {
	f := newFixture(t)
	p, err := New(f.cfg, Options{})
	require.NoError(t, err)

	drift, err := p.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, drift, 2)
	for _, d := range drift {
		assert.Equal(t, DriftMissing, d.Status, d.Serial)
		assert.NotEmpty(t, d.Want)
	}
}

func TestCleanOlderThanRemovesOnlyAgedStacks(t *testing.T) {
	f := newFixture(t)
	p, err := New(f.cfg, Options{})
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.NoError(t, err)

	aged := filepath.Join(f.cfg.Paths.StacksDir, "A")
	old := time.Now().Add(-72 * time.Hour)
	require.NoError(t, os.Chtimes(aged, old, old))

	report, err := p.CleanOlderThan(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeletedDirs)
	assert.NoDirExists(t, aged)
	assert.DirExists(t, filepath.Join(f.cfg.Paths.StacksDir, "B"))

	logs, err := os.ReadDir(f.cfg.Paths.LogDir)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)

	_, err = p.CleanOlderThan(context.Background(), 0)
	assert.Error(t, err)
}
