package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/stackfleet/internal/api"
	"github.com/mattjoyce/stackfleet/internal/config"
	"github.com/mattjoyce/stackfleet/internal/dispatch"
	"github.com/mattjoyce/stackfleet/internal/doctor"
	"github.com/mattjoyce/stackfleet/internal/events"
	"github.com/mattjoyce/stackfleet/internal/inspect"
	"github.com/mattjoyce/stackfleet/internal/ledger"
	"github.com/mattjoyce/stackfleet/internal/lock"
	"github.com/mattjoyce/stackfleet/internal/log"
	"github.com/mattjoyce/stackfleet/internal/provision"
	"github.com/mattjoyce/stackfleet/internal/storage"
	"github.com/mattjoyce/stackfleet/internal/tui"
	"github.com/mattjoyce/stackfleet/internal/workspace"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Exit codes.
const (
	exitOK       = 0
	exitError    = 1
	exitFailures = 2
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	// No command, or only flags, means a full run.
	if len(cliArgs) == 0 || strings.HasPrefix(cliArgs[0], "-") && !isHelpToken(cliArgs[0]) && cliArgs[0] != "--version" {
		return runRun(cliArgs)
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	if cmd != "config" && hasHelpFlag(args) {
		if printCommandHelp(cmd) {
			return exitOK
		}
	}

	switch cmd {
	case "run":
		return runRun(args)
	case "render":
		return runRender(args)
	case "up":
		return runUp(args)
	case "down":
		return runDown(args)
	case "clean":
		return runClean(args)
	case "runs":
		return runRuns(args)
	case "inspect":
		return runInspect(args)
	case "serve":
		return runServe(args)
	case "watch":
		return runWatch(args)
	case "config":
		return runConfigNoun(args)
	case "doctor": // Alias for config check
		return runConfigCheck(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return exitError
	}
}

// --- SHARED PLUMBING ---

// loadConfig resolves, loads and applies the logging settings of a config.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// acquireLock takes the instance lock, printing the holder when it is busy.
func acquireLock(cfg *config.Config) (*lock.PIDLock, bool) {
	l, err := lock.AcquirePIDLock(cfg.State.LockPath)
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) && held.PID > 0 {
			fmt.Fprintf(os.Stderr, "Another stackfleet instance (pid %d) holds %s\n", held.PID, held.Path)
		} else {
			fmt.Fprintf(os.Stderr, "Failed to acquire lock %s: %v\n", cfg.State.LockPath, err)
		}
		return nil, false
	}
	return l, true
}

func openLedger(ctx context.Context, cfg *config.Config) (*sql.DB, *ledger.Ledger, error) {
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open run ledger: %w", err)
	}
	return db, ledger.New(db), nil
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// --- RUN ---

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	workers := fs.Int("workers", 0, "Worker pool size (overrides dispatch.workers)")
	watch := fs.Bool("watch", false, "Show live progress in the terminal")
	listen := fs.String("listen", "", "Serve the status API on this address during the run")
	strict := fs.Bool("strict", false, "Exit 2 when any stack failed or was skipped")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitError
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "Unexpected arguments: %s\n", strings.Join(fs.Args(), " "))
		return exitError
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitError
	}
	if *workers > 0 {
		cfg.Dispatch.Workers = *workers
	}
	if *listen != "" {
		cfg.API.Enabled = true
		cfg.API.Listen = *listen
	}
	if *watch {
		if code := redirectLogs(cfg); code != exitOK {
			return code
		}
	}

	pidLock, ok := acquireLock(cfg)
	if !ok {
		return exitError
	}
	defer pidLock.Release()

	ctx, stop := signalContext()
	defer stop()

	db, led, err := openLedger(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitError
	}
	defer db.Close()

	hub := events.NewHub(0)
	p, err := provision.New(cfg, provision.Options{Ledger: led, Events: hub, Out: os.Stdout})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		return exitError
	}

	sum, err := runWithCompanions(ctx, cfg, hub, led, *watch, p.Run)
	printSummary(os.Stdout, sum)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
		return exitError
	}
	return strictExit(*strict, sum)
}

// runWithCompanions runs fn beside the status API and the progress view when
// they are enabled. Both companions stop once fn returns.
func runWithCompanions(
	ctx context.Context,
	cfg *config.Config,
	hub *events.Hub,
	runs api.RunStore,
	watch bool,
	fn func(context.Context) (*provision.Summary, error),
) (*provision.Summary, error) {
	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancelRun := context.WithCancel(gctx)
	defer cancelRun()
	companionCtx, stopCompanions := context.WithCancel(gctx)
	defer stopCompanions()

	if cfg.API.Enabled {
		server := api.New(api.Config{Listen: cfg.API.Listen, Token: cfg.API.Token}, runs, hub, log.WithComponent("api"))
		g.Go(func() error {
			return server.Start(companionCtx)
		})
	}

	var unsubscribe func()
	if watch {
		var source <-chan events.Event
		source, unsubscribe = hub.Subscribe()
		g.Go(func() error {
			// The view exits on run.completed or when the stream closes.
			m, err := tui.Run(ctx, source, os.Stdin, os.Stderr)
			if m.Interrupted() {
				cancelRun()
			}
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("progress view: %w", err)
			}
			return nil
		})
	}

	var sum *provision.Summary
	g.Go(func() error {
		defer stopCompanions()
		var err error
		sum, err = fn(runCtx)
		if unsubscribe != nil {
			// Closing the stream lets the progress view exit even when the
			// run failed before dispatching.
			unsubscribe()
		}
		return err
	})

	err := g.Wait()
	return sum, err
}

// redirectLogs sends logs to a file beside the state database so they do not
// draw over the progress view.
func redirectLogs(cfg *config.Config) int {
	path := filepath.Join(filepath.Dir(cfg.State.Path), "stackfleet.log")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create log directory: %v\n", err)
		return exitError
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		return exitError
	}
	// The file stays open for the life of the process.
	log.SetOutput(f, cfg.Service.LogLevel, cfg.Service.LogFormat)
	return exitOK
}

func strictExit(strict bool, sum *provision.Summary) int {
	if !strict || sum == nil {
		return exitOK
	}
	if len(sum.RenderErrors) > 0 {
		return exitFailures
	}
	if sum.Report != nil && (sum.Report.Failed() > 0 || sum.Report.Skipped() > 0) {
		return exitFailures
	}
	return exitOK
}

func printSummary(w io.Writer, sum *provision.Summary) {
	if sum == nil {
		return
	}
	if sum.Purged.DeletedDirs+sum.Purged.DeletedFiles > 0 {
		fmt.Fprintf(w, "Purged: %d dir(s), %d file(s)\n", sum.Purged.DeletedDirs, sum.Purged.DeletedFiles)
	}
	if sum.Selected != nil {
		fmt.Fprintf(w, "Selected devices: %d", len(sum.Selected))
		if len(sum.Selected) > 0 {
			fmt.Fprintf(w, " (%s)", strings.Join(sum.Selected, ", "))
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Rendered stacks: %d\n", len(sum.Rendered))
	}
	for _, re := range sum.RenderErrors {
		fmt.Fprintf(w, "  RENDER FAILED %s: %v\n", re.Serial, re.Err)
	}

	r := sum.Report
	if r == nil {
		return
	}
	fmt.Fprintf(w, "Run %s: %d stack(s), %d succeeded, %d failed, %d skipped in %s (workers %d/%d)\n",
		r.RunID, len(r.Results), r.Succeeded(), r.Failed(), r.Skipped(),
		r.Duration().Round(time.Millisecond), r.Started, r.Workers)
	for _, se := range r.StartErrors {
		fmt.Fprintf(w, "  WORKER %d FAILED TO START: %v\n", se.Worker, se.Err)
	}
	for _, res := range r.Results {
		if res.Status == dispatch.StatusSucceeded {
			continue
		}
		fmt.Fprintf(w, "  %s %s: %s\n", strings.ToUpper(string(res.Status)), res.Job.Serial, res.Message())
	}
}

// --- RENDER / UP / DOWN / CLEAN ---

func runRender(args []string) int {
	fs := flag.NewFlagSet("render", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	strict := fs.Bool("strict", false, "Exit 2 when any stack failed to render")
	check := fs.Bool("check", false, "Compare the stack tree with a fresh render without writing; exit 2 on drift")
	jsonOut := fs.Bool("json", false, "Output the --check report as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitError
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitError
	}
	pidLock, ok := acquireLock(cfg)
	if !ok {
		return exitError
	}
	defer pidLock.Release()

	ctx, stop := signalContext()
	defer stop()

	p, err := provision.New(cfg, provision.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		return exitError
	}
	if *check {
		return runRenderCheck(ctx, p, *jsonOut)
	}
	sum, err := p.Render(ctx)
	printSummary(os.Stdout, sum)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Render failed: %v\n", err)
		return exitError
	}
	for _, r := range sum.Rendered {
		fmt.Printf("  %s  %s\n", r.Digest[:12], r.Dir)
	}
	return strictExit(*strict, sum)
}

func runRenderCheck(ctx context.Context, p *provision.Provisioner, jsonOut bool) int {
	drift, err := p.Check(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Check failed: %v\n", err)
		return exitError
	}

	differ := 0
	for _, d := range drift {
		if d.Status != provision.DriftNone {
			differ++
		}
	}

	if jsonOut {
		data, err := json.MarshalIndent(map[string]any{"stacks": drift, "drifted": differ}, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return exitError
		}
		fmt.Println(string(data))
	} else {
		for _, d := range drift {
			line := fmt.Sprintf("  %-8s %s", d.Status, d.Serial)
			if d.Error != "" {
				line += ": " + d.Error
			}
			fmt.Println(line)
		}
		fmt.Printf("%d of %d stack(s) differ from a fresh render.\n", differ, len(drift))
	}
	if differ > 0 {
		return exitFailures
	}
	return exitOK
}

func runUp(args []string) int {
	fs := flag.NewFlagSet("up", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	workers := fs.Int("workers", 0, "Worker pool size (overrides dispatch.workers)")
	watch := fs.Bool("watch", false, "Show live progress in the terminal")
	strict := fs.Bool("strict", false, "Exit 2 when any stack failed or was skipped")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitError
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitError
	}
	if *workers > 0 {
		cfg.Dispatch.Workers = *workers
	}
	if *watch {
		if code := redirectLogs(cfg); code != exitOK {
			return code
		}
	}
	pidLock, ok := acquireLock(cfg)
	if !ok {
		return exitError
	}
	defer pidLock.Release()

	ctx, stop := signalContext()
	defer stop()

	db, led, err := openLedger(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitError
	}
	defer db.Close()

	hub := events.NewHub(0)
	p, err := provision.New(cfg, provision.Options{Ledger: led, Events: hub, Out: os.Stdout})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		return exitError
	}

	sum, err := runWithCompanions(ctx, cfg, hub, led, *watch, p.Up)
	printSummary(os.Stdout, sum)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Up failed: %v\n", err)
		return exitError
	}
	return strictExit(*strict, sum)
}

func runDown(args []string) int {
	fs := flag.NewFlagSet("down", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitError
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitError
	}
	pidLock, ok := acquireLock(cfg)
	if !ok {
		return exitError
	}
	defer pidLock.Release()

	ctx, stop := signalContext()
	defer stop()

	p, err := provision.New(cfg, provision.Options{Out: os.Stdout})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		return exitError
	}
	names, err := p.Teardown(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Teardown failed: %v\n", err)
		return exitError
	}
	if len(names) == 0 {
		fmt.Println("No stacks to tear down.")
		return exitOK
	}
	fmt.Printf("Tore down %d stack(s): %s\n", len(names), strings.Join(names, ", "))
	return exitOK
}

func runClean(args []string) int {
	fs := flag.NewFlagSet("clean", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	olderThan := fs.Duration("older-than", 0, "Only delete stacks last modified before this age (e.g. 24h); logs are kept")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitError
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitError
	}
	pidLock, ok := acquireLock(cfg)
	if !ok {
		return exitError
	}
	defer pidLock.Release()

	ctx, stop := signalContext()
	defer stop()

	p, err := provision.New(cfg, provision.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		return exitError
	}
	if *olderThan < 0 {
		fmt.Fprintln(os.Stderr, "--older-than must not be negative")
		return exitError
	}
	clean := p.Clean
	if *olderThan > 0 {
		clean = func(ctx context.Context) (workspace.CleanupReport, error) {
			return p.CleanOlderThan(ctx, *olderThan)
		}
	}
	report, err := clean(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Clean failed: %v\n", err)
		return exitError
	}
	fmt.Printf("Purged %d dir(s), %d file(s)\n", report.DeletedDirs, report.DeletedFiles)
	return exitOK
}

// --- HISTORY ---

func runRuns(args []string) int {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	limit := fs.Int("limit", 20, "Maximum number of runs to list")
	jsonOut := fs.Bool("json", false, "Output runs as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitError
	}
	if *limit < 1 {
		fmt.Fprintln(os.Stderr, "--limit must be at least 1")
		return exitError
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitError
	}

	ctx := context.Background()
	db, led, err := openLedger(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitError
	}
	defer db.Close()

	runs, err := led.List(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list runs: %v\n", err)
		return exitError
	}

	if *jsonOut {
		if runs == nil {
			runs = []ledger.Run{}
		}
		data, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return exitError
		}
		fmt.Println(string(data))
		return exitOK
	}
	fmt.Print(inspect.RunsTable(runs))
	return exitOK
}

func runInspect(args []string) int {
	runID, flagArgs := splitPositional(args)

	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitError
	}
	if runID == "" {
		fmt.Fprintln(os.Stderr, "Usage: stackfleet inspect <run-id> [--json]")
		return exitError
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitError
	}

	ctx := context.Background()
	db, led, err := openLedger(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitError
	}
	defer db.Close()

	var out string
	if *jsonOut {
		out, err = inspect.BuildJSONReport(ctx, led, runID)
	} else {
		out, err = inspect.BuildReport(ctx, led, runID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return exitError
	}
	fmt.Print(out)
	if *jsonOut {
		fmt.Println()
	}
	return exitOK
}

// --- API ---

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	listen := fs.String("listen", "", "Listen address (overrides api.listen)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitError
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitError
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}

	ctx, stop := signalContext()
	defer stop()

	db, led, err := openLedger(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitError
	}
	defer db.Close()

	// No run happens in this process, so there is no live event stream.
	server := api.New(api.Config{Listen: cfg.API.Listen, Token: cfg.API.Token}, led, nil, log.WithComponent("api"))
	if err := server.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "API server failed: %v\n", err)
		return exitError
	}
	return exitOK
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api", "http://127.0.0.1:8088", "Base URL of a running status API")
	token := fs.String("token", os.Getenv("STACKFLEET_API_TOKEN"), "Bearer token for the status API")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitError
	}

	ctx, stop := signalContext()
	defer stop()

	source := make(chan events.Event, 64)
	streamErr := make(chan error, 1)
	go func() { streamErr <- tui.StreamEvents(ctx, *apiURL, *token, source) }()

	if _, err := tui.Run(ctx, source, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Watch failed: %v\n", err)
		return exitError
	}
	stop()
	if err := <-streamErr; err != nil {
		fmt.Fprintf(os.Stderr, "Event stream: %v\n", err)
		return exitError
	}
	return exitOK
}

// --- CONFIG ---

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return exitError
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return exitOK
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return exitOK
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return exitOK
		}
		return runConfigLock(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return exitOK
		}
		return runConfigShow(actionArgs)
	case "get":
		if hasHelpFlag(actionArgs) {
			printConfigGetHelp()
			return exitOK
		}
		return runConfigGet(actionArgs)
	case "set":
		if hasHelpFlag(actionArgs) {
			printConfigSetHelp()
			return exitOK
		}
		return runConfigSet(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return exitError
	}
}

// runConfigCheck exits 0 when valid, 1 on errors and 2 on warnings only.
func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output results as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitError
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		if *jsonOut {
			res := &doctor.Result{Errors: []doctor.Issue{{Category: "config", Message: err.Error()}}}
			out, _ := doctor.FormatJSON(res)
			fmt.Println(out)
		} else {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		}
		return exitError
	}

	result := doctor.New(cfg).Validate()
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return exitError
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	switch {
	case !result.Valid:
		return exitError
	case len(result.Warnings) > 0:
		return exitFailures
	default:
		return exitOK
	}
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	dryRun := fs.Bool("dry-run", false, "Show what would be hashed without writing")
	verbose := fs.Bool("v", false, "Print every hashed file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitError
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitError
	}

	report, err := config.GenerateChecksumsWithReport(cfg.Paths.TemplatesDir, cfg.TemplateFiles(), *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock templates: %v\n", err)
		return exitError
	}

	if *verbose || *dryRun {
		for _, f := range report.Files {
			if !f.Exists {
				fmt.Printf("  missing  %s\n", f.Filename)
				continue
			}
			fmt.Printf("  %s  %s\n", f.Hash[:16], f.Filename)
		}
	}
	if report.Written {
		fmt.Printf("Wrote %s\n", report.ChecksumPath)
	} else {
		fmt.Printf("Dry run: %s not written\n", report.ChecksumPath)
	}
	return exitOK
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitError
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitError
	}

	shown := *cfg
	if shown.API.Token != "" {
		shown.API.Token = "<redacted>"
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(shown, "", "  ")
		fmt.Println(string(data))
		return exitOK
	}
	data, _ := yaml.Marshal(shown)
	fmt.Print(string(data))
	return exitOK
}

// splitPositional separates the first positional argument from flags so it
// may appear anywhere on the command line.
func splitPositional(args []string) (string, []string) {
	var positional string
	var flagArgs []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") && positional == "" {
			positional = arg
			continue
		}
		flagArgs = append(flagArgs, arg)
	}
	return positional, flagArgs
}

func runConfigGet(args []string) int {
	path, flagArgs := splitPositional(args)

	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitError
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "Usage: stackfleet config get <path> [--json]")
		return exitError
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitError
	}
	if cfg.API.Token != "" {
		cfg.API.Token = "<redacted>"
	}

	val, err := cfg.GetPath(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(val, "", "  ")
		fmt.Println(string(data))
		return exitOK
	}
	switch v := val.(type) {
	case map[string]any, []any, map[string]string, map[string][]string:
		data, _ := yaml.Marshal(v)
		fmt.Print(string(data))
	case []string:
		fmt.Println(strings.Join(v, " "))
	default:
		fmt.Println(v)
	}
	return exitOK
}

func runConfigSet(args []string) int {
	assignment, flagArgs := splitPositional(args)

	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	dryRun := fs.Bool("dry-run", false, "Validate the change without writing it")
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitError
	}
	path, value, ok := strings.Cut(assignment, "=")
	if !ok || path == "" {
		fmt.Fprintln(os.Stderr, "Usage: stackfleet config set <path>=<value> [--dry-run]")
		return exitError
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitError
	}

	if err := cfg.SetPath(path, value, !*dryRun); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	if *dryRun {
		fmt.Printf("Dry run: %s=%s is valid\n", path, value)
		return exitOK
	}
	fmt.Printf("Set %s=%s in %s\n", path, value, cfg.SourcePath)
	return exitOK
}

// --- VERSION ---

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitError
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: stackfleet version [--json]")
		return exitError
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return exitError
		}
		fmt.Println(string(data))
		return exitOK
	}

	fmt.Printf("stackfleet %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return exitOK
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}

	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}
