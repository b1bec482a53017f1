package main

import (
	"fmt"
	"io"
	"os"
)

func printUsage(w io.Writer) {
	fmt.Fprint(w, `stackfleet - render and bring up one docker-compose stack per device

Usage:
  stackfleet [command] [flags]

With no command, stackfleet performs a full run.

Provisioning Commands:
  run       Purge, regenerate every stack, bring all stacks up, record the run
  render    Purge and regenerate stacks without bringing them up
  up        Bring up the stacks already on disk
  down      Tear down every stack with a single teardown command
  clean     Delete every rendered stack and worker log

History Commands:
  runs            List recorded runs
  inspect <id>    Show the per-device results of one run

Status Commands:
  serve     Serve the status API over the run ledger
  watch     Follow a run served by another process's status API

Config Commands:
  config check    Validate configuration, templates and environment
  config lock     Record template checksums
  config show     Print the effective configuration
  config get      Read one value by dot path or type:name address
  config set      Change one value in the config file
  doctor          Alias for config check

General:
  version         Show version information
  help            Show this help message

Use 'stackfleet <command> --help' for command flags.
`)
}

// printCommandHelp prints help for a top-level command and reports whether
// one exists.
func printCommandHelp(cmd string) bool {
	switch cmd {
	case "run":
		fmt.Println("Usage: stackfleet run [--config PATH] [--workers N] [--watch] [--listen ADDR] [--strict]")
		fmt.Println("Purge the stack tree, render one stack per selected device, bring every")
		fmt.Println("stack up with a bounded worker pool and record the run.")
		fmt.Println()
		fmt.Println("Exit codes:")
		fmt.Println("  0  The batch completed (per-device failures are reported, not fatal)")
		fmt.Println("  1  The run could not be performed")
		fmt.Println("  2  --strict and at least one stack failed or was skipped")
	case "render":
		fmt.Println("Usage: stackfleet render [--config PATH] [--strict] [--check [--json]]")
		fmt.Println("Purge the stack tree and regenerate every stack without bringing it up.")
		fmt.Println("With --check nothing is written: each stack on disk is compared with a")
		fmt.Println("fresh render and reported as ok, changed, missing, extra or error.")
		fmt.Println("--check exits 2 when any stack differs.")
	case "up":
		fmt.Println("Usage: stackfleet up [--config PATH] [--workers N] [--watch] [--strict]")
		fmt.Println("Bring up the stacks already on disk and record the run.")
	case "down":
		fmt.Println("Usage: stackfleet down [--config PATH]")
		fmt.Println("Run the teardown command once over every stack's container name.")
	case "clean":
		fmt.Println("Usage: stackfleet clean [--config PATH] [--older-than DURATION]")
		fmt.Println("Delete every rendered stack and worker log. With --older-than only stack")
		fmt.Println("directories last modified before that age are deleted.")
	case "runs":
		fmt.Println("Usage: stackfleet runs [--config PATH] [--limit N] [--json]")
		fmt.Println("List recorded runs, newest first.")
	case "inspect":
		fmt.Println("Usage: stackfleet inspect <run-id> [--config PATH] [--json]")
		fmt.Println("Show the per-device results of a recorded run.")
	case "serve":
		fmt.Println("Usage: stackfleet serve [--config PATH] [--listen ADDR]")
		fmt.Println("Serve GET /healthz, /runs and /runs/{id} over the run ledger.")
	case "watch":
		printWatchHelp()
	case "doctor":
		printConfigCheckHelp()
	case "version":
		fmt.Println("Usage: stackfleet version [--json]")
	default:
		return false
	}
	return true
}

func printWatchHelp() {
	fmt.Println("Usage: stackfleet watch [flags]")
	fmt.Println()
	fmt.Println("Follow live progress of a run started with --listen.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api URL      Status API URL (default: http://127.0.0.1:8088)")
	fmt.Println("  --token TOKEN  Bearer token (or STACKFLEET_API_TOKEN env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q              Detach")
	fmt.Println("  Ctrl+C         Quit")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: stackfleet config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock, show, get, set")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: stackfleet config check [--config PATH] [--json]")
	fmt.Println("Validate configuration, templates, inventory, users and external commands.")
	fmt.Println()
	fmt.Println("Exit codes:")
	fmt.Println("  0  Valid")
	fmt.Println("  1  Errors found")
	fmt.Println("  2  Valid with warnings")
}

func printConfigLockHelp() {
	fmt.Println("Usage: stackfleet config lock [--config PATH] [-v] [--dry-run]")
	fmt.Println("Record BLAKE3 checksums of the stack templates in .checksums.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: stackfleet config show [--config PATH] [--json]")
	fmt.Println("Print the effective configuration after defaults and path resolution.")
}

func printConfigGetHelp() {
	fmt.Println("Usage: stackfleet config get <path> [--config PATH] [--json]")
	fmt.Println("Read a value by dot path (dispatch.workers) or address (template:compose, command:up).")
}

func printConfigSetHelp() {
	fmt.Println("Usage: stackfleet config set <path>=<value> [--config PATH] [--dry-run]")
	fmt.Println("Write a scalar into the config file. Changes that fail validation are rolled back.")
}
