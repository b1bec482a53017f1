// Package doctor validates stackfleet configuration and the environment a run
// depends on.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mattjoyce/stackfleet/internal/config"
	"github.com/mattjoyce/stackfleet/internal/device"
	"github.com/mattjoyce/stackfleet/internal/render"
	"github.com/mattjoyce/stackfleet/internal/users"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

// New creates a Doctor for cfg.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validatePaths(r)
	d.validateTemplates(r)
	d.validateInventory(r)
	d.validateCommands(r)
	d.validateStack(r)
	d.validateAPI(r)
	d.warnMissingEnvVars(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validatePaths(r *Result) {
	p := d.cfg.Paths
	if p.StacksDir == "" {
		d.addError(r, "paths", "paths.stacks_dir", "stacks_dir is required")
	}
	if p.TemplatesDir == "" {
		d.addError(r, "paths", "paths.templates_dir", "templates_dir is required")
	} else if info, err := os.Stat(p.TemplatesDir); err != nil || !info.IsDir() {
		d.addError(r, "paths", "paths.templates_dir", fmt.Sprintf("templates_dir %s is not a directory", p.TemplatesDir))
	}
	if p.LogDir == "" {
		d.addWarning(r, "paths", "paths.log_dir", "log_dir is empty; worker output will not be kept")
	}
	if d.cfg.State.Path == "" {
		d.addError(r, "paths", "state.path", "state.path is required")
	}
	for _, msg := range config.PurgeConflicts(d.cfg) {
		d.addError(r, "paths", strings.Fields(msg)[0], msg)
	}
	if d.cfg.Dispatch.Workers < 1 {
		d.addError(r, "dispatch", "dispatch.workers", "workers must be at least 1")
	}
}

func (d *Doctor) validateTemplates(r *Result) {
	composePath, scriptPath := d.cfg.ComposeTemplatePath(), d.cfg.ScriptTemplatePath()
	missing := false
	for _, t := range []struct{ field, path string }{
		{"templates.compose", composePath},
		{"templates.script", scriptPath},
	} {
		if _, err := os.Stat(t.path); err != nil {
			d.addError(r, "templates", t.field, fmt.Sprintf("template %s not found", t.path))
			missing = true
		}
	}
	if missing {
		return
	}

	if err := render.CheckTemplates(composePath, scriptPath); err != nil {
		d.addError(r, "templates", "templates", err.Error())
	}

	integrity, err := config.VerifyTemplates(d.cfg)
	if err != nil {
		d.addError(r, "integrity", "templates", err.Error())
		return
	}
	for _, msg := range integrity.Errors {
		d.addError(r, "integrity", "templates", msg)
	}
	for _, msg := range integrity.Warnings {
		d.addWarning(r, "integrity", "templates", msg)
	}
}

func (d *Doctor) validateInventory(r *Result) {
	devices, err := device.LoadInventory(d.cfg.Paths.Inventory)
	if err != nil {
		d.addError(r, "inventory", "paths.inventory", err.Error())
		return
	}
	selected := device.Filter(devices, device.FromConfig(d.cfg.Devices)...)
	if len(selected) == 0 {
		d.addWarning(r, "inventory", "devices",
			fmt.Sprintf("no device of %d in the inventory matches the selector", len(devices)))
	}

	pool, err := users.Load(d.cfg.Paths.Users)
	if err != nil {
		d.addError(r, "users", "paths.users", err.Error())
		return
	}
	if len(pool) < len(selected) {
		d.addError(r, "users", "paths.users",
			fmt.Sprintf("%d devices selected but only %d test users available", len(selected), len(pool)))
	}
}

func (d *Doctor) validateCommands(r *Result) {
	c := d.cfg.Compose
	if len(c.Up) == 0 {
		d.addError(r, "compose", "compose.up", "up command is empty")
	} else if _, err := d.lookPath(c.Up[0]); err != nil {
		d.addError(r, "compose", "compose.up", fmt.Sprintf("%s not found on PATH", c.Up[0]))
	}
	if len(c.Teardown) == 0 {
		d.addError(r, "compose", "compose.teardown", "teardown command is empty")
	} else if _, err := d.lookPath(c.Teardown[0]); err != nil {
		d.addWarning(r, "compose", "compose.teardown", fmt.Sprintf("%s not found on PATH", c.Teardown[0]))
	}
}

func (d *Doctor) validateStack(r *Result) {
	s := d.cfg.Stack
	if s.Placeholder == "" {
		d.addWarning(r, "stack", "stack.placeholder", "placeholder is empty; log volume paths are shared by every device")
	} else if s.LogVolumePaths != "" && !strings.Contains(s.LogVolumePaths, s.Placeholder) {
		d.addWarning(r, "stack", "stack.log_volume_paths",
			fmt.Sprintf("log_volume_paths does not contain placeholder %q", s.Placeholder))
	}
	if !filepath.IsAbs(s.MountTarget) {
		d.addError(r, "stack", "stack.mount_target", fmt.Sprintf("mount_target %q must be an absolute container path", s.MountTarget))
	}
	if s.AppName == "" {
		d.addWarning(r, "stack", "stack.app_name", "app_name is empty")
	}
}

func (d *Doctor) validateAPI(r *Result) {
	if d.cfg.API.Enabled && d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when the API is enabled")
	}
	if d.cfg.API.Enabled && d.cfg.API.Token == "" {
		d.addWarning(r, "api", "api.token", "status API is enabled without a token")
	}
}

// warnMissingEnvVars warns about ${VAR} references left in stack values.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	envVarRe := regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	s := d.cfg.Stack
	fields := map[string]string{
		"stack.app_name":         s.AppName,
		"stack.device_names":     s.DeviceNames,
		"stack.case_name":        s.CaseName,
		"stack.log_volume_paths": s.LogVolumePaths,
	}
	for i, v := range s.Volumes {
		fields[fmt.Sprintf("stack.volumes[%d]", i)] = v
	}
	for field, value := range fields {
		for _, m := range envVarRe.FindAllStringSubmatch(value, -1) {
			d.addWarning(r, "env_vars", field, fmt.Sprintf("environment variable ${%s} not set", m[1]))
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
