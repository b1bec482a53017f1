package render

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/stackfleet/internal/compose"
	"github.com/mattjoyce/stackfleet/internal/config"
	"github.com/mattjoyce/stackfleet/internal/log"
	"github.com/mattjoyce/stackfleet/internal/workspace"
)

// ScriptFileName is the app script written next to the compose file.
const ScriptFileName = "app.sh"

// Rendered describes one device's generated stack.
type Rendered struct {
	Serial   string
	Dir      string
	Digest   string
	Services []string
}

// DeviceError is a render failure confined to one device.
type DeviceError struct {
	Serial string
	Err    error
}

func (e DeviceError) Error() string { return fmt.Sprintf("render %s: %v", e.Serial, e.Err) }

func (e DeviceError) Unwrap() error { return e.Err }

// Renderer executes the compose and script templates for each device and
// writes the results into the stack tree.
type Renderer struct {
	compose  *template.Template
	script   *template.Template
	ws       workspace.Manager
	validate bool
	logger   *slog.Logger
}

// NewRenderer parses both templates once. When validate is set each rendered
// compose file is loaded with the compose loader before it is accepted.
func NewRenderer(composePath, scriptPath string, ws workspace.Manager, validate bool) (*Renderer, error) {
	composeTpl, err := parseTemplate(composePath)
	if err != nil {
		return nil, err
	}
	scriptTpl, err := parseTemplate(scriptPath)
	if err != nil {
		return nil, err
	}
	return &Renderer{
		compose:  composeTpl,
		script:   scriptTpl,
		ws:       ws,
		validate: validate,
		logger:   log.WithComponent("render"),
	}, nil
}

// FromConfig builds a Renderer for the configured template files.
func FromConfig(cfg *config.Config, ws workspace.Manager) (*Renderer, error) {
	return NewRenderer(cfg.ComposeTemplatePath(), cfg.ScriptTemplatePath(), ws, cfg.Compose.Validate)
}

func parseTemplate(path string) (*template.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	tpl, err := template.New(path).
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=error").
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", path, err)
	}
	return tpl, nil
}

// Execute renders both templates in memory. The script template only sees
// the AppData fields.
func (r *Renderer) Execute(data StackData) (composeFile, script []byte, err error) {
	var composeOut, scriptOut bytes.Buffer
	if err := r.compose.Execute(&composeOut, data); err != nil {
		return nil, nil, fmt.Errorf("execute compose template: %w", err)
	}
	if err := r.script.Execute(&scriptOut, data.AppData); err != nil {
		return nil, nil, fmt.Errorf("execute script template: %w", err)
	}
	return composeOut.Bytes(), scriptOut.Bytes(), nil
}

// Render writes <stacks>/<serial>/docker-compose.yml and app.sh. Nothing is
// left on disk when rendering or validation fails.
func (r *Renderer) Render(ctx context.Context, data StackData) (Rendered, error) {
	composeFile, script, err := r.Execute(data)
	if err != nil {
		return Rendered{}, err
	}

	st, err := r.ws.Create(ctx, data.Serial)
	if err != nil {
		return Rendered{}, err
	}

	out := Rendered{Serial: st.Serial, Dir: st.Dir}
	fail := func(err error) (Rendered, error) {
		if rmErr := os.RemoveAll(st.Dir); rmErr != nil {
			r.logger.Warn("failed to remove partial stack", "serial", st.Serial, "error", rmErr)
		}
		return Rendered{}, err
	}

	if _, err := r.ws.WriteFile(ctx, st, compose.FileName, composeFile, 0o644); err != nil {
		return fail(err)
	}
	if _, err := r.ws.WriteFile(ctx, st, ScriptFileName, script, 0o755); err != nil {
		return fail(err)
	}

	if r.validate {
		services, err := compose.Validate(ctx, st.Dir)
		if err != nil {
			return fail(fmt.Errorf("validate: %w", err))
		}
		out.Services = services
	}

	out.Digest = Digest(composeFile, script)
	return out, nil
}

// RenderAll renders every device. A failing device is logged and reported
// without stopping the others.
func (r *Renderer) RenderAll(ctx context.Context, stacks []StackData) ([]Rendered, []DeviceError) {
	var (
		rendered []Rendered
		failed   []DeviceError
	)
	for _, data := range stacks {
		if err := ctx.Err(); err != nil {
			failed = append(failed, DeviceError{Serial: data.Serial, Err: err})
			continue
		}
		res, err := r.Render(ctx, data)
		if err != nil {
			r.logger.Error("failed to render stack", "serial", data.Serial, "error", err)
			failed = append(failed, DeviceError{Serial: data.Serial, Err: err})
			continue
		}
		r.logger.Debug("rendered stack", "serial", res.Serial, "digest", res.Digest)
		rendered = append(rendered, res)
	}
	r.logger.Info("rendered stacks", "count", len(rendered), "failed", len(failed))
	return rendered, failed
}

// Digest is the BLAKE3 hash over a stack's compose file and script.
func Digest(composeFile, script []byte) string {
	h := blake3.New()
	_, _ = h.Write([]byte(compose.FileName))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(composeFile)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(ScriptFileName))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(script)
	return hex.EncodeToString(h.Sum(nil))
}

// DigestDir recomputes the digest of a stack already on disk.
func DigestDir(dir string) (string, error) {
	composeFile, err := os.ReadFile(filepath.Join(dir, compose.FileName))
	if err != nil {
		return "", err
	}
	script, err := os.ReadFile(filepath.Join(dir, ScriptFileName))
	if err != nil {
		return "", err
	}
	return Digest(composeFile, script), nil
}

// CheckTemplates parses both templates without rendering anything.
func CheckTemplates(composePath, scriptPath string) error {
	if _, err := parseTemplate(composePath); err != nil {
		return err
	}
	_, err := parseTemplate(scriptPath)
	return err
}
