package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr bool
		checkFn func(t *testing.T, dir string, cfg *Config)
	}{
		{
			name: "minimal config gets defaults",
			yaml: `
stack:
  app_name: demo.apk
`,
			checkFn: func(t *testing.T, dir string, cfg *Config) {
				if cfg.Stack.AppName != "demo.apk" {
					t.Errorf("stack.app_name = %q", cfg.Stack.AppName)
				}
				if cfg.Dispatch.Workers != 4 {
					t.Errorf("dispatch.workers = %d, want default 4", cfg.Dispatch.Workers)
				}
				if cfg.Stack.Placeholder != "RANDOM" {
					t.Errorf("stack.placeholder = %q, want RANDOM", cfg.Stack.Placeholder)
				}
				if !cfg.Compose.Validate {
					t.Error("compose.validate should default to true")
				}
				if len(cfg.Compose.Up) != 3 || cfg.Compose.Up[0] != "docker-compose" {
					t.Errorf("compose.up = %v", cfg.Compose.Up)
				}
				want := filepath.Join(dir, "resources", "dockercomposes")
				if cfg.Paths.StacksDir != want {
					t.Errorf("paths.stacks_dir = %q, want %q", cfg.Paths.StacksDir, want)
				}
			},
		},
		{
			name: "explicit values and relative path resolution",
			yaml: `
service:
  log_level: DEBUG
  log_format: text
paths:
  stacks_dir: out/stacks
  templates_dir: /opt/templates
dispatch:
  workers: 9
compose:
  up: [docker, compose, up, --detach]
  up_timeout: 90s
  validate: false
`,
			checkFn: func(t *testing.T, dir string, cfg *Config) {
				if cfg.Service.LogLevel != "debug" {
					t.Errorf("log_level = %q, want lowercased debug", cfg.Service.LogLevel)
				}
				if cfg.Paths.StacksDir != filepath.Join(dir, "out", "stacks") {
					t.Errorf("stacks_dir = %q", cfg.Paths.StacksDir)
				}
				if cfg.Paths.TemplatesDir != "/opt/templates" {
					t.Errorf("templates_dir = %q", cfg.Paths.TemplatesDir)
				}
				if cfg.Dispatch.Workers != 9 {
					t.Errorf("workers = %d", cfg.Dispatch.Workers)
				}
				if len(cfg.Compose.Up) != 4 || cfg.Compose.Up[3] != "--detach" {
					t.Errorf("compose.up = %v", cfg.Compose.Up)
				}
				if cfg.Compose.UpTimeout != 90*time.Second {
					t.Errorf("up_timeout = %v", cfg.Compose.UpTimeout)
				}
				if cfg.Compose.Validate {
					t.Error("compose.validate should be false")
				}
				if cfg.Templates.Compose != "docker_compose_template.yml" {
					t.Errorf("templates.compose = %q", cfg.Templates.Compose)
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
paths:
  stacks_dir: ${STACKS_DIR}
stack:
  case_name: ${CASE}
`,
			env: map[string]string{"STACKS_DIR": "/srv/stacks", "CASE": "smoke"},
			checkFn: func(t *testing.T, dir string, cfg *Config) {
				if cfg.Paths.StacksDir != "/srv/stacks" {
					t.Errorf("stacks_dir = %q", cfg.Paths.StacksDir)
				}
				if cfg.Stack.CaseName != "smoke" {
					t.Errorf("case_name = %q", cfg.Stack.CaseName)
				}
			},
		},
		{
			name: "workers below one are clamped",
			yaml: `
dispatch:
  workers: 0
`,
			checkFn: func(t *testing.T, dir string, cfg *Config) {
				if cfg.Dispatch.Workers != 1 {
					t.Errorf("workers = %d, want 1", cfg.Dispatch.Workers)
				}
			},
		},
		{
			name:    "unset env var in a path fails",
			yaml:    "paths:\n  stacks_dir: ${STACKFLEET_TEST_UNSET_VAR}\n",
			wantErr: true,
		},
		{
			name:    "invalid log level",
			yaml:    "service:\n  log_level: loud\n",
			wantErr: true,
		},
		{
			name:    "stacks dir equal to templates dir",
			yaml:    "paths:\n  stacks_dir: ./t\n  templates_dir: ./t\n",
			wantErr: true,
		},
		{
			name:    "stacks dir is the config dir holding the templates",
			yaml:    "paths:\n  stacks_dir: .\n  templates_dir: ./template\n",
			wantErr: true,
		},
		{
			name:    "stacks dir inside templates dir",
			yaml:    "paths:\n  stacks_dir: ./resources/template/out\n",
			wantErr: true,
		},
		{
			name:    "stacks dir holding the inventory",
			yaml:    "paths:\n  stacks_dir: ./resources\n  templates_dir: ./template\n",
			wantErr: true,
		},
		{
			name:    "log dir holding the state database",
			yaml:    "paths:\n  log_dir: ./data\n",
			wantErr: true,
		},
		{
			name:    "log dir is the config dir",
			yaml:    "paths:\n  log_dir: .\nstate:\n  path: /var/lib/stackfleet/db\n  lock_path: /var/lib/stackfleet/lock\n",
			wantErr: true,
		},
		{
			name:    "log dir nested under stacks dir",
			yaml:    "paths:\n  stacks_dir: ./stacks\n  log_dir: ./stacks/logs\n",
			wantErr: true,
		},
		{
			name:    "stacks dir nested under log dir",
			yaml:    "paths:\n  stacks_dir: ./logs/stacks\n  log_dir: ./logs\n",
			wantErr: true,
		},
		{
			name: "sibling directories are accepted",
			yaml: "paths:\n  stacks_dir: ./stacks\n  templates_dir: ./stacks-templates\n  log_dir: ./stacks-logs\n",
			checkFn: func(t *testing.T, dir string, cfg *Config) {
				if len(PurgeConflicts(cfg)) != 0 {
					t.Errorf("unexpected conflicts: %v", PurgeConflicts(cfg))
				}
			},
		},
		{
			name:    "negative timeout",
			yaml:    "compose:\n  up_timeout: -1s\n",
			wantErr: true,
		},
		{
			name:    "malformed yaml",
			yaml:    "dispatch: [",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			dir := t.TempDir()
			path := writeConfig(t, dir, tt.yaml)

			cfg, err := Load(path)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error: %v", err)
			}
			if cfg.SourcePath != path {
				t.Errorf("SourcePath = %q, want %q", cfg.SourcePath, path)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, dir, cfg)
			}
		})
	}
}

func TestLoadDirectoryArgument(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "dispatch:\n  workers: 2\n")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load(dir) error: %v", err)
	}
	if cfg.Dispatch.Workers != 2 {
		t.Errorf("workers = %d, want 2", cfg.Dispatch.Workers)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestDiscoverConfigPathFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "{}\n")
	t.Setenv(EnvConfigPath, path)

	got, err := DiscoverConfigPath()
	if err != nil {
		t.Fatalf("DiscoverConfigPath() error: %v", err)
	}
	if got != path {
		t.Errorf("DiscoverConfigPath() = %q, want %q", got, path)
	}
}

func TestTemplatePaths(t *testing.T) {
	cfg := Defaults()
	cfg.Paths.TemplatesDir = "/tpl"

	if got := cfg.ComposeTemplatePath(); got != "/tpl/docker_compose_template.yml" {
		t.Errorf("ComposeTemplatePath() = %q", got)
	}
	cfg.Templates.Script = "/elsewhere/app.sh"
	if got := cfg.ScriptTemplatePath(); got != "/elsewhere/app.sh" {
		t.Errorf("ScriptTemplatePath() = %q", got)
	}
}

func TestPurgeConflicts(t *testing.T) {
	root := t.TempDir()
	base := func() *Config {
		cfg := Defaults()
		cfg.Paths.StacksDir = filepath.Join(root, "stacks")
		cfg.Paths.TemplatesDir = filepath.Join(root, "template")
		cfg.Paths.LogDir = filepath.Join(root, "logs")
		cfg.Paths.Inventory = filepath.Join(root, "devices.yaml")
		cfg.Paths.Users = filepath.Join(root, "users.txt")
		cfg.State.Path = filepath.Join(root, "data", "stackfleet.db")
		cfg.State.LockPath = filepath.Join(root, "data", "stackfleet.lock")
		cfg.SourcePath = filepath.Join(root, "config.yaml")
		return cfg
	}

	if got := PurgeConflicts(base()); len(got) != 0 {
		t.Fatalf("clean layout reported conflicts: %v", got)
	}

	tests := []struct {
		name   string
		mutate func(cfg *Config)
		want   string
	}{
		{"stacks dir is root", func(cfg *Config) { cfg.Paths.StacksDir = root }, "paths.templates_dir"},
		{"stacks dir contains config file", func(cfg *Config) {
			cfg.Paths.StacksDir = filepath.Join(root, "etc")
			cfg.SourcePath = filepath.Join(root, "etc", "config.yaml")
		}, "config file"},
		{"log dir contains lock", func(cfg *Config) { cfg.State.LockPath = filepath.Join(root, "logs", "x.lock") }, "state.lock_path"},
		{"log dir under stacks dir", func(cfg *Config) { cfg.Paths.LogDir = filepath.Join(root, "stacks", "logs") }, "paths.stacks_dir"},
		{"unclean path still overlaps", func(cfg *Config) { cfg.Paths.StacksDir = root + "/template/../template/" }, "paths.templates_dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			got := PurgeConflicts(cfg)
			if len(got) == 0 {
				t.Fatal("expected a conflict")
			}
			found := false
			for _, msg := range got {
				if strings.Contains(msg, tt.want) {
					found = true
				}
			}
			if !found {
				t.Fatalf("conflicts %v do not mention %q", got, tt.want)
			}
		})
	}
}
