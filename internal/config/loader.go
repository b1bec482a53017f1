package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// EnvConfigPath names the environment variable consulted by DiscoverConfigPath.
const EnvConfigPath = "STACKFLEET_CONFIG"

// Load reads and parses configuration from a file. A directory argument is
// resolved to the config.yaml inside it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data, filepath.Dir(absPath))
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath
	if conflicts := PurgeConflicts(cfg); len(conflicts) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", conflicts[0])
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults, resolves relative paths against
// baseDir and validates the result.
func Parse(data []byte, baseDir string) (*Config, error) {
	cfg := Defaults()

	interpolated := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyConfigDefaults(cfg)
	resolvePaths(cfg, baseDir)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: $STACKFLEET_CONFIG, ~/.config/stackfleet/config.yaml, ./stackfleet.yaml.
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "stackfleet", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	local := "./stackfleet.yaml"
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}

	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/stackfleet/config.yaml, ./stackfleet.yaml)", EnvConfigPath)
}

// applyConfigDefaults fills values that were explicitly blanked in YAML.
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Templates.Compose == "" {
		cfg.Templates.Compose = defaults.Templates.Compose
	}
	if cfg.Templates.Script == "" {
		cfg.Templates.Script = defaults.Templates.Script
	}
	if cfg.Stack.Placeholder == "" {
		cfg.Stack.Placeholder = defaults.Stack.Placeholder
	}
	if cfg.Stack.MountTarget == "" {
		cfg.Stack.MountTarget = defaults.Stack.MountTarget
	}
	if cfg.Dispatch.Workers < 1 {
		cfg.Dispatch.Workers = 1
	}
	if len(cfg.Compose.Up) == 0 {
		cfg.Compose.Up = defaults.Compose.Up
	}
	if len(cfg.Compose.Teardown) == 0 {
		cfg.Compose.Teardown = defaults.Compose.Teardown
	}
	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.State.LockPath == "" {
		cfg.State.LockPath = defaults.State.LockPath
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
}

func resolvePaths(cfg *Config, baseDir string) {
	for _, p := range []*string{
		&cfg.Paths.StacksDir,
		&cfg.Paths.TemplatesDir,
		&cfg.Paths.LogDir,
		&cfg.Paths.Inventory,
		&cfg.Paths.Users,
		&cfg.State.Path,
		&cfg.State.LockPath,
	} {
		*p = resolvePath(*p, baseDir)
	}
}

func resolvePath(p, baseDir string) string {
	if p == "" || filepath.IsAbs(p) || baseDir == "" {
		return p
	}
	return filepath.Clean(filepath.Join(baseDir, p))
}

func joinPath(dir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Paths.StacksDir == "" {
		return fmt.Errorf("paths.stacks_dir is required")
	}
	if cfg.Paths.TemplatesDir == "" {
		return fmt.Errorf("paths.templates_dir is required")
	}
	for field, value := range map[string]string{
		"paths.stacks_dir":    cfg.Paths.StacksDir,
		"paths.templates_dir": cfg.Paths.TemplatesDir,
		"paths.log_dir":       cfg.Paths.LogDir,
		"paths.inventory":     cfg.Paths.Inventory,
		"paths.users":         cfg.Paths.Users,
		"state.path":          cfg.State.Path,
	} {
		if envVarPattern.MatchString(value) {
			matches := envVarPattern.FindStringSubmatch(value)
			return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
		}
	}
	if conflicts := PurgeConflicts(cfg); len(conflicts) > 0 {
		return fmt.Errorf("%s", conflicts[0])
	}

	if strings.TrimSpace(cfg.Compose.Up[0]) == "" {
		return fmt.Errorf("compose.up must name a command")
	}
	if strings.TrimSpace(cfg.Compose.Teardown[0]) == "" {
		return fmt.Errorf("compose.teardown must name a command")
	}
	if cfg.Compose.UpTimeout < 0 {
		return fmt.Errorf("compose.up_timeout must not be negative")
	}
	if cfg.Compose.TeardownTimeout < 0 {
		return fmt.Errorf("compose.teardown_timeout must not be negative")
	}
	if cfg.State.RunRetention < 0 {
		return fmt.Errorf("state.run_retention must not be negative")
	}

	return nil
}

type namedPath struct {
	field string
	path  string
}

// PurgeConflicts lists every way the purged directories (stacks_dir and
// log_dir) overlap a path that must survive a run, or each other. Paths
// overlap when one equals or contains the other.
func PurgeConflicts(cfg *Config) []string {
	purged := []namedPath{
		{"paths.stacks_dir", cfg.Paths.StacksDir},
		{"paths.log_dir", cfg.Paths.LogDir},
	}
	kept := []namedPath{
		{"paths.templates_dir", cfg.Paths.TemplatesDir},
		{"paths.inventory", cfg.Paths.Inventory},
		{"paths.users", cfg.Paths.Users},
		{"state.path", cfg.State.Path},
		{"state.lock_path", cfg.State.LockPath},
		{"config file", cfg.SourcePath},
	}

	var out []string
	for _, root := range purged {
		if root.path == "" {
			continue
		}
		for _, k := range kept {
			if k.path != "" && pathsOverlap(root.path, k.path) {
				out = append(out, fmt.Sprintf("%s %s overlaps %s %s (%s is purged on every run)",
					root.field, root.path, k.field, k.path, root.field))
			}
		}
	}
	stacks, logs := cfg.Paths.StacksDir, cfg.Paths.LogDir
	if stacks != "" && logs != "" && pathsOverlap(stacks, logs) {
		out = append(out, fmt.Sprintf("paths.log_dir %s overlaps paths.stacks_dir %s (each stack dir is a job and both are purged)",
			logs, stacks))
	}
	return out
}

func pathsOverlap(a, b string) bool {
	return within(a, b) || within(b, a)
}

// within reports whether path is dir or lies below it.
func within(path, dir string) bool {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
