package config

import "time"

// Config represents the complete stackfleet configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Paths     PathsConfig     `yaml:"paths"`
	Templates TemplatesConfig `yaml:"templates"`
	Stack     StackConfig     `yaml:"stack"`
	Devices   DevicesConfig   `yaml:"devices"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Compose   ComposeConfig   `yaml:"compose"`
	State     StateConfig     `yaml:"state"`
	API       APIConfig       `yaml:"api,omitempty"`

	// SourcePath is the absolute path of the loaded file. Relative paths in
	// PathsConfig and StateConfig are resolved against its directory.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// PathsConfig locates the filesystem inputs and outputs of a run.
type PathsConfig struct {
	// StacksDir holds one rendered directory per device serial. It is
	// deleted and regenerated on every run.
	StacksDir    string `yaml:"stacks_dir"`
	TemplatesDir string `yaml:"templates_dir"`
	// LogDir receives per-worker output logs; purged at the start of a run.
	LogDir    string `yaml:"log_dir"`
	Inventory string `yaml:"inventory"`
	Users     string `yaml:"users"`
}

// TemplatesConfig names the template files inside TemplatesDir.
type TemplatesConfig struct {
	Compose string `yaml:"compose"`
	Script  string `yaml:"script"`
}

// StackConfig carries the per-run values merged into every device's stack.
type StackConfig struct {
	AppName        string   `yaml:"app_name"`
	DeviceNames    string   `yaml:"device_names"`
	CaseName       string   `yaml:"case_name"`
	// Volumes are shared by every stack; the per-serial mount is appended.
	Volumes        []string `yaml:"volumes"`
	LogVolumePaths string   `yaml:"log_volume_paths"`
	// Placeholder is replaced by the device serial in LogVolumePaths.
	Placeholder string `yaml:"placeholder"`
	// MountTarget is the container path the per-serial volume is mounted at.
	MountTarget string `yaml:"mount_target"`
	// Extra values exposed to templates as .Extra.
	Extra map[string]string `yaml:"extra,omitempty"`
}

// DevicesConfig selects which inventory records get a stack.
type DevicesConfig struct {
	RequirePresent bool     `yaml:"require_present"`
	RequireABI     bool     `yaml:"require_abi"`
	ExcludeInUse   bool     `yaml:"exclude_in_use"`
	Serials        []string `yaml:"serials,omitempty"`
}

// DispatchConfig sizes the worker pool.
type DispatchConfig struct {
	Workers int `yaml:"workers"`
}

// ComposeConfig defines the external commands run per stack.
type ComposeConfig struct {
	Up       []string `yaml:"up"`
	Teardown []string `yaml:"teardown"`
	// UpTimeout bounds one bring-up invocation. Zero disables the bound.
	UpTimeout       time.Duration `yaml:"up_timeout"`
	TeardownTimeout time.Duration `yaml:"teardown_timeout"`
	// Validate loads each rendered compose file before it is dispatched.
	Validate bool `yaml:"validate"`
}

// StateConfig defines the run ledger and lock locations.
type StateConfig struct {
	Path         string        `yaml:"path"`
	LockPath     string        `yaml:"lock_path"`
	RunRetention time.Duration `yaml:"run_retention"`
}

// APIConfig defines the status API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// Token, when set, is required as a bearer token on every route except
	// /healthz.
	Token string `yaml:"token,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "stackfleet",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Paths: PathsConfig{
			StacksDir:    "./resources/dockercomposes",
			TemplatesDir: "./resources/template",
			LogDir:       "./logs",
			Inventory:    "./resources/devices.yaml",
			Users:        "./resources/test_users.txt",
		},
		Templates: TemplatesConfig{
			Compose: "docker_compose_template.yml",
			Script:  "app_template.sh",
		},
		Stack: StackConfig{
			Placeholder: "RANDOM",
			MountTarget: "/app_shell",
		},
		Devices: DevicesConfig{
			RequirePresent: true,
			RequireABI:     true,
			ExcludeInUse:   true,
		},
		Dispatch: DispatchConfig{
			Workers: 4,
		},
		Compose: ComposeConfig{
			Up:              []string{"docker-compose", "up", "-d"},
			Teardown:        []string{"docker", "rm", "-f"},
			TeardownTimeout: 2 * time.Minute,
			Validate:        true,
		},
		State: StateConfig{
			Path:         "./data/stackfleet.db",
			LockPath:     "./data/stackfleet.lock",
			RunRetention: 30 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8088",
		},
	}
}

// ComposeTemplatePath returns the absolute compose template path.
func (c *Config) ComposeTemplatePath() string {
	return joinPath(c.Paths.TemplatesDir, c.Templates.Compose)
}

// ScriptTemplatePath returns the absolute script template path.
func (c *Config) ScriptTemplatePath() string {
	return joinPath(c.Paths.TemplatesDir, c.Templates.Script)
}

// TemplateFiles lists the template file names covered by the checksum manifest.
func (c *Config) TemplateFiles() []string {
	return []string{c.Templates.Compose, c.Templates.Script}
}
