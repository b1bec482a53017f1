package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// fsManager manages per-device stack directories on local disk.
type fsManager struct {
	baseDir string
	now     func() time.Time
}

var _ Manager = (*fsManager)(nil)

// NewFSManager creates a filesystem-backed manager rooted at baseDir.
func NewFSManager(baseDir string) (Manager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("stack base directory is empty")
	}

	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve stack base directory: %w", err)
	}

	return &fsManager{
		baseDir: abs,
		now:     time.Now,
	}, nil
}

func (m *fsManager) BaseDir() string { return m.baseDir }

// Create initializes the stack directory for serial.
func (m *fsManager) Create(ctx context.Context, serial string) (Stack, error) {
	if err := ctx.Err(); err != nil {
		return Stack{}, err
	}

	path, err := m.Path(serial)
	if err != nil {
		return Stack{}, err
	}

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return Stack{}, fmt.Errorf("create stack base directory: %w", err)
	}

	if err := os.Mkdir(path, 0o755); err != nil {
		return Stack{}, fmt.Errorf("create stack for %q: %w", serial, err)
	}

	return Stack{Serial: serial, Dir: path}, nil
}

// Open returns an existing stack directory.
func (m *fsManager) Open(ctx context.Context, serial string) (Stack, error) {
	if err := ctx.Err(); err != nil {
		return Stack{}, err
	}

	path, err := m.Path(serial)
	if err != nil {
		return Stack{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return Stack{}, fmt.Errorf("open stack for %q: %w", serial, err)
	}
	if !info.IsDir() {
		return Stack{}, fmt.Errorf("stack path for %q is not a directory", serial)
	}

	return Stack{Serial: serial, Dir: path}, nil
}

// WriteFile writes data to name inside st. The file mode is applied
// explicitly so the umask cannot strip the executable bit from scripts.
func (m *fsManager) WriteFile(ctx context.Context, st Stack, name string, data []byte, perm os.FileMode) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("file name %q must be a single path element", name)
	}
	if filepath.Dir(st.Dir) != m.baseDir {
		return "", fmt.Errorf("stack %q is outside %s", st.Dir, m.baseDir)
	}

	path := filepath.Join(st.Dir, name)
	if err := os.WriteFile(path, data, perm); err != nil {
		return "", fmt.Errorf("write %s for %q: %w", name, st.Serial, err)
	}
	if err := os.Chmod(path, perm); err != nil {
		return "", fmt.Errorf("chmod %s for %q: %w", name, st.Serial, err)
	}
	return path, nil
}

// Purge removes everything under the base directory, creating the base if it
// does not exist yet.
func (m *fsManager) Purge(ctx context.Context) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}

	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
			return CleanupReport{}, fmt.Errorf("create base directory: %w", err)
		}
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read base directory: %w", err)
	}

	report := CleanupReport{}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		path := filepath.Join(m.baseDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return report, fmt.Errorf("remove %q: %w", entry.Name(), err)
		}
		if entry.IsDir() {
			report.DeletedDirs++
		} else {
			report.DeletedFiles++
		}
	}
	return report, nil
}

// Cleanup removes stack directories older than olderThan based on directory
// modification time.
func (m *fsManager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read stack base directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := CleanupReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read stack entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.RemoveAll(filepath.Join(m.baseDir, entry.Name())); err != nil {
			return report, fmt.Errorf("remove stack %q: %w", entry.Name(), err)
		}
		report.DeletedDirs++
	}

	return report, nil
}

// Path maps serial to its directory under the base.
func (m *fsManager) Path(serial string) (string, error) {
	if err := validateSerial(serial); err != nil {
		return "", err
	}
	return filepath.Join(m.baseDir, serial), nil
}

func validateSerial(serial string) error {
	trimmed := strings.TrimSpace(serial)
	if trimmed == "" {
		return fmt.Errorf("serial is empty")
	}
	if trimmed != serial {
		return fmt.Errorf("serial %q has surrounding whitespace", serial)
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("serial %q is invalid", serial)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("serial %q must not contain path separators", serial)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("serial %q is invalid", serial)
	}
	return nil
}
