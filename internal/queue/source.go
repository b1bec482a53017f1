package queue

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Collect lists the stack directories directly under baseDir, one job per
// directory, ordered by name. A missing baseDir yields no jobs. Regular files
// and hidden entries are ignored.
func Collect(baseDir string) ([]Job, error) {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve stacks dir: %w", err)
	}

	entries, err := os.ReadDir(absBase)
	if errors.Is(err, fs.ErrNotExist) {
		return []Job{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read stacks dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	jobs := make([]Job, 0, len(names))
	for i, name := range names {
		jobs = append(jobs, Job{
			ID:     uuid.NewString(),
			Serial: name,
			Dir:    filepath.Join(absBase, name),
			Seq:    i,
		})
	}
	return jobs, nil
}
