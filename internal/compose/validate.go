package compose

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	composetypes "github.com/compose-spec/compose-go/v2/types"
)

// FileName is the compose file every stack directory carries.
const FileName = "docker-compose.yml"

// Validate loads the compose file in dir the way docker compose would and
// returns the names of the services it declares.
func Validate(ctx context.Context, dir string) ([]string, error) {
	project, err := LoadProject(ctx, dir)
	if err != nil {
		return nil, err
	}
	names := project.ServiceNames()
	sort.Strings(names)
	return names, nil
}

// LoadProject parses <dir>/docker-compose.yml. The project is named after
// the directory so interpolation matches what the up command sees.
func LoadProject(ctx context.Context, dir string) (*composetypes.Project, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read compose file %s: %w", path, err)
	}

	env := make(composetypes.Mapping)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		env[key] = value
	}

	details := composetypes.ConfigDetails{
		WorkingDir:  dir,
		ConfigFiles: []composetypes.ConfigFile{{Filename: path, Content: data}},
		Environment: env,
	}

	name := loader.NormalizeProjectName(filepath.Base(dir))
	if name == "" {
		name = "stack"
	}

	project, err := loader.LoadWithContext(ctx, details, func(o *loader.Options) {
		o.SetProjectName(name, true)
		// Per-device volumes are named after the serial and are not declared
		// at the top level of the template.
		o.SkipConsistencyCheck = true
	})
	if err != nil {
		return nil, fmt.Errorf("load compose file %s: %w", path, err)
	}
	return project, nil
}
