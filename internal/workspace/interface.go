package workspace

import (
	"context"
	"os"
	"time"
)

// Stack is one device's directory under the stacks tree.
type Stack struct {
	Serial string
	Dir    string
}

// CleanupReport summarizes a purge or cleanup run.
type CleanupReport struct {
	DeletedDirs  int
	DeletedFiles int
}

// Manager governs the per-device stack tree. Each serial maps to exactly one
// directory directly under the base.
type Manager interface {
	// Create makes the directory for serial. It fails if one already exists.
	Create(ctx context.Context, serial string) (Stack, error)

	// Open resolves an existing stack directory.
	Open(ctx context.Context, serial string) (Stack, error)

	// WriteFile writes one file into an existing stack directory.
	WriteFile(ctx context.Context, st Stack, name string, data []byte, perm os.FileMode) (string, error)

	// Purge deletes every entry under the base and keeps the base itself.
	Purge(ctx context.Context) (CleanupReport, error)

	// Cleanup removes stack directories older than olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)

	// Path returns where serial's directory lives, without touching disk.
	Path(serial string) (string, error)

	// BaseDir is the root of the tree.
	BaseDir() string
}
