package dispatch

import (
	"context"
	"io"
)

//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks github.com/mattjoyce/stackfleet/internal/dispatch Runner

// Runner brings up the stack in dir. Command output goes to out, which may
// be nil.
type Runner interface {
	Up(ctx context.Context, dir string, out io.Writer) error
}

// Publisher receives run progress events.
type Publisher interface {
	Publish(eventType string, data any)
}
