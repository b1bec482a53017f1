package tui

import (
	"context"
	"io"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/stackfleet/internal/events"
)

// Run shows the progress view until the run completes, the stream closes or
// the user quits. The returned Model holds the final state.
func Run(ctx context.Context, source <-chan events.Event, in io.Reader, out io.Writer) (Model, error) {
	// A nil in disables keyboard input.
	p := tea.NewProgram(New(source), tea.WithContext(ctx), tea.WithInput(in), tea.WithOutput(out))
	final, err := p.Run()
	m, _ := final.(Model)
	return m, err
}
