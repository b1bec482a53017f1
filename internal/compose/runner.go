// Package compose runs the external orchestration commands that bring a
// rendered stack up and tear the fleet down.
package compose

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/stackfleet/internal/config"
	"github.com/mattjoyce/stackfleet/internal/log"
)

const (
	// maxStderrBytes caps the amount of stderr kept on a CommandError.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// CommandError describes an external command that could not be started,
// exited non-zero, or was terminated.
type CommandError struct {
	Args     []string
	Dir      string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	cmd := strings.Join(e.Args, " ")
	switch {
	case e.ExitCode > 0:
		return fmt.Sprintf("%s (in %s): exit status %d", cmd, e.Dir, e.ExitCode)
	case e.Err != nil:
		return fmt.Sprintf("%s (in %s): %v", cmd, e.Dir, e.Err)
	default:
		return fmt.Sprintf("%s (in %s): failed", cmd, e.Dir)
	}
}

func (e *CommandError) Unwrap() error { return e.Err }

// Runner executes the configured up and teardown argument vectors. It never
// goes through a shell.
type Runner struct {
	up              []string
	teardown        []string
	upTimeout       time.Duration
	teardownTimeout time.Duration
	grace           time.Duration
	logger          *slog.Logger
}

// NewRunner creates a Runner from the compose section of the config.
func NewRunner(cfg config.ComposeConfig) *Runner {
	return &Runner{
		up:              append([]string(nil), cfg.Up...),
		teardown:        append([]string(nil), cfg.Teardown...),
		upTimeout:       cfg.UpTimeout,
		teardownTimeout: cfg.TeardownTimeout,
		grace:           terminationGracePeriod,
		logger:          log.WithComponent("compose"),
	}
}

// Up runs the bring-up command with dir as its working directory. Output of
// the command is copied to out when it is non-nil.
func (r *Runner) Up(ctx context.Context, dir string, out io.Writer) error {
	if len(r.up) == 0 {
		return fmt.Errorf("compose up command is not configured")
	}
	return r.exec(ctx, r.up, dir, r.upTimeout, out)
}

// Teardown runs the teardown command once with every name appended.
func (r *Runner) Teardown(ctx context.Context, names []string, out io.Writer) error {
	if len(r.teardown) == 0 {
		return fmt.Errorf("compose teardown command is not configured")
	}
	if len(names) == 0 {
		return nil
	}
	args := append(append([]string(nil), r.teardown...), names...)
	return r.exec(ctx, args, "", r.teardownTimeout, out)
}

// exec spawns args and waits for it. Cancellation of ctx or expiry of
// timeout sends SIGTERM, then SIGKILL after the grace period.
func (r *Runner) exec(ctx context.Context, args []string, dir string, timeout time.Duration, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	logger := r.logger.With("cmd", args[0], "dir", dir)

	// Termination is managed here rather than with exec.CommandContext.
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = dir

	stderr := &cappedBuffer{limit: maxStderrBytes}
	shared := &lockedWriter{w: out}
	cmd.Stdout = shared
	cmd.Stderr = io.MultiWriter(shared, stderr)
	cmd.WaitDelay = r.grace

	cmdErr := &CommandError{Args: args, Dir: dir, ExitCode: -1}

	if err := ctx.Err(); err != nil {
		cmdErr.Err = err
		return cmdErr
	}

	logger.Debug("spawning command", "args", args, "timeout", timeout)
	if err := cmd.Start(); err != nil {
		cmdErr.Err = fmt.Errorf("start process: %w", err)
		return cmdErr
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case err := <-waitErr:
		cmdErr.Stderr = stderr.String()
		if err == nil {
			return nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			cmdErr.ExitCode = exitErr.ExitCode()
			cmdErr.Err = err
			logger.Warn("command exited with non-zero status", "exit_code", cmdErr.ExitCode)
			return cmdErr
		}
		cmdErr.Err = fmt.Errorf("wait for process: %w", err)
		return cmdErr

	case <-deadline:
		logger.Warn("command timed out, sending SIGTERM", "timeout", timeout)
		r.terminate(cmd, waitErr, logger)
		cmdErr.Stderr = stderr.String()
		cmdErr.Err = fmt.Errorf("timed out after %v: %w", timeout, context.DeadlineExceeded)
		return cmdErr

	case <-ctx.Done():
		logger.Warn("command cancelled, sending SIGTERM")
		r.terminate(cmd, waitErr, logger)
		cmdErr.Stderr = stderr.String()
		cmdErr.Err = ctx.Err()
		return cmdErr
	}
}

func (r *Runner) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}
	}

	grace := time.NewTimer(r.grace)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("command exited after SIGTERM")
	case <-grace.C:
		logger.Warn("command did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		<-waitErr
	}
}

// cappedBuffer keeps the first limit bytes written to it and discards the
// rest while still reporting full writes.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }

// lockedWriter serialises the stdout and stderr copy goroutines onto one
// destination.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
