// Package process runs external tools and streams their output line by line.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Norgate-AV/buildaccel/internal/logging"
)

// DefaultWaitDelay bounds how long output pipes are drained after a cancelled process is killed
const DefaultWaitDelay = 5 * time.Second

// maxLineSize is the longest output line delivered intact; longer lines are split
const maxLineSize = 1 << 20

// Spec describes one process to start
type Spec struct {
	Tool string
	Args []string
	Dir  string

	// Env is the complete environment as KEY=VALUE pairs; nil inherits the caller's
	Env []string
}

// LineFunc receives one line of output without its terminator
type LineFunc func(line string)

// Runner starts processes. Implementations must be safe for concurrent use.
type Runner interface {
	// Run executes spec and returns its exit code. A non-zero exit is not an
	// error; err is set only when the process could not be run or was cancelled.
	Run(ctx context.Context, spec Spec, onStdout, onStderr LineFunc) (int, error)
}

// ExecRunner runs processes with os/exec. On cancellation the whole process
// group is killed, so tools that spawn helpers do not outlive the task.
type ExecRunner struct {
	WaitDelay time.Duration
	Logger    *slog.Logger
}

func NewExecRunner(logger *slog.Logger) *ExecRunner {
	return &ExecRunner{
		WaitDelay: DefaultWaitDelay,
		Logger:    logging.Component(logger, "process"),
	}
}

func (r *ExecRunner) Run(ctx context.Context, spec Spec, onStdout, onStderr LineFunc) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}

	cmd := exec.CommandContext(ctx, spec.Tool, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	configureProcess(cmd)
	cmd.Cancel = func() error {
		terminateProcess(cmd)
		return nil
	}
	cmd.WaitDelay = r.WaitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, err
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, err
	}

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("failed to start %s: %w", spec.Tool, err)
	}

	logger := r.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger.Debug("process started", "tool", spec.Tool, "pid", cmd.Process.Pid)

	var g errgroup.Group
	g.Go(func() error { return streamLines(stdout, onStdout) })
	g.Go(func() error { return streamLines(stderr, onStderr) })
	streamErr := g.Wait()

	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return -1, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}

	if waitErr != nil {
		return -1, fmt.Errorf("failed to run %s: %w", spec.Tool, waitErr)
	}

	if streamErr != nil && !errors.Is(streamErr, io.ErrClosedPipe) {
		logger.Warn("output stream error", "tool", spec.Tool, logging.Err(streamErr))
	}

	return 0, nil
}

func streamLines(r io.Reader, fn LineFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		if fn != nil {
			fn(scanner.Text())
		}
	}

	err := scanner.Err()
	if errors.Is(err, bufio.ErrTooLong) {
		// Keep draining so the child never blocks on a full pipe
		_, err = io.Copy(io.Discard, r)
	}

	return err
}
