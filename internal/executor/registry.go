package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Norgate-AV/buildaccel/internal/codes"
	"github.com/Norgate-AV/buildaccel/internal/logging"
	"github.com/Norgate-AV/buildaccel/internal/metrics"
)

// RegistryOptions configures a Registry
type RegistryOptions struct {
	Logger   *slog.Logger
	Recorder metrics.Recorder
}

// Registry selects an executor per task and runs it. A failing or panicking
// executor yields an exit code; it never disturbs later dispatches.
type Registry struct {
	mu        sync.RWMutex
	executors []Executor
	logger    *slog.Logger
	recorder  metrics.Recorder
}

func NewRegistry(opts RegistryOptions) *Registry {
	return &Registry{
		logger:   logging.Component(opts.Logger, "executor"),
		recorder: metrics.OrNoop(opts.Recorder),
	}
}

// Register appends e; earlier registrations win score ties
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.executors = append(r.executors, e)
}

// Executors returns the registered executors in registration order
func (r *Registry) Executors() []Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]Executor(nil), r.executors...)
}

// Select returns the executor that would run req and its score
func (r *Registry) Select(req Request) (Executor, int, error) {
	best, bestScore := Executor(nil), -1

	for _, e := range r.Executors() {
		if score := e.Score(req); score > bestScore {
			best, bestScore = e, score
		}
	}

	if best == nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnhandledTask, req.Tool)
	}

	return best, bestScore, nil
}

// Dispatch runs req on the selected executor and returns the tool's exit
// code. The error is non-nil only when no executor accepts the task or ctx
// ends first; executor failures are reported as codes.InternalFailure.
func (r *Registry) Dispatch(ctx context.Context, req Request, globalEnv []string, out Output) (int, error) {
	if req.Task.ID == "" {
		req.Task.ID = uuid.NewString()
	}

	logger := r.logger.With(logging.KeyTask, req.Task.ID)

	e, score, err := r.Select(req)
	if err != nil {
		r.recorder.IncUnhandledTask()
		logger.Error("task rejected by every executor", "tool", req.Tool)
		return codes.UnhandledTask, err
	}

	logger = logger.With(logging.KeyExecutor, e.Name())
	logger.Debug("dispatching task", "tool", req.Tool, "score", score)

	start := time.Now()
	code, err := r.run(ctx, logger, e, req, globalEnv, out)
	r.recorder.ObserveDispatch(e.Name(), time.Since(start), code)

	return code, err
}

func (r *Registry) run(ctx context.Context, logger *slog.Logger, e Executor, req Request, globalEnv []string, out Output) (code int, err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("executor panicked", "panic", p, "stack", string(debug.Stack()))
			code, err = codes.InternalFailure, nil
		}
	}()

	core, err := e.AllocateVirtualCore(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return codes.Cancelled, ctx.Err()
		}

		logger.Error("failed to allocate virtual core", logging.Err(err))
		return codes.CoreUnavailable, nil
	}
	defer core.Release()

	code, err = e.Execute(ctx, core, req, globalEnv, out)
	switch {
	case ctx.Err() != nil:
		return codes.Cancelled, ctx.Err()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return codes.Cancelled, err
	case err != nil:
		logger.Warn("executor failed", logging.Err(err))
		if code == codes.Success {
			code = codes.InternalFailure
		}
		return code, nil
	}

	return code, nil
}
