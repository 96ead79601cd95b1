package executor

import (
	"context"
	"log/slog"

	"github.com/Norgate-AV/buildaccel/internal/logging"
	"github.com/Norgate-AV/buildaccel/internal/process"
)

// LocalScore is the baseline bid of the local executor
const LocalScore = 1

// LocalExecutor runs any tool on this machine
type LocalExecutor struct {
	runner process.Runner
	pool   *CorePool
	logger *slog.Logger
}

func NewLocalExecutor(runner process.Runner, pool *CorePool, logger *slog.Logger) *LocalExecutor {
	return &LocalExecutor{
		runner: runner,
		pool:   pool,
		logger: logging.Component(logger, "executor"),
	}
}

func (l *LocalExecutor) Name() string { return "local" }

func (l *LocalExecutor) Score(Request) int { return LocalScore }

func (l *LocalExecutor) AllocateVirtualCore(ctx context.Context) (*VirtualCore, error) {
	return l.pool.Acquire(ctx)
}

func (l *LocalExecutor) Execute(ctx context.Context, _ *VirtualCore, req Request, globalEnv []string, out Output) (int, error) {
	return l.run(ctx, req, globalEnv, out)
}

// run is shared with executors that fall back to, or wrap, a local run
func (l *LocalExecutor) run(ctx context.Context, req Request, globalEnv []string, out Output) (int, error) {
	l.logger.Debug("running locally", logging.KeyTask, req.Task.ID, "tool", req.Tool)

	return l.runner.Run(ctx, process.Spec{
		Tool: req.Tool,
		Args: req.Args,
		Dir:  req.Task.WorkingDir,
		Env:  mergeEnv(globalEnv, req.Environment),
	}, out.Stdout, out.Stderr)
}
