package executor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Norgate-AV/buildaccel/internal/process"
)

// fakeRunner records specs and optionally acts on them
type fakeRunner struct {
	mu    sync.Mutex
	specs []process.Spec
	code  int
	err   error
	act   func(spec process.Spec) error
}

func (f *fakeRunner) Run(ctx context.Context, spec process.Spec, onStdout, onStderr process.LineFunc) (int, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return -1, err
	}

	if f.act != nil {
		if err := f.act(spec); err != nil {
			return -1, err
		}
	}

	if onStdout != nil {
		onStdout("ran " + spec.Tool)
	}

	return f.code, f.err
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

// stubExecutor is a configurable Executor
type stubExecutor struct {
	name    string
	score   int
	pool    *CorePool
	execute func(ctx context.Context, req Request) (int, error)

	scored atomic.Int64
	ran    atomic.Int64
}

func (s *stubExecutor) Name() string { return s.name }

func (s *stubExecutor) Score(Request) int {
	s.scored.Add(1)
	return s.score
}

func (s *stubExecutor) AllocateVirtualCore(ctx context.Context) (*VirtualCore, error) {
	return s.pool.Acquire(ctx)
}

func (s *stubExecutor) Execute(ctx context.Context, _ *VirtualCore, req Request, _ []string, _ Output) (int, error) {
	s.ran.Add(1)
	if s.execute == nil {
		return 0, nil
	}
	return s.execute(ctx, req)
}
