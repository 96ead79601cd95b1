package executor

import (
	"context"
	"fmt"

	"github.com/Norgate-AV/buildaccel/internal/existence"
	"github.com/Norgate-AV/buildaccel/internal/process"
)

// LoopbackChannel is a RemoteChannel that runs submissions on this machine.
// Every shipped file must exist before the tool is started, which makes it a
// cheap check that computed closures are complete.
type LoopbackChannel struct {
	runner  process.Runner
	checker existence.Checker
}

func NewLoopbackChannel(runner process.Runner, checker existence.Checker) *LoopbackChannel {
	return &LoopbackChannel{runner: runner, checker: checker}
}

func (l *LoopbackChannel) Submit(ctx context.Context, sub Submission, out Output) (int, error) {
	files := append([]string{sub.Source}, sub.Dependencies...)
	if sub.Pch != nil {
		files = append(files, sub.Pch.Path)
	}

	for _, f := range files {
		if !l.checker.FileExists(f, sub.Task.Epoch) {
			return -1, fmt.Errorf("submission file missing: %s", f)
		}
	}

	return l.runner.Run(ctx, process.Spec{
		Tool: sub.Tool,
		Args: sub.Args,
		Dir:  sub.Task.WorkingDir,
		Env:  sub.Environment,
	}, out.Stdout, out.Stderr)
}
