// Package executor runs build tasks through a set of competing executors.
//
// Every executor scores each task; the Registry hands the task to the highest
// non-negative score, with earlier registrations winning ties. The generic
// LocalExecutor accepts anything with a small score, while specialised
// executors bid high only for command lines they recognise exactly.
package executor

import (
	"context"
	"errors"
	"strings"

	"github.com/Norgate-AV/buildaccel/internal/existence"
	"github.com/Norgate-AV/buildaccel/internal/process"
)

// ErrUnhandledTask is returned when every executor declines a task
var ErrUnhandledTask = errors.New("no executor can handle task")

// Task identifies one unit of build work
type Task struct {
	ID         string
	Epoch      existence.Epoch
	WorkingDir string
}

// Request is a tool invocation to run as part of a task
type Request struct {
	Task Task

	// Environment holds the task's KEY=VALUE pairs
	Environment []string

	Tool string
	Args []string
}

// Output receives the tool's output line by line; either func may be nil
type Output struct {
	Stdout process.LineFunc
	Stderr process.LineFunc
}

// Executor is one strategy for running tasks.
//
// Score must be free of side effects. Execute owns the VirtualCore only for the
// duration of the call; releasing it is the caller's job.
type Executor interface {
	Name() string
	Score(req Request) int
	AllocateVirtualCore(ctx context.Context) (*VirtualCore, error)
	Execute(ctx context.Context, core *VirtualCore, req Request, globalEnv []string, out Output) (int, error)
}

// mergeEnv overlays task variables on the global ones. Names compare
// case-insensitively, as Windows does; the last definition wins and keeps the
// position of the first.
func mergeEnv(global, task []string) []string {
	if len(global) == 0 && len(task) == 0 {
		// nil inherits this process's environment
		return nil
	}

	merged := make([]string, 0, len(global)+len(task))
	index := make(map[string]int, len(global)+len(task))

	for _, kv := range append(append([]string{}, global...), task...) {
		name, _, _ := strings.Cut(kv, "=")
		key := strings.ToUpper(name)

		if i, ok := index[key]; ok {
			merged[i] = kv
			continue
		}

		index[key] = len(merged)
		merged = append(merged, kv)
	}

	return merged
}
