package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/Norgate-AV/buildaccel/internal/compiler"
	"github.com/Norgate-AV/buildaccel/internal/deps"
	"github.com/Norgate-AV/buildaccel/internal/existence"
	"github.com/Norgate-AV/buildaccel/internal/logging"
	"github.com/Norgate-AV/buildaccel/internal/pch"
)

// RemoteScore is the bid for single-source cl.exe compilations
const RemoteScore = 200

// PchAttachment is a precompiled header shipped with a submission
type PchAttachment struct {
	Path      string
	Header    string
	Locations pch.Locations
}

// Submission is everything a remote worker needs to compile one source
type Submission struct {
	Task        Task
	Tool        string
	Args        []string
	Environment []string

	Source string

	// Dependencies are the headers the source needs beyond those baked into Pch
	Dependencies []string

	Pch *PchAttachment
}

// RemoteChannel delivers submissions to remote workers and relays their output
type RemoteChannel interface {
	Submit(ctx context.Context, sub Submission, out Output) (int, error)
}

// DependencyResolver computes include closures
type DependencyResolver interface {
	ResolveDependencies(ctx context.Context, req deps.Request) ([]string, error)
}

// RemoteCompileOptions configures a RemoteCompileExecutor
type RemoteCompileOptions struct {
	Resolver DependencyResolver
	Checker  existence.Checker
	Engine   PchEngine
	Channel  RemoteChannel

	MscVer     int
	TargetArch string

	Logger *slog.Logger
}

// RemoteCompileExecutor ships single-source compilations, with their header
// closure and any PCH, through a RemoteChannel. Tasks it cannot prepare or
// submit run locally instead.
type RemoteCompileExecutor struct {
	local      *LocalExecutor
	resolver   DependencyResolver
	checker    existence.Checker
	engine     PchEngine
	channel    RemoteChannel
	mscVer     int
	targetArch string
	logger     *slog.Logger
}

func NewRemoteCompileExecutor(local *LocalExecutor, opts RemoteCompileOptions) *RemoteCompileExecutor {
	mscVer := opts.MscVer
	if mscVer <= 0 {
		mscVer = compiler.DefaultMscVer
	}

	arch := opts.TargetArch
	if arch == "" {
		arch = compiler.DefaultTargetArch
	}

	return &RemoteCompileExecutor{
		local:      local,
		resolver:   opts.Resolver,
		checker:    opts.Checker,
		engine:     opts.Engine,
		channel:    opts.Channel,
		mscVer:     mscVer,
		targetArch: arch,
		logger:     logging.Component(opts.Logger, "executor"),
	}
}

func (r *RemoteCompileExecutor) Name() string { return "remote-compile" }

func (r *RemoteCompileExecutor) Score(req Request) int {
	if _, ok := r.invocation(req); !ok {
		return -1
	}

	return RemoteScore
}

func (r *RemoteCompileExecutor) invocation(req Request) (*compiler.Invocation, bool) {
	if r.channel == nil || !compiler.IsCompiler(req.Tool) {
		return nil, false
	}

	inv, err := compiler.Parse(req.Tool, req.Args, req.Task.WorkingDir)
	if err != nil || !inv.SingleSource() || inv.CreatePch {
		return nil, false
	}

	return inv, true
}

func (r *RemoteCompileExecutor) AllocateVirtualCore(ctx context.Context) (*VirtualCore, error) {
	return r.local.AllocateVirtualCore(ctx)
}

func (r *RemoteCompileExecutor) Execute(ctx context.Context, _ *VirtualCore, req Request, globalEnv []string, out Output) (int, error) {
	inv, ok := r.invocation(req)
	if !ok {
		return -1, errors.New("remote-compile received a task it does not handle")
	}

	logger := r.logger.With(logging.KeyTask, req.Task.ID)
	env := mergeEnv(globalEnv, req.Environment)

	sub, err := r.prepare(ctx, req, inv, env)
	if err != nil {
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}

		logger.Warn("cannot compile remotely, running locally", logging.Err(err))
		return r.local.run(ctx, req, globalEnv, out)
	}

	logger.Debug("submitting remote compile", "source", sub.Source, "dependencies", len(sub.Dependencies))

	code, err := r.channel.Submit(ctx, sub, out)
	if err != nil {
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}

		logger.Warn("remote submission failed, running locally", logging.Err(err))
		return r.local.run(ctx, req, globalEnv, out)
	}

	return code, nil
}

func (r *RemoteCompileExecutor) prepare(ctx context.Context, req Request, inv *compiler.Invocation, env []string) (Submission, error) {
	src := inv.Sources[0]
	base := deps.Request{
		RootFile:          src.Path,
		IncludeDirs:       inv.IncludeDirs,
		SystemIncludeDirs: inv.SystemIncludeDirs(env),
		Definitions:       inv.Definitions(src, r.mscVer, r.targetArch),
		Epoch:             req.Task.Epoch,
	}

	closure, err := r.resolver.ResolveDependencies(ctx, base)
	if err != nil {
		return Submission{}, err
	}

	sub := Submission{
		Task:         req.Task,
		Tool:         req.Tool,
		Args:         req.Args,
		Environment:  env,
		Source:       src.Path,
		Dependencies: closure,
	}

	if !inv.UsePch {
		return sub, nil
	}

	attachment, err := r.attachPch(ctx, inv, base)
	if err != nil {
		return Submission{}, err
	}

	if attachment.Header != "" {
		pchReq := base
		pchReq.RootFile = attachment.Header

		pchClosure, err := r.resolver.ResolveDependencies(ctx, pchReq)
		if err != nil {
			return Submission{}, err
		}

		sub.Dependencies = deps.Subtract(closure, append(pchClosure, attachment.Header))
	}

	sub.Pch = attachment

	return sub, nil
}

func (r *RemoteCompileExecutor) attachPch(ctx context.Context, inv *compiler.Invocation, base deps.Request) (*PchAttachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	locs, ok, err := r.engine.ReadLocations(inv.PchFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read pch locations: %w", err)
	}

	if !ok {
		locs, err = r.engine.ReadSidecar(inv.PchFile)
		if err != nil {
			return nil, fmt.Errorf("pch %s is not portable: %w", inv.PchFile, err)
		}
	}

	exists := func(p string) bool { return r.checker.FileExists(p, base.Epoch) }
	dirs := append([]string{filepath.Dir(base.RootFile)}, base.IncludeDirs...)

	return &PchAttachment{
		Path:      inv.PchFile,
		Header:    inv.PchHeaderPath(exists, dirs...),
		Locations: locs,
	}, nil
}
