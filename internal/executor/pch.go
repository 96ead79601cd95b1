package executor

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Norgate-AV/buildaccel/internal/compiler"
	"github.com/Norgate-AV/buildaccel/internal/logging"
	"github.com/Norgate-AV/buildaccel/internal/pch"
)

// PchCreateScore is the bid for cl.exe /Yc compilations
const PchCreateScore = 100

// PchEngine is the part of the PCH portability engine executors rely on
type PchEngine interface {
	ConvertToPortable(ctx context.Context, pchPath, layoutPath string) (pch.State, error)
	ReadLocations(pchPath string) (pch.Locations, bool, error)
	ReadSidecar(pchPath string) (pch.Locations, error)
	WriteSidecar(pchPath string, locs pch.Locations) error
}

// PchCreateExecutor builds a PCH locally and then makes it portable so that
// compilations using it can run elsewhere
type PchCreateExecutor struct {
	local        *LocalExecutor
	engine       PchEngine
	layoutPath   string
	writeSidecar bool
	logger       *slog.Logger
}

// PchCreateOptions configures a PchCreateExecutor
type PchCreateOptions struct {
	// LayoutPath is the build-layout directory embedded in created PCHs
	LayoutPath string

	// WriteSidecar also stores the locations next to the PCH
	WriteSidecar bool

	Logger *slog.Logger
}

func NewPchCreateExecutor(local *LocalExecutor, engine PchEngine, opts PchCreateOptions) *PchCreateExecutor {
	return &PchCreateExecutor{
		local:        local,
		engine:       engine,
		layoutPath:   opts.LayoutPath,
		writeSidecar: opts.WriteSidecar,
		logger:       logging.Component(opts.Logger, "executor"),
	}
}

func (p *PchCreateExecutor) Name() string { return "pch-create" }

func (p *PchCreateExecutor) Score(req Request) int {
	if _, ok := p.invocation(req); !ok {
		return -1
	}

	return PchCreateScore
}

func (p *PchCreateExecutor) invocation(req Request) (*compiler.Invocation, bool) {
	if p.layoutPath == "" || !compiler.IsCompiler(req.Tool) {
		return nil, false
	}

	inv, err := compiler.Parse(req.Tool, req.Args, req.Task.WorkingDir)
	if err != nil || !inv.CreatePch || !inv.CompileOnly || inv.PchFile == "" {
		return nil, false
	}

	return inv, true
}

func (p *PchCreateExecutor) AllocateVirtualCore(ctx context.Context) (*VirtualCore, error) {
	return p.local.AllocateVirtualCore(ctx)
}

func (p *PchCreateExecutor) Execute(ctx context.Context, _ *VirtualCore, req Request, globalEnv []string, out Output) (int, error) {
	inv, ok := p.invocation(req)
	if !ok {
		return -1, errors.New("pch-create received a task it does not handle")
	}

	code, err := p.local.run(ctx, req, globalEnv, out)
	if err != nil || code != 0 {
		return code, err
	}

	logger := p.logger.With(logging.KeyTask, req.Task.ID, logging.KeyPath, inv.PchFile)

	// The native PCH is already usable locally, so a failed conversion only
	// costs remote eligibility
	state, err := p.engine.ConvertToPortable(ctx, inv.PchFile, p.layoutPath)
	if err != nil {
		if ctx.Err() != nil {
			return code, ctx.Err()
		}

		logger.Warn("failed to make pch portable", logging.Err(err))
		return code, nil
	}

	logger.Debug("pch converted", "state", state.String())

	if state == pch.StatePortable && p.writeSidecar {
		locs, ok, err := p.engine.ReadLocations(inv.PchFile)
		if err == nil && ok {
			err = p.engine.WriteSidecar(inv.PchFile, locs)
		}

		if err != nil {
			logger.Warn("failed to write locations sidecar", logging.Err(err))
		}
	}

	return code, nil
}
