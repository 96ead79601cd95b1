package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"

	"github.com/spf13/cobra"

	"github.com/Norgate-AV/buildaccel/internal/codes"
	"github.com/Norgate-AV/buildaccel/internal/config"
	"github.com/Norgate-AV/buildaccel/internal/executor"
	"github.com/Norgate-AV/buildaccel/internal/process"
)

func newRunCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "run [flags] -- <tool> [args...]",
		Short: "Run one tool invocation through the executor registry",
		Long: `Dispatch a tool invocation to the highest scoring executor. Compiler
invocations that create a precompiled header have it made portable, and
single-source compiles are shipped through the remote channel when one is
configured. Everything else runs locally. The tool's exit code is returned.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runRun,
	}

	c.Flags().SetInterspersed(false)
	c.Flags().String("task-id", "", "Task identifier for logs (generated when empty)")
	c.Flags().Bool("explain", false, "Print the selected executor instead of running the task")

	return c
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	wd := workingDir()

	a, err := newApp(ctx, cmd, wd)
	if err != nil {
		return err
	}
	defer a.close()

	registry := buildRegistry(a)

	taskID, _ := cmd.Flags().GetString("task-id")
	req := executor.Request{
		Task: executor.Task{
			ID:         taskID,
			Epoch:      buildEpoch(),
			WorkingDir: wd,
		},
		Environment: os.Environ(),
		Tool:        args[0],
		Args:        args[1:],
	}

	if explain, _ := cmd.Flags().GetBool("explain"); explain {
		e, score, err := registry.Select(req)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s (score %d)\n", e.Name(), score)
		return nil
	}

	// Lines from stdout and stderr arrive on separate goroutines
	var mu sync.Mutex
	writeTo := func(w io.Writer) process.LineFunc {
		return func(line string) {
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintln(w, line)
		}
	}

	code, err := registry.Dispatch(ctx, req, nil, executor.Output{
		Stdout: writeTo(cmd.OutOrStdout()),
		Stderr: writeTo(cmd.ErrOrStderr()),
	})
	if err != nil {
		return err
	}

	if !codes.IsSuccess(code) {
		a.logger.Debug("task failed", "code", code, "reason", codes.GetErrorMessage(code))
		return &exitCodeError{code: code}
	}

	return nil
}

// buildRegistry registers executors from most to least specific
func buildRegistry(a *app) *executor.Registry {
	runner := process.NewExecRunner(a.logger)
	pool := executor.NewCorePool(a.cfg.VirtualCores, a.recorder)
	local := executor.NewLocalExecutor(runner, pool, a.logger)

	registry := executor.NewRegistry(executor.RegistryOptions{
		Logger:   a.logger,
		Recorder: a.recorder,
	})

	if a.cfg.RemoteChannel == config.RemoteLoopback {
		registry.Register(executor.NewRemoteCompileExecutor(local, executor.RemoteCompileOptions{
			Resolver:   a.resolver,
			Checker:    a.cache,
			Engine:     a.engine,
			Channel:    executor.NewLoopbackChannel(runner, a.cache),
			MscVer:     a.cfg.MscVer,
			TargetArch: a.cfg.TargetArch,
			Logger:     a.logger,
		}))
	}

	registry.Register(executor.NewPchCreateExecutor(local, a.engine, executor.PchCreateOptions{
		LayoutPath:   a.cfg.BuildLayoutPath,
		WriteSidecar: a.cfg.PchSidecar,
		Logger:       a.logger,
	}))

	registry.Register(local)

	return registry
}
