package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Norgate-AV/buildaccel/internal/compiler"
	"github.com/Norgate-AV/buildaccel/internal/deps"
	"github.com/Norgate-AV/buildaccel/internal/existence"
)

func newDepsCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "deps <source>",
		Short: "Print the headers a source file depends on",
		Long: `Compute the include closure of a source file the way cl.exe would search for
headers, skipping blocks that the given definitions rule out.`,
		Args: cobra.ExactArgs(1),
		RunE: runDeps,
	}

	c.Flags().StringSliceP("include", "I", nil, "Include directory (repeatable)")
	c.Flags().StringSlice("system-include", nil, "System include directory (defaults to INCLUDE)")
	c.Flags().StringSliceP("define", "D", nil, "Macro definition NAME or NAME=VALUE (repeatable)")
	c.Flags().Bool("no-predefined", false, "Do not assume the compiler's predefined macros")
	c.Flags().String("subtract", "", "Precompiled header whose closure is removed from the result")

	return c
}

func runDeps(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	source, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	a, err := newApp(ctx, cmd, filepath.Dir(source))
	if err != nil {
		return err
	}
	defer a.close()

	req, err := depsRequest(cmd, a, source)
	if err != nil {
		return err
	}

	closure, err := a.resolver.ResolveDependencies(ctx, req)
	if err != nil {
		return err
	}

	if header, _ := cmd.Flags().GetString("subtract"); header != "" {
		header, err = filepath.Abs(header)
		if err != nil {
			return err
		}

		pchReq := req
		pchReq.RootFile = header

		pchClosure, err := a.resolver.ResolveDependencies(ctx, pchReq)
		if err != nil {
			return err
		}

		closure = deps.Subtract(closure, append(pchClosure, header))
	}

	for _, path := range closure {
		fmt.Fprintln(cmd.OutOrStdout(), path)
	}

	return nil
}

func depsRequest(cmd *cobra.Command, a *app, source string) (deps.Request, error) {
	includes, _ := cmd.Flags().GetStringSlice("include")
	systemIncludes, _ := cmd.Flags().GetStringSlice("system-include")
	defines, _ := cmd.Flags().GetStringSlice("define")
	noPredefined, _ := cmd.Flags().GetBool("no-predefined")

	if !cmd.Flags().Changed("system-include") {
		systemIncludes = compiler.SystemIncludeDirs(os.Environ())
	}

	// Reuse the cl.exe parser so /D semantics match compile tasks
	args := []string{"/c", source}
	for _, d := range defines {
		args = append(args, "/D"+d)
	}

	inv, err := compiler.Parse("cl.exe", args, workingDir())
	if err != nil {
		return deps.Request{}, err
	}
	inv.UndefineAll = noPredefined

	return deps.Request{
		RootFile:          source,
		IncludeDirs:       includes,
		SystemIncludeDirs: systemIncludes,
		Definitions:       inv.Definitions(inv.Sources[0], a.cfg.MscVer, a.cfg.TargetArch),
		Epoch:             buildEpoch(),
	}, nil
}

// EpochEnv lets an orchestrator give every process of one build the same epoch
const EpochEnv = "BUILDACCEL_EPOCH"

// buildEpoch reads EpochEnv, falling back to the current time
func buildEpoch() existence.Epoch {
	if v := os.Getenv(EpochEnv); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return existence.Epoch(n)
		}
	}

	return existence.Epoch(time.Now().UnixNano())
}
