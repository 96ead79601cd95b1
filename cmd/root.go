package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Norgate-AV/buildaccel/internal/version"
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "buildaccel",
		Short:        "Distributed C++ build acceleration",
		Long:         `Resolve header closures, relocate precompiled headers and dispatch compiler invocations to the best executor.`,
		SilenceUsage: true,
	}

	root.Version = fmt.Sprintf("%s (%s) %s", version.Version, version.Commit, version.BuildTime)
	root.PersistentFlags().BoolP("verbose", "v", false, "Verbose output")
	root.PersistentFlags().String("log-dir", "", "Directory for rotated log files")
	root.PersistentFlags().String("cache-dir", "", "Root directory of the persistent existence cache")
	root.PersistentFlags().String("cache-backend", "", "Existence cache backend (memory, persistent)")
	root.PersistentFlags().Duration("cache-reserve-timeout", 0, "Wait this long for a persistent cache held by another process (0 tries once)")
	root.PersistentFlags().Bool("case-insensitive", false, "Fold path case in cache keys")
	root.PersistentFlags().Int("virtual-cores", 0, "Maximum concurrently executing tasks")
	root.PersistentFlags().String("build-layout-path", "", "Build layout directory embedded in precompiled headers")
	root.PersistentFlags().Bool("pch-sidecar", false, "Write <pch>.locations next to portable precompiled headers")
	root.PersistentFlags().String("metrics-file", "", "Write Prometheus metrics to this file on exit")
	root.PersistentFlags().Int("msc-ver", 0, "Value of _MSC_VER assumed when evaluating conditionals")
	root.PersistentFlags().String("target-arch", "", "Target architecture (x64, x86, arm64)")
	root.PersistentFlags().String("remote-channel", "", "Remote channel for compile tasks (none, loopback)")

	root.AddCommand(newDepsCmd(), newPchCmd(), newRunCmd())

	return root
}

// exitCodeError carries a tool's exit code out through cobra
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}

	var exitErr *exitCodeError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.code)
	}

	os.Exit(1)
}
