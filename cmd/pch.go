package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Norgate-AV/buildaccel/internal/pch"
)

func newPchCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "pch",
		Short: "Convert precompiled headers between native and portable form",
	}

	c.PersistentFlags().String("layout", "", "Build layout path (defaults to build_layout_path)")

	c.AddCommand(
		&cobra.Command{
			Use:   "inspect <file>",
			Short: "Report whether a file is a native or portable PCH",
			Args:  cobra.ExactArgs(1),
			RunE:  runPchInspect,
		},
		&cobra.Command{
			Use:   "scan <file>",
			Short: "List the offsets of the build layout path in a native PCH",
			Args:  cobra.ExactArgs(1),
			RunE:  runPchScan,
		},
		&cobra.Command{
			Use:   "portable <file>",
			Short: "Append a locations trailer so the PCH can be relocated",
			Args:  cobra.ExactArgs(1),
			RunE:  runPchPortable,
		},
		&cobra.Command{
			Use:   "restore <file>",
			Short: "Patch a portable PCH for this machine's build layout and drop the trailer",
			Args:  cobra.ExactArgs(1),
			RunE:  runPchRestore,
		},
		&cobra.Command{
			Use:   "relocate <file>",
			Short: "Patch a native PCH using its shipped .locations sidecar",
			Args:  cobra.ExactArgs(1),
			RunE:  runPchRelocate,
		},
	)

	return c
}

// pchApp wires the app for a pch subcommand and resolves the layout path
func pchApp(cmd *cobra.Command, file string, needLayout bool) (*app, string, string, error) {
	path, err := filepath.Abs(file)
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	a, err := newApp(cmd.Context(), cmd, filepath.Dir(path))
	if err != nil {
		return nil, "", "", err
	}

	layout, _ := cmd.Flags().GetString("layout")
	if layout == "" {
		layout = a.cfg.BuildLayoutPath
	}

	if needLayout && layout == "" {
		a.close()
		return nil, "", "", fmt.Errorf("build layout path not specified")
	}

	return a, path, layout, nil
}

func runPchInspect(cmd *cobra.Command, args []string) error {
	a, path, _, err := pchApp(cmd, args[0], false)
	if err != nil {
		return err
	}
	defer a.close()

	state, err := a.engine.Inspect(path)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), state)

	return nil
}

func runPchScan(cmd *cobra.Command, args []string) error {
	a, path, layout, err := pchApp(cmd, args[0], true)
	if err != nil {
		return err
	}
	defer a.close()

	locs, err := a.engine.ScanForReplacementLocations(cmd.Context(), path, layout)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "prefix length: %d\n", locs.PrefixLength)
	for _, off := range locs.Offsets {
		fmt.Fprintln(out, off)
	}

	return nil
}

func runPchPortable(cmd *cobra.Command, args []string) error {
	a, path, layout, err := pchApp(cmd, args[0], true)
	if err != nil {
		return err
	}
	defer a.close()

	state, err := a.engine.ConvertToPortable(cmd.Context(), path, layout)
	if err != nil {
		return err
	}

	if state == pch.StatePortable && a.cfg.PchSidecar {
		locs, _, err := a.engine.ReadLocations(path)
		if err != nil {
			return err
		}

		if err := a.engine.WriteSidecar(path, locs); err != nil {
			return err
		}
	}

	fmt.Fprintln(cmd.OutOrStdout(), state)

	return nil
}

func runPchRestore(cmd *cobra.Command, args []string) error {
	a, path, layout, err := pchApp(cmd, args[0], true)
	if err != nil {
		return err
	}
	defer a.close()

	state, err := a.engine.ConvertFromPortable(cmd.Context(), path, layout)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), state)

	return nil
}

func runPchRelocate(cmd *cobra.Command, args []string) error {
	a, path, layout, err := pchApp(cmd, args[0], true)
	if err != nil {
		return err
	}
	defer a.close()

	locs, err := a.engine.ReadSidecar(path)
	if err != nil {
		return err
	}

	return a.engine.Relocate(cmd.Context(), path, locs, layout)
}
