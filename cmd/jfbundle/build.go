package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newBuildCmd(e *env, f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Build Jellyfish and produce the relocatable package tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, sync, err := e.setup(cmd, f)
			if err != nil {
				return err
			}
			defer sync()

			if err := p.Run(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(e.stdout, "✓ dna_jellyfish %s bundled in %s\n", p.Request().Version, p.Request().PackageDir)
			return nil
		},
	}
}

func newPatchToolCmd(e *env, f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "patch-tool",
		Short: "Locate the binary patching tool, installing patchelf on Linux if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, sync, err := e.setup(cmd, f)
			if err != nil {
				return err
			}
			defer sync()

			tool, err := p.PatchTool(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(e.stdout, tool)
			return nil
		},
	}
}
