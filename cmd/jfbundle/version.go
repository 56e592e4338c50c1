package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iric-soft/jfbundle/internal/pipeline"
)

func newVersionCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			names := make([]string, len(pipeline.Versions))
			for i, v := range pipeline.Versions {
				names[i] = string(v)
			}
			fmt.Fprintf(e.stdout, "jfbundle %s\n", Version)
			fmt.Fprintf(e.stdout, "Jellyfish releases: %s (default %s)\n", strings.Join(names, ", "), pipeline.DefaultVersion)
		},
	}
}
