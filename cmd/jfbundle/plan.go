package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/iric-soft/jfbundle/internal/pipeline"
)

func newPlanCmd(e *env, f *globalFlags) *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show which build stages would run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, sync, err := e.setup(cmd, f)
			if err != nil {
				return err
			}
			defer sync()

			if dot {
				return p.WriteDOT(e.stdout)
			}

			req := p.Request()
			fmt.Fprintf(e.stdout, "jellyfish %s on %s (jobs %d)\n", req.Version, req.Platform, req.Jobs)
			fmt.Fprintf(e.stdout, "build dir:   %s\n", req.BuildDir)
			fmt.Fprintf(e.stdout, "package dir: %s\n", req.PackageDir)
			fmt.Fprintf(e.stdout, "installed:   %s\n\n", installedSummary(p))

			w := tabwriter.NewWriter(e.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STAGE\tSTEP\tACTION")
			for _, s := range p.Plan() {
				action := "skip"
				if s.Run {
					action = "run"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.Stage, s.Step, action)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print the schedule as a Graphviz graph")
	return cmd
}

func installedSummary(p *pipeline.Pipeline) string {
	m, current, err := p.Installed()
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "none"
	case err != nil:
		return "unreadable (" + err.Error() + ")"
	}
	state := "stale"
	if current {
		state = "up to date"
	}
	return fmt.Sprintf("jellyfish %s on %s, build %s (%s)", m.Version, m.Platform, m.BuildID, state)
}
