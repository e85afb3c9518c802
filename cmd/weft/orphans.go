package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/everydev1618/weft"
)

func (a *app) orphansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "orphans",
		Short: "List running threads whose owning process is gone",
		Long: `List threads marked running whose owner process is dead or cannot be
probed. Only threads with a dead owner and a checkpoint can be recovered
automatically; the rest need someone to confirm the owner is gone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			candidates, err := o.ScanOrphans(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOut {
				if candidates == nil {
					candidates = []weft.OrphanCandidate{}
				}
				return printJSON(cmd.OutOrStdout(), candidates)
			}
			if len(candidates) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no orphaned threads")
				return nil
			}

			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "THREAD\tDIRECTIVE\tOWNER\tOWNER STATE\tCHECKPOINT\tRECOVERABLE")
			for _, c := range candidates {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%t\n",
					c.Thread.ID, c.Thread.Directive, c.Thread.Owner, c.Liveness, c.HasCheckpoint, c.Recoverable)
			}
			return tw.Flush()
		},
	}
}

func (a *app) recoverCmd() *cobra.Command {
	var ro runOptions
	cmd := &cobra.Command{
		Use:   "recover <thread-id>",
		Short: "Take over an orphaned thread and resume it here",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.openRunner(cmd.Context(), &ro)
			if err != nil {
				return err
			}
			defer o.Close()

			if err := o.RecoverOrphan(cmd.Context(), args[0], weft.ResumeOptions{Limits: ro.limits.overrides(cmd)}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "recovered %s\n", args[0])
			return a.await(cmd, o, args[0], ro.timeout)
		},
	}
	ro.register(cmd)
	return cmd
}
