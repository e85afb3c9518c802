package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/everydev1618/weft/registry"
)

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <thread-id>",
		Short: "Show a thread's status, cost and budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			st, err := o.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.jsonOut {
				return printJSON(cmd.OutOrStdout(), st)
			}
			return printStatus(cmd.OutOrStdout(), st)
		},
	}
}

func (a *app) chainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chain <thread-id>",
		Short: "List the continuation chain a thread belongs to",
		Long: `List every thread in the continuation chain containing the given thread,
from the original thread to the one currently carrying the work.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			chain, err := o.Registry().Chain(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.jsonOut {
				return printJSON(cmd.OutOrStdout(), chain)
			}
			return printThreads(cmd.OutOrStdout(), chain)
		},
	}
}

func (a *app) treeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree <thread-id>",
		Short: "Show the threads spawned under a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			tree, err := o.SpawnTree(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.jsonOut {
				return printJSON(cmd.OutOrStdout(), tree)
			}
			printTree(cmd.OutOrStdout(), tree, 0)
			return nil
		},
	}
}

func (a *app) searchCmd() *cobra.Command {
	var regex bool
	cmd := &cobra.Command{
		Use:   "search <thread-id> <query>",
		Short: "Search the transcripts of a thread's continuation chain",
		Long: `Search every transcript in the continuation chain of a thread. Plain
queries ignore case; --regex treats the query as a regular expression.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			hits, err := o.SearchChain(cmd.Context(), args[0], args[1], regex)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return printJSON(cmd.OutOrStdout(), hits)
			}
			for _, h := range hits {
				fmt.Fprintf(cmd.OutOrStdout(), "%s turn %d [%s] %s\n", h.ThreadID, h.Turn, h.Role, h.Snippet)
			}
			if len(hits) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "no matches")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&regex, "regex", false, "Treat the query as a regular expression")
	return cmd
}

func (a *app) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <thread-id>",
		Short: "Cancel a suspended thread",
		Long: `Cancel a thread. Suspended threads are cancelled and their budget
released. A thread running in another process cannot be cancelled from here.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			if err := o.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		},
	}
}

func (a *app) listCmd() *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List threads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			filter := make([]registry.Status, 0, len(statuses))
			for _, s := range statuses {
				st := registry.Status(s)
				if !st.Valid() {
					return fmt.Errorf("unknown status %q", s)
				}
				filter = append(filter, st)
			}
			threads, err := o.Registry().ListByStatus(cmd.Context(), filter...)
			if err != nil {
				return err
			}
			if a.jsonOut {
				if threads == nil {
					threads = []registry.Thread{}
				}
				return printJSON(cmd.OutOrStdout(), threads)
			}
			return printThreads(cmd.OutOrStdout(), threads)
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Only threads in these statuses")
	return cmd
}
