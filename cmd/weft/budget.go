package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/everydev1618/weft/ledger"
)

type budgetReport struct {
	Entry     *ledger.Entry    `json:"entry"`
	Remaining float64          `json:"remaining"`
	Tree      ledger.TreeSpend `json:"tree"`
}

func (a *app) budgetCmd() *cobra.Command {
	var raise float64
	cmd := &cobra.Command{
		Use:   "budget <thread-id>",
		Short: "Show a thread's budget and the spend of its subtree",
		Long: `Show a thread's ledger entry, what it can still spend or hand to new
children, and the total spend of the threads it spawned.

--raise sets a new ceiling for a root thread. Child budgets are reserved
out of their parent and change only through resume.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer o.Close()

			led := o.Ledger()
			id := args[0]
			if cmd.Flags().Changed("raise") {
				if err := led.Raise(ctx, id, raise); err != nil {
					return err
				}
				a.logger.Info("budget raised", "thread_id", id, "max_spend", raise)
			}

			var rep budgetReport
			if rep.Entry, err = led.Get(ctx, id); err != nil {
				return err
			}
			if rep.Remaining, err = led.Remaining(ctx, id); err != nil {
				return err
			}
			if rep.Tree, err = led.TreeSpend(ctx, id); err != nil {
				return err
			}
			if a.jsonOut {
				return printJSON(cmd.OutOrStdout(), rep)
			}

			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintf(tw, "thread\t%s\n", id)
			fmt.Fprintf(tw, "status\t%s\n", rep.Entry.Status)
			fmt.Fprintf(tw, "max\t%s\n", spend(rep.Entry.MaxSpend))
			fmt.Fprintf(tw, "reserved\t%s\n", spend(rep.Entry.ReservedSpend))
			fmt.Fprintf(tw, "actual\t%s\n", spend(rep.Entry.ActualSpend))
			fmt.Fprintf(tw, "remaining\t%s\n", spend(rep.Remaining))
			fmt.Fprintf(tw, "subtree\t%d threads (%d active), %s spent, %s reserved\n",
				rep.Tree.ThreadCount, rep.Tree.ActiveCount, spend(rep.Tree.TotalActual), spend(rep.Tree.TotalReserved))
			return tw.Flush()
		},
	}
	cmd.Flags().Float64Var(&raise, "raise", 0, "New spend ceiling for a root thread")
	return cmd
}
