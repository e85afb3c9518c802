package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/everydev1618/weft"
	"github.com/everydev1618/weft/registry"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func spend(v float64) string {
	return fmt.Sprintf("$%.4f", v)
}

func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printStatus(w io.Writer, st *weft.ThreadStatus) error {
	t := st.Thread
	tw := newTable(w)
	fmt.Fprintf(tw, "thread\t%s\n", t.ID)
	fmt.Fprintf(tw, "directive\t%s\n", t.Directive)
	fmt.Fprintf(tw, "status\t%s\n", t.Status)
	fmt.Fprintf(tw, "parent\t%s\n", orDash(t.ParentID))
	fmt.Fprintf(tw, "owner\t%s\n", t.Owner)
	fmt.Fprintf(tw, "turns\t%d\n", t.Cost.Turns)
	fmt.Fprintf(tw, "tokens\t%d in / %d out\n", t.Cost.InputTokens, t.Cost.OutputTokens)
	fmt.Fprintf(tw, "spend\t%s\n", spend(t.Cost.Spend))
	fmt.Fprintf(tw, "spawned\t%d\n", t.Cost.SpawnCount)
	if st.Budget != nil {
		b := st.Budget
		fmt.Fprintf(tw, "budget\t%s max, %s reserved, %s actual (%s)\n",
			spend(b.MaxSpend), spend(b.ReservedSpend), spend(b.ActualSpend), b.Status)
	}
	if t.ContinuationOf != "" {
		fmt.Fprintf(tw, "continues\t%s\n", t.ContinuationOf)
	}
	if t.ContinuationThreadID != "" {
		fmt.Fprintf(tw, "continued by\t%s\n", t.ContinuationThreadID)
	}
	fmt.Fprintf(tw, "updated\t%s ago\n", age(t.UpdatedAt))
	if t.Error != "" {
		fmt.Fprintf(tw, "error\t%s\n", t.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if t.Result != "" {
		fmt.Fprintf(w, "\n%s\n", t.Result)
	}
	return nil
}

func printThreads(w io.Writer, threads []registry.Thread) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "THREAD\tDIRECTIVE\tSTATUS\tTURNS\tSPEND\tCREATED")
	for _, t := range threads {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			t.ID, t.Directive, t.Status, t.Cost.Turns, spend(t.Cost.Spend), t.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func printTree(w io.Writer, node *weft.SpawnTreeNode, depth int) {
	line := fmt.Sprintf("%s%s  %s  %s  %s", strings.Repeat("  ", depth), node.ThreadID, node.Directive, node.Status, spend(node.Cost.Spend))
	if node.Continuation != "" {
		line += "  -> " + node.Continuation
	}
	fmt.Fprintln(w, line)
	for _, child := range node.Children {
		printTree(w, child, depth+1)
	}
}

func printResults(w io.Writer, results []weft.Result) {
	for _, r := range results {
		id := r.ThreadID
		if r.FinalThreadID != "" && r.FinalThreadID != r.ThreadID {
			id += " -> " + r.FinalThreadID
		}
		fmt.Fprintf(w, "%s: %s (%d turns, %s)\n", id, r.Status, r.Cost.Turns, spend(r.Cost.Spend))
		if r.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", r.Error)
		}
		if r.Text != "" {
			fmt.Fprintf(w, "\n%s\n", r.Text)
		}
	}
}
