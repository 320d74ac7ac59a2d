package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfluke/multibit/checkpoint"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <checkpoint>",
	Short: "Print a checkpoint's epoch, best score, model and parameter count",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := checkpoint.Load(args[0])
		if err != nil {
			return err
		}

		names := make([]string, 0, len(rec.StateDict))
		params := 0
		for name, v := range rec.StateDict {
			names = append(names, name)
			params += len(v)
		}
		sort.Strings(names)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "epoch\t%d\n", rec.Epoch)
		if rec.BestPrec1 != nil {
			fmt.Fprintf(w, "best_prec1\t%.3f\n", *rec.BestPrec1)
		} else {
			fmt.Fprintf(w, "best_prec1\t-\n")
		}
		fmt.Fprintf(w, "model\t%s\n", rec.Model)
		if rec.RunID != "" {
			fmt.Fprintf(w, "run\t%s\n", rec.RunID)
		}
		if !rec.CreatedAt.IsZero() {
			fmt.Fprintf(w, "created\t%s\n", rec.CreatedAt.Format("2006-01-02 15:04:05 MST"))
		}
		fmt.Fprintf(w, "optimizer\t%s (step %d, lr %g)\n", rec.Optimizer.Type, rec.Optimizer.Step, rec.Optimizer.LR)
		fmt.Fprintf(w, "parameters\t%d\n", params)
		for _, name := range names {
			fmt.Fprintf(w, "  %s\t%d\n", name, len(rec.StateDict[name]))
		}
		return w.Flush()
	},
}
