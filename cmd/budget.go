package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/leadflow/internal/budget"
	"github.com/sells-group/leadflow/internal/model"
)

var budgetCmd = &cobra.Command{
	Use:   "budget <run-id>",
	Short: "Show a run's spend against the configured ceilings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		entries, err := st.ListLedgerEntries(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "budget")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No spend recorded.")
			return nil
		}

		formatSpend(os.Stdout, entries, cfg.Budget.Services)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(budgetCmd)
}

// formatSpend writes per-service spend totals to w, with the configured
// ceiling alongside when one exists.
func formatSpend(out io.Writer, entries []model.SpendLedgerEntry, ceilings map[string]budget.Ceiling) {
	calls := make(map[string]int)
	totals := make(map[string]float64)
	for _, e := range entries {
		calls[e.Service]++
		totals[e.Service] += e.AmountUSD
	}

	services := make([]string, 0, len(totals))
	for svc := range totals {
		services = append(services, svc)
	}
	sort.Strings(services)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SERVICE\tCALLS\tSPEND_USD\tDAILY_CEILING\tMONTHLY_CEILING")

	var total float64
	for _, svc := range services {
		daily, monthly := "-", "-"
		if c, ok := ceilings[svc]; ok {
			if c.DailyUSD > 0 {
				daily = fmt.Sprintf("%.2f", c.DailyUSD)
			}
			if c.MonthlyUSD > 0 {
				monthly = fmt.Sprintf("%.2f", c.MonthlyUSD)
			}
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%.4f\t%s\t%s\n", svc, calls[svc], totals[svc], daily, monthly)
		total += totals[svc]
	}
	_, _ = fmt.Fprintf(w, "TOTAL\t%d\t%.4f\t\t\n", len(entries), total)
	_ = w.Flush()
}
