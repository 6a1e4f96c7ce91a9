package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/openauthority/authsync/internal/model"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ledger totals and recent runs",
	Long:  "Displays how many activity tuples have been settled and the outcome of the most recent reconciliation runs.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		led, err := initLedger(ctx)
		if err != nil {
			return err
		}
		defer led.Close() //nolint:errcheck
		if err := led.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate ledger")
		}

		completed, err := led.CountCompleted(ctx)
		if err != nil {
			return eris.Wrap(err, "count completed")
		}

		runs, err := led.ListRuns(ctx, statusLimit)
		if err != nil {
			return eris.Wrap(err, "list runs")
		}

		fmt.Fprintf(os.Stdout, "Settled tuples: %d\n\n", completed)
		if len(runs) == 0 {
			fmt.Fprintln(os.Stdout, "No runs recorded yet. Start one with 'authsync sync'.")
			return nil
		}

		formatRuns(os.Stdout, runs)
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "max number of runs to display")
	rootCmd.AddCommand(statusCmd)
}

// formatRuns writes a tabular list of runs to w, newest first.
func formatRuns(out io.Writer, runs []model.RunRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tDRY\tPAGES\tPROCESSED\tCONFLICTS\tFAILURES\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t------\t---\t-----\t---------\t---------\t--------\t-------\t--------")

	for _, r := range runs {
		dur := "-"
		if !r.FinishedAt.IsZero() {
			dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}

		dry := ""
		if r.DryRun {
			dry = "yes"
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			shortID(r.ID),
			r.Status,
			dry,
			r.PagesWalked,
			r.Processed,
			r.Conflicts,
			r.Failures,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// shortID trims a run UUID to its leading block so the table stays
// narrow.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
