package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openauthority/authsync/internal/report"
	"github.com/openauthority/authsync/internal/review"
	"github.com/openauthority/authsync/internal/wikibase"
	"github.com/openauthority/authsync/pkg/anthropic"
)

var (
	reviewDate   string
	reviewPolicy string
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Judge a run's conflicts with the review assistant",
	Long:  "Loads a stored run report, asks the model whether each flagged entity matches its authority record, and writes the annotated review sheet.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if cfg.Review.Key == "" {
			return eris.New("review requires an API key (AUTHSYNC_REVIEW_KEY)")
		}

		w := report.NewWriter(cfg.Report.Dir)

		date := reviewDate
		if date == "" {
			dates, err := w.ListDates()
			if err != nil {
				return err
			}
			if len(dates) == 0 {
				return eris.New("no run reports on disk")
			}
			date = dates[0]
		}

		rep, err := w.LoadJSON(date)
		if err != nil {
			return err
		}

		if len(review.ItemsFromReport(rep)) == 0 {
			fmt.Fprintln(os.Stderr, "No conflicts to review.")
			return nil
		}

		base := review.DefaultPolicy()
		if cfg.Review.Model != "" {
			base.Model = cfg.Review.Model
		}
		if cfg.Review.MaxConcurrent > 0 {
			base.Concurrency = cfg.Review.MaxConcurrent
		}

		policyPath := reviewPolicy
		if policyPath == "" {
			policyPath = cfg.Review.PolicyPath
		}
		policy, err := review.LoadPolicyFile(policyPath, base)
		if err != nil {
			return err
		}

		ai := anthropic.NewClient(cfg.Review.Key)
		// Dry-run client: the review assistant only ever reads entities.
		kb := wikibase.NewClient(newFetcher(false), cfg.Wikibase, true)

		evals, err := review.NewEvaluator(ai, kb, policy).Evaluate(ctx, rep)
		if err != nil {
			return err
		}

		sheet, err := review.WriteSheet(cfg.Report.Dir, date, evals)
		if err != nil {
			return err
		}
		zap.L().Info("review sheet written", zap.String("path", sheet))

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(newReviewSummary(date, sheet, evals))
	},
}

func init() {
	reviewCmd.Flags().StringVar(&reviewDate, "date", "", "run date to review, YYYY-MM-DD (default: most recent)")
	reviewCmd.Flags().StringVar(&reviewPolicy, "policy", "", "review policy file (default from config)")
	rootCmd.AddCommand(reviewCmd)
}

// reviewSummary is the compact result printed to stdout after a review.
type reviewSummary struct {
	Date       string `json:"date"`
	Items      int    `json:"items"`
	Matches    int    `json:"matches"`
	Mismatches int    `json:"mismatches"`
	Errors     int    `json:"errors"`
	Sheet      string `json:"sheet"`
}

func newReviewSummary(date, sheet string, evals []review.Evaluation) reviewSummary {
	s := reviewSummary{Date: date, Items: len(evals), Sheet: sheet}
	for _, ev := range evals {
		switch {
		case ev.Err != "":
			s.Errors++
		case ev.Match:
			s.Matches++
		default:
			s.Mismatches++
		}
	}
	return s
}
