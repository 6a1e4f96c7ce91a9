package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openauthority/authsync/internal/feed"
	"github.com/openauthority/authsync/internal/ledger"
	"github.com/openauthority/authsync/internal/marc"
	"github.com/openauthority/authsync/internal/model"
	"github.com/openauthority/authsync/internal/reconcile"
	"github.com/openauthority/authsync/internal/report"
	"github.com/openauthority/authsync/internal/wikibase"
	"github.com/openauthority/authsync/pkg/notion"
)

var (
	syncDryRun   bool
	syncMaxPages int
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one reconciliation batch",
	Long:  "Walks the activity feed for unprocessed records, merges each into the knowledge base, and writes the run artifacts to the report directory.",
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

		maxPages := syncMaxPages
		if maxPages == 0 {
			maxPages = cfg.Feed.MaxPages
		}

		feedFetcher := newFetcher(false)
		walker := feed.NewWalker(feedFetcher, led, cfg.Feed.BaseURL, maxPages)
		extractor := marc.NewExtractor(feedFetcher, cfg.Wikibase.Domain)
		kb := wikibase.NewClient(newFetcher(true), cfg.Wikibase, syncDryRun)

		coord := reconcile.NewCoordinator(led, walker, extractor, kb, cfg.Wikibase.StatedInItem, syncDryRun)

		rep, runErr := coord.Run(ctx)
		if eris.Is(runErr, ledger.ErrRunActive) {
			zap.L().Warn("another sync run holds the lock, nothing to do")
			return nil
		}

		// A partial report still gets written: the actions it lists were
		// actually performed.
		var artifacts []string
		if rep != nil {
			artifacts, err = writeArtifacts(ctx, rep)
			if err != nil {
				zap.L().Error("failed to write run artifacts", zap.Error(err))
				if runErr == nil {
					return err
				}
			}
		}

		if runErr != nil {
			return eris.Wrap(runErr, "sync run")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(newSyncSummary(rep, artifacts))
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "report what would change without editing the knowledge base")
	syncCmd.Flags().IntVar(&syncMaxPages, "max-pages", 0, "feed pages to walk at most (default from config)")
	rootCmd.AddCommand(syncCmd)
}

// writeArtifacts renders the XML action log, the JSON report, and the
// conflicts workbook, then upserts the Notion run page when configured.
// The Notion publish is advisory and never fails the run.
func writeArtifacts(ctx context.Context, rep *model.RunReport) ([]string, error) {
	w := report.NewWriter(cfg.Report.Dir)

	xmlPath, err := w.WriteXML(rep, cfg.Wikibase.AuthorityProperty)
	if err != nil {
		return nil, err
	}
	jsonPath, err := w.WriteJSON(rep)
	if err != nil {
		return nil, err
	}
	paths := []string{xmlPath, jsonPath}

	xlsxPath, err := w.WriteWorkbook(rep)
	if err != nil {
		return nil, err
	}
	if xlsxPath != "" {
		paths = append(paths, xlsxPath)
	}

	zap.L().Info("run artifacts written", zap.Strings("paths", paths))
	publishRunPage(ctx, rep)
	return paths, nil
}

// publishRunPage upserts the Notion run page if Notion is configured.
func publishRunPage(ctx context.Context, rep *model.RunReport) {
	if cfg.Notion.Token == "" || cfg.Notion.RunDB == "" {
		zap.L().Debug("notion not configured, skipping run page")
		return
	}
	pub := report.NewPublisher(notion.NewClient(cfg.Notion.Token), cfg.Notion.RunDB)
	if err := pub.Publish(ctx, rep); err != nil {
		zap.L().Warn("notion run page publish failed", zap.Error(err))
	}
}

// syncSummary is the compact result printed to stdout after a run.
type syncSummary struct {
	RunID     string   `json:"run_id"`
	DryRun    bool     `json:"dry_run"`
	Pages     int      `json:"pages"`
	Processed int      `json:"processed"`
	Added     int      `json:"added"`
	Updated   int      `json:"updated"`
	Unchanged int      `json:"unchanged"`
	Conflicts int      `json:"conflicts"`
	Failures  int      `json:"failures"`
	Artifacts []string `json:"artifacts,omitempty"`
}

func newSyncSummary(rep *model.RunReport, artifacts []string) syncSummary {
	counts := rep.Counts()
	return syncSummary{
		RunID:     rep.RunID,
		DryRun:    rep.DryRun,
		Pages:     rep.PagesWalked,
		Processed: len(rep.Outcomes),
		Added:     counts.ClaimAdded,
		Updated:   counts.QualifierUpdated,
		Unchanged: counts.NoAction,
		Conflicts: counts.Conflicts,
		Failures:  counts.Failures,
		Artifacts: artifacts,
	}
}
