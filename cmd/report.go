package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openauthority/authsync/internal/report"
	"github.com/openauthority/authsync/pkg/notion"
)

var (
	reportDate   string
	reportXML    bool
	reportXLSX   bool
	reportNotion bool
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Inspect or re-render a stored run report",
	Long:  "Prints a stored run report as JSON, or re-renders its XML action log, conflicts workbook, or Notion run page from the stored data.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		w := report.NewWriter(cfg.Report.Dir)

		date := reportDate
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

		if !reportXML && !reportXLSX && !reportNotion {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		}

		if reportXML {
			path, err := w.WriteXML(rep, cfg.Wikibase.AuthorityProperty)
			if err != nil {
				return err
			}
			zap.L().Info("action log rewritten", zap.String("path", path))
		}

		if reportXLSX {
			path, err := w.WriteWorkbook(rep)
			if err != nil {
				return err
			}
			if path == "" {
				zap.L().Info("run has no conflicts, workbook skipped")
			} else {
				zap.L().Info("conflicts workbook rewritten", zap.String("path", path))
			}
		}

		if reportNotion {
			if cfg.Notion.Token == "" || cfg.Notion.RunDB == "" {
				return eris.New("notion publish requires AUTHSYNC_NOTION_TOKEN and AUTHSYNC_NOTION_RUN_DB")
			}
			pub := report.NewPublisher(notion.NewClient(cfg.Notion.Token), cfg.Notion.RunDB)
			if err := pub.Publish(ctx, rep); err != nil {
				return eris.Wrapf(err, "publish run page for %s", date)
			}
		}

		return nil
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportDate, "date", "", "run date to load, YYYY-MM-DD (default: most recent)")
	reportCmd.Flags().BoolVar(&reportXML, "xml", false, "re-render the XML action log")
	reportCmd.Flags().BoolVar(&reportXLSX, "xlsx", false, "re-render the conflicts workbook")
	reportCmd.Flags().BoolVar(&reportNotion, "notion", false, "publish or refresh the Notion run page")
	rootCmd.AddCommand(reportCmd)
}
