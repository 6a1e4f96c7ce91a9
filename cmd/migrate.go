package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply ledger schema migrations",
	Long:  "Ensures the configured ledger backend has the current schema. Safe to run repeatedly.",
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
		if err := led.Ping(ctx); err != nil {
			return eris.Wrap(err, "ping ledger")
		}

		zap.L().Info("ledger schema up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
