package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openauthority/authsync/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "authsync",
	Short: "Authority-control sync between id.loc.gov and the knowledge base",
	Long: "Walks the LCCN name-authority activity feed, extracts changed MARC records,\n" +
		"and reconciles their headings into knowledge-base authority claims.",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// setup resolves configuration and installs the logger before any
// subcommand runs.
func setup(cmd *cobra.Command, args []string) error {
	c, err := config.Load()
	if err != nil {
		return eris.Wrap(err, "load config")
	}
	cfg = c
	return config.InitLogger(cfg.Log)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
