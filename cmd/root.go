package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/job-scorer/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "job-scorer",
	Short: "Resumable multi-stage job posting scoring pipeline",
	Long:  "Scores job postings against a candidate profile with a language model, then analyses and optimizes the best matches. Runs resume from checkpoints and per-item failures are kept in a ledger for retry.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := c.Validate(); err != nil {
			return err
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
