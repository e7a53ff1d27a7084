package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/transcodarr/internal/storage"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one staging cleanup pass",
	Long: `Remove staged uploads and outputs older than cleanup.retention and expire
finished job records older than cleanup.job_retention, then exit.

Do not run this against a staging directory used by a live server with a
retention shorter than the longest job.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := slog.Default()
		ctx := cmd.Context()

		store, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		staging, err := storage.NewStaging(cfg.Storage.UploadPath(), cfg.Storage.OutputPath())
		if err != nil {
			return fmt.Errorf("initializing staging: %w", err)
		}

		sweeper, err := newSweeper(cfg, staging, store, logger)
		if err != nil {
			return err
		}
		res, err := sweeper.SweepOnce(ctx)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
