package cmd

import (
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/transcodarr/internal/database"
)

var migrateStatusOnly bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations for the job store",
	Long: `Apply pending schema migrations to the configured database and print the
state of every migration. serve migrates on startup as well; this command
exists for deployments that run migrations as a separate step.

Not used with the redis job store.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Store.Backend == "redis" {
			return fmt.Errorf("store.backend is redis: nothing to migrate")
		}

		db, err := database.New(cfg.Database, slog.Default())
		if err != nil {
			return fmt.Errorf("initializing database: %w", err)
		}
		defer func() { _ = db.Close() }()

		ctx := cmd.Context()
		if !migrateStatusOnly {
			if err := db.Migrate(ctx); err != nil {
				return fmt.Errorf("running migrations: %w", err)
			}
		}

		statuses, err := db.MigrationStatus(ctx)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "VERSION\tAPPLIED\tDESCRIPTION")
		for _, s := range statuses {
			applied := "pending"
			if s.AppliedAt != nil {
				applied = s.AppliedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Version, applied, s.Description)
		}
		return tw.Flush()
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateStatusOnly, "status", false, "print migration state without applying anything")
	rootCmd.AddCommand(migrateCmd)
}
