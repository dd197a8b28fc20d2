package cli

import (
	"fmt"

	"github.com/fieldline/fieldline/engine/infra/postgres"
	"github.com/fieldline/fieldline/pkg/config"
	"github.com/fieldline/fieldline/pkg/logger"
	"github.com/spf13/cobra"
)

// MigrateCmd applies the embedded database migrations and exits. Useful for
// deployments that keep auto_migrate off and run schema changes as a
// separate release step.
func MigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logCfg, err := logger.FromFlags(cmd)
			if err != nil {
				return err
			}
			log := logger.NewLogger(logCfg)
			ctx = logger.ContextWithLogger(ctx, log)

			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if err := postgres.ApplyMigrationsWithLock(ctx, postgresConfig(cfg).DSN()); err != nil {
				return fmt.Errorf("failed to apply migrations: %w", err)
			}
			log.Info("migrations applied")
			return nil
		},
	}
}
