package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/matrixise/compose-pay/internal/config"
	"github.com/matrixise/compose-pay/internal/logger"
	"github.com/matrixise/compose-pay/internal/storage"
	"github.com/spf13/cobra"
)

const migrateTimeout = time.Minute

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage database migrations",
	Long:  `Apply, roll back or inspect the purchase_attempts schema migrations. Only DATABASE_URL is read.`,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE:  migrateAction(storage.RunMigrations, "Migration failed", "Migrations applied successfully"),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Rollback the last migration",
			RunE:  migrateAction(storage.MigrateDown, "Rollback failed", "Migration rolled back successfully"),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show migration status",
			RunE:  migrateAction(storage.MigrateStatus, "Failed to get migration status", ""),
		},
	)
}

// migrateAction wraps a storage migration function as a cobra RunE
func migrateAction(fn func(ctx context.Context, dsn string) error, failMsg, okMsg string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		logger.Setup(logLevel)

		dsn := config.DatabaseURL()
		if dsn == "" {
			return config.ErrDatabaseURLMissing
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), migrateTimeout)
		defer cancel()
		if err := fn(ctx, dsn); err != nil {
			slog.Error(failMsg, "error", err)
			return err
		}
		if okMsg != "" {
			slog.Info(okMsg)
		}
		return nil
	}
}
