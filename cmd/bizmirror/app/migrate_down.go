package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"

	"github.com/openregistry/bizmirror/database"
	"github.com/openregistry/bizmirror/internal/logger"
)

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back all database migrations",
	Long: `Roll back all database migrations, dropping every table owned by the
mirror. This is destructive; it prompts unless --yes is given.`,
	RunE: runMigrateDown,
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return fmt.Errorf("failed to get yes flag: %w", err)
	}

	connString, err := cfg.Database.GetConnectionString()
	if err != nil {
		return fmt.Errorf("failed to build connection string: %w", err)
	}

	if !yes {
		logger.Warnf("About to DROP all mirror tables in database: %s@%s:%d/%s",
			cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)
		if !confirm() {
			logger.Infof("Migration cancelled by user")
			return nil
		}
	}

	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		if closeErr := conn.Close(ctx); closeErr != nil {
			logger.Errorf("Error closing database connection: %v", closeErr)
		}
	}()

	logger.Infof("Rolling back database migrations...")
	if err := database.MigrateDown(ctx, conn); err != nil {
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}
	logger.Infof("Migrations rolled back")
	return nil
}
