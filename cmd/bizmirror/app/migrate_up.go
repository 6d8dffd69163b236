package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"

	"github.com/openregistry/bizmirror/database"
	"github.com/openregistry/bizmirror/internal/logger"
)

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending database migrations",
	Long: `Apply all pending database migrations to bring the schema up to date.
Connection parameters are read from the config file.`,
	RunE: runMigrateUp,
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
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
		logger.Infof("About to apply migrations to database: %s@%s:%d/%s",
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

	logger.Infof("Applying database migrations...")
	if err := database.MigrateUp(ctx, conn); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := database.GetVersion(connString)
	switch {
	case err != nil:
		logger.Warnf("Unable to get migration version: %v", err)
	case dirty:
		logger.Warnf("Database is in a dirty state at version %d", version)
	default:
		logger.Infof("Migrations applied successfully. Current version: %d", version)
	}
	return nil
}

func confirm() bool {
	fmt.Print("Continue? (yes/no): ")
	var response string
	if _, err := fmt.Scanln(&response); err != nil {
		return false
	}
	return response == "yes" || response == "y"
}
