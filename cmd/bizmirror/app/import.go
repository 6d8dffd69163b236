package app

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openregistry/bizmirror/internal/logger"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Bulk import queue operations",
}

var importQueueCmd = &cobra.Command{
	Use:   "queue [org-number...]",
	Short: "Enqueue organization numbers for bulk import",
	Long: `Enqueue organization numbers for bulk import. Identifiers can be given
as arguments or read one per line from a file with --file. Enqueueing is
idempotent: identifiers already present keep their status and priority.`,
	RunE: runImportQueue,
}

var importRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Drain the import queue with a worker pool",
	RunE:  runImportRun,
}

var importRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Reset all failed queue items to pending",
	RunE:  runImportRetry,
}

var importStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-status queue counts",
	RunE:  runImportStatus,
}

func init() {
	importQueueCmd.Flags().String("file", "", "Read organization numbers from this file, one per line")
	importQueueCmd.Flags().Int("priority", 5, "Queue priority (lower number runs first)")
	importRunCmd.Flags().Int("workers", 0, "Worker count (defaults to import.workers from config)")

	importCmd.AddCommand(importQueueCmd)
	importCmd.AddCommand(importRunCmd)
	importCmd.AddCommand(importRetryCmd)
	importCmd.AddCommand(importStatusCmd)
}

func runImportQueue(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	orgNumbers := append([]string{}, args...)
	if file, _ := cmd.Flags().GetString("file"); file != "" {
		fromFile, err := readOrgNumbers(file)
		if err != nil {
			return err
		}
		orgNumbers = append(orgNumbers, fromFile...)
	}
	if len(orgNumbers) == 0 {
		return fmt.Errorf("no organization numbers given")
	}
	priority, _ := cmd.Flags().GetInt("priority")

	pipe, err := buildPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer pipe.Close()

	result, err := pipe.queue.Enqueue(ctx, orgNumbers, priority)
	if err != nil {
		return err
	}
	logger.Infof("Enqueued %d items, skipped %d", result.Added, result.Skipped)
	return nil
}

func runImportRun(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	workers, _ := cmd.Flags().GetInt("workers")
	if workers <= 0 {
		workers = cfg.Import.GetWorkers()
	}

	pipe, err := buildPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer pipe.Close()

	batch, err := pipe.importer.Run(ctx, workers)
	if err != nil {
		return fmt.Errorf("bulk import failed: %w", err)
	}
	logger.Infof("Batch %s finished: %d total, %d completed, %d failed",
		batch.Name, batch.Total, batch.CompletedCount, batch.FailedCount)
	return nil
}

func runImportRetry(_ *cobra.Command, _ []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pipe, err := buildPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer pipe.Close()

	reset, err := pipe.queue.RetryFailed(ctx)
	if err != nil {
		return err
	}
	logger.Infof("Reset %d failed items to pending", reset)
	return nil
}

func runImportStatus(_ *cobra.Command, _ []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pipe, err := buildPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer pipe.Close()

	progress, err := pipe.queue.Progress(ctx)
	if err != nil {
		return err
	}
	logger.Infof("Queue: %d pending, %d in progress, %d completed, %d failed, %d skipped (%d total)",
		progress.Pending, progress.InProgress, progress.Completed,
		progress.Failed, progress.Skipped, progress.Total())
	return nil
}

// readOrgNumbers reads identifiers from a file, one per line, ignoring blank
// lines and #-comments.
func readOrgNumbers(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var orgNumbers []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		orgNumbers = append(orgNumbers, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return orgNumbers, nil
}
