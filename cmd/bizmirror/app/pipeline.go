package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/openregistry/bizmirror/internal/config"
	"github.com/openregistry/bizmirror/internal/db"
	"github.com/openregistry/bizmirror/internal/httpclient"
	"github.com/openregistry/bizmirror/internal/importer"
	"github.com/openregistry/bizmirror/internal/logger"
	pkgsync "github.com/openregistry/bizmirror/internal/sync"
	"github.com/openregistry/bizmirror/internal/sync/state"
	"github.com/openregistry/bizmirror/internal/sync/writer"
	"github.com/openregistry/bizmirror/internal/telemetry"
	"github.com/openregistry/bizmirror/internal/upstream"
)

// pipeline bundles the wired collaborators every command shares.
type pipeline struct {
	cfg      *config.Config
	pool     *pgxpool.Pool
	runner   *pkgsync.Runner
	queue    importer.QueueStore
	importer *importer.Pool
	entities writer.EntityStore
}

// loadConfig initializes logging and loads the configuration named by the
// persistent --config flag.
func loadConfig() (*config.Config, error) {
	logger.Initialize(viper.GetBool("debug"))

	configPath := viper.GetString("config")
	if configPath == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Database == nil {
		return nil, fmt.Errorf("database configuration is required")
	}
	return cfg, nil
}

// buildPipeline wires the sync and import machinery from configuration. The
// rate limiter and API-budget semaphore are created once here so every
// outbound path shares the same upstream budget.
func buildPipeline(ctx context.Context, cfg *config.Config) (*pipeline, error) {
	pool, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.Upstream.GetRateLimit()), cfg.Upstream.GetRateBurst())
	sem := semaphore.NewWeighted(int64(cfg.Import.GetAPIBudget()))

	httpClient := httpclient.NewRetryingClient(
		cfg.Upstream.GetRequestTimeout(),
		httpclient.WithRateLimiter(limiter),
		httpclient.WithMaxRetries(cfg.Upstream.GetMaxRetries()),
		httpclient.WithRateLimitRetries(cfg.Upstream.GetRateLimitRetries()),
		httpclient.WithBackoff(cfg.Upstream.GetBackoffBase(), cfg.Upstream.GetBackoffMultiplier()),
	)
	client := upstream.NewClient(httpClient, cfg.Upstream.Endpoint)

	entities, err := writer.NewDBEntityStore(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	queue, err := importer.NewDBQueueStore(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	cursors := state.NewDBCursorStore(pool)

	log := slog.Default()
	fetcher := pkgsync.NewFetcher(client, cfg.Upstream.GetPageSize(), log)
	processor := pkgsync.NewProcessor(client, entities, sem,
		cfg.Sync.GetChunkSize(), cfg.Sync.GetCommitEvery(), log)

	// Metrics stay no-op until an exporter is configured.
	syncMetrics, err := telemetry.NewSyncMetrics(nil)
	if err != nil {
		pool.Close()
		return nil, err
	}
	importMetrics, err := telemetry.NewImportMetrics(nil)
	if err != nil {
		pool.Close()
		return nil, err
	}

	runner := pkgsync.NewRunner(fetcher, processor, cursors, entities, syncMetrics, log)
	workerPool := importer.NewPool(queue, processor, importMetrics, log)

	return &pipeline{
		cfg:      cfg,
		pool:     pool,
		runner:   runner,
		queue:    queue,
		importer: workerPool,
		entities: entities,
	}, nil
}

func (p *pipeline) Close() {
	p.pool.Close()
}
