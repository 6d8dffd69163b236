package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openregistry/bizmirror/internal/api"
	v0 "github.com/openregistry/bizmirror/internal/api/v0"
	"github.com/openregistry/bizmirror/internal/logger"
	"github.com/openregistry/bizmirror/internal/sync/coordinator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the mirror in long-running mode",
	Long: `Run the mirror as a long-running process: a background coordinator
performs incremental sync on a jittered interval, and an HTTP surface exposes
sync and bulk import operations to operators.`,
	RunE: runServe,
}

const (
	gracefulTimeout    = 30 * time.Second
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 60 * time.Second
	serverIdleTimeout  = 60 * time.Second
)

func runServe(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pipe, err := buildPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer pipe.Close()

	coord := coordinator.New(pipe.runner, cfg.Sync.GetInterval())

	router := api.NewServer(v0.Dependencies{
		Sync:           coord,
		Queue:          pipe.queue,
		Importer:       pipe.importer,
		DefaultWorkers: cfg.Import.GetWorkers(),
	}, api.WithMiddlewares(api.LoggingMiddleware))

	address := cfg.Server.GetAddress()
	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return coord.Start(groupCtx)
	})

	group.Go(func() error {
		logger.Infof("Operational API listening on %s", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulTimeout)
		defer cancel()

		if err := coord.Stop(); err != nil {
			logger.Errorf("Error stopping coordinator: %v", err)
		}
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Infof("Shutdown complete")
	return nil
}
