// Package coordinator schedules periodic incremental sync runs and
// serializes them: at most one run is in flight at any time, whether it was
// started by the timer or by an operator.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	pkgsync "github.com/openregistry/bizmirror/internal/sync"
)

// ErrSyncInProgress is returned when a run is requested while another one
// is still executing.
var ErrSyncInProgress = errors.New("sync run already in progress")

// SyncRunner executes one incremental sync run.
type SyncRunner interface {
	Run(ctx context.Context, opts pkgsync.Options) (*pkgsync.BatchResult, error)
}

// Coordinator drives the periodic sync loop.
type Coordinator interface {
	// Start begins the periodic loop. Blocks until the context is
	// cancelled or Stop is called.
	Start(ctx context.Context) error

	// Stop gracefully stops the loop, waiting for an in-flight run to
	// finish.
	Stop() error

	// RunNow executes one sync run immediately, subject to the same
	// single-flight guard as the periodic loop.
	RunNow(ctx context.Context, opts pkgsync.Options) (*pkgsync.BatchResult, error)
}

type defaultCoordinator struct {
	runner   SyncRunner
	interval time.Duration

	// running guards against overlapping runs across the ticker loop and
	// operator-triggered invocations.
	running atomic.Bool

	cancelFunc context.CancelFunc
	done       chan struct{}
}

// New creates a coordinator that runs an incremental sync every interval,
// with jitter applied per tick.
func New(runner SyncRunner, interval time.Duration) Coordinator {
	return &defaultCoordinator{
		runner:   runner,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// jitteredInterval offsets the base interval by up to ±10% so multiple
// instances sharing a database do not poll in lockstep.
func (c *defaultCoordinator) jitteredInterval() time.Duration {
	jitter := c.interval / 10
	if jitter <= 0 {
		return c.interval
	}
	//nolint:gosec // non-cryptographic randomness is fine for scheduling jitter
	offset := time.Duration(rand.Int64N(int64(2*jitter))) - jitter
	return c.interval + offset
}

func (c *defaultCoordinator) Start(ctx context.Context) error {
	coordCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	defer close(c.done)

	interval := c.jitteredInterval()
	slog.Info("starting sync coordinator",
		"base_interval", c.interval, "first_interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.tick(coordCtx)

	for {
		select {
		case <-ticker.C:
			c.tick(coordCtx)
			ticker.Reset(c.jitteredInterval())
		case <-coordCtx.Done():
			slog.Info("sync coordinator stopping")
			return nil
		}
	}
}

func (c *defaultCoordinator) Stop() error {
	if c.cancelFunc != nil {
		c.cancelFunc()
		<-c.done
	}
	return nil
}

// tick runs one scheduled sync. Scheduler-originated runs always resume
// from the persisted cursor.
func (c *defaultCoordinator) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	_, err := c.RunNow(ctx, pkgsync.Options{})
	switch {
	case errors.Is(err, ErrSyncInProgress):
		slog.Debug("skipping scheduled sync, previous run still in flight")
	case errors.Is(err, context.Canceled):
	case err != nil:
		slog.Error("scheduled sync run failed", "error", err)
	}
}

func (c *defaultCoordinator) RunNow(ctx context.Context, opts pkgsync.Options) (*pkgsync.BatchResult, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer c.running.Store(false)

	return c.runner.Run(ctx, opts)
}
