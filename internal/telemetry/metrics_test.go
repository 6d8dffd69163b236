package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func TestNewSyncMetrics_NilProvider(t *testing.T) {
	t.Parallel()

	metrics, err := NewSyncMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, metrics)

	// Nil receivers are safe to record on.
	metrics.RecordRun(context.Background(), time.Second, 10, 1, 0)
	metrics.RecordCompaniesTotal(context.Background(), 42)
}

func TestNewSyncMetrics_WithProvider(t *testing.T) {
	t.Parallel()

	provider := sdkmetric.NewMeterProvider()
	defer func() { _ = provider.Shutdown(context.Background()) }()

	metrics, err := NewSyncMetrics(provider)
	require.NoError(t, err)
	require.NotNil(t, metrics)

	metrics.RecordRun(context.Background(), 3*time.Second, 100, 2, 1)
	metrics.RecordCompaniesTotal(context.Background(), 12345)
}

func TestNewImportMetrics(t *testing.T) {
	t.Parallel()

	metrics, err := NewImportMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, metrics)
	metrics.RecordItem(context.Background(), time.Second, "completed")

	provider := sdkmetric.NewMeterProvider()
	defer func() { _ = provider.Shutdown(context.Background()) }()

	metrics, err = NewImportMetrics(provider)
	require.NoError(t, err)
	require.NotNil(t, metrics)
	metrics.RecordItem(context.Background(), 200*time.Millisecond, "failed")
}
