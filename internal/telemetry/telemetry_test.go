package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMetricsRecordToProvider(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetricsFrom(provider)
	require.NoError(t, err)

	ctx := context.Background()
	m.Claimed(ctx, "bundle", 3)
	m.Claimed(ctx, "single", 1)
	m.Submitted(ctx, "emotion_tag", false)
	m.Finalized(ctx, "auto_approved")
	m.Expired(ctx, 2)
	m.RateLimited(ctx, "submit/min")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	totals := make(map[string]int64)
	for _, mt := range rm.ScopeMetrics[0].Metrics {
		sum, ok := mt.Data.(metricdata.Sum[int64])
		require.True(t, ok, mt.Name)
		for _, dp := range sum.DataPoints {
			totals[mt.Name] += dp.Value
		}
	}
	assert.Equal(t, int64(4), totals["clipvote.leases.claimed"])
	assert.Equal(t, int64(1), totals["clipvote.submissions"])
	assert.Equal(t, int64(1), totals["clipvote.tasks.finalized"])
	assert.Equal(t, int64(2), totals["clipvote.leases.expired"])
	assert.Equal(t, int64(1), totals["clipvote.ratelimit.denied"])
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.Claimed(ctx, "bundle", 1)
		m.Submitted(ctx, "emotion_tag", true)
		m.Finalized(ctx, "rejected")
		m.Expired(ctx, 1)
		m.RateLimited(ctx, "tasks/hour")
	})
}

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
