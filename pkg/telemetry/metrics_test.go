package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestMetricsHolder_RecordsInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	m := NewMetricsHolder()
	require.NoError(t, m.InitMetrics(mp.Meter("test")))

	ctx := context.Background()
	m.RecordLegClosed(ctx, "ADAUSDT", "TP1", 0.68)
	m.RecordLegClosed(ctx, "ADAUSDT", "SL", -0.25)
	m.RecordPositionSettled(ctx, "ADAUSDT")
	m.RecordEventDropped(ctx, "stale")
	m.SetActivePositions("ADAUSDT", 3)
	m.SetPendingDeliveries("sqlite", 2)

	data := collect(t, reader)

	legs, ok := data[MetricLegsClosedTotal].(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range legs.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(2), total)

	pnl, ok := data[MetricPnLRealizedTotal].(metricdata.Sum[float64])
	require.True(t, ok)
	require.Len(t, pnl.DataPoints, 1)
	assert.InDelta(t, 0.43, pnl.DataPoints[0].Value, 1e-9)

	active, ok := data[MetricPositionsActive].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, active.DataPoints, 1)
	assert.Equal(t, int64(3), active.DataPoints[0].Value)

	assert.Equal(t, map[string]int64{"sqlite": 2}, m.GetPendingDeliveries())
}

func TestMetricsHolder_NilSafe(t *testing.T) {
	var m *MetricsHolder
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.RecordLegClosed(ctx, "X", "TP1", 1)
		m.RecordPositionSettled(ctx, "X")
		m.RecordEventDropped(ctx, "unknown_symbol")
		m.RecordDeliveryRetry(ctx, "sqlite")
		m.SetActivePositions("X", 1)
	})

	uninit := NewMetricsHolder()
	assert.NotPanics(t, func() {
		uninit.RecordLegClosed(ctx, "X", "TP1", 1)
		uninit.RecordDeliveryFailure(ctx, "sqlite")
	})
}
