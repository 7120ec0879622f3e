package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricLegsClosedTotal       = "exit_tracker_legs_closed_total"
	MetricPositionsSettledTotal = "exit_tracker_positions_settled_total"
	MetricPnLRealizedTotal      = "exit_tracker_pnl_realized_total"
	MetricEventsDroppedTotal    = "exit_tracker_events_dropped_total"
	MetricEventLatency          = "exit_tracker_event_latency_ms"
	MetricDeliveryRetriesTotal  = "exit_tracker_delivery_retries_total"
	MetricDeliveryFailuresTotal = "exit_tracker_delivery_failures_total"
	MetricPositionsActive       = "exit_tracker_positions_active"
	MetricDeliveriesPending     = "exit_tracker_deliveries_pending"
)

// MetricsHolder holds initialized instruments. All record helpers are safe to
// call before InitMetrics and on a nil holder.
type MetricsHolder struct {
	LegsClosedTotal       metric.Int64Counter
	PositionsSettledTotal metric.Int64Counter
	PnLRealizedTotal      metric.Float64UpDownCounter
	EventsDroppedTotal    metric.Int64Counter
	EventLatency          metric.Float64Histogram
	DeliveryRetriesTotal  metric.Int64Counter
	DeliveryFailuresTotal metric.Int64Counter
	PositionsActive       metric.Int64ObservableGauge
	DeliveriesPending     metric.Int64ObservableGauge

	// State for observable gauges
	mu                sync.RWMutex
	activePositionMap map[string]int64
	pendingMap        map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// NewMetricsHolder returns an empty holder; call InitMetrics to create instruments
func NewMetricsHolder() *MetricsHolder {
	return &MetricsHolder{
		activePositionMap: make(map[string]int64),
		pendingMap:        make(map[string]int64),
	}
}

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = NewMetricsHolder()
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.LegsClosedTotal, err = meter.Int64Counter(MetricLegsClosedTotal, metric.WithDescription("Exit legs executed"))
	if err != nil {
		return err
	}

	m.PositionsSettledTotal, err = meter.Int64Counter(MetricPositionsSettledTotal, metric.WithDescription("Positions that reached CLOSED"))
	if err != nil {
		return err
	}

	m.PnLRealizedTotal, err = meter.Float64UpDownCounter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized net profit/loss"))
	if err != nil {
		return err
	}

	m.EventsDroppedTotal, err = meter.Int64Counter(MetricEventsDroppedTotal, metric.WithDescription("Market events dropped before evaluation"))
	if err != nil {
		return err
	}

	m.EventLatency, err = meter.Float64Histogram(MetricEventLatency, metric.WithDescription("Time to evaluate one market event across a symbol"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.DeliveryRetriesTotal, err = meter.Int64Counter(MetricDeliveryRetriesTotal, metric.WithDescription("Record delivery retries"))
	if err != nil {
		return err
	}

	m.DeliveryFailuresTotal, err = meter.Int64Counter(MetricDeliveryFailuresTotal, metric.WithDescription("Record deliveries that exhausted their retries"))
	if err != nil {
		return err
	}

	// Observables
	m.PositionsActive, err = meter.Int64ObservableGauge(MetricPositionsActive, metric.WithDescription("Positions currently tracked"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.activePositionMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.DeliveriesPending, err = meter.Int64ObservableGauge(MetricDeliveriesPending, metric.WithDescription("Records awaiting acknowledgement"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sink, val := range m.pendingMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("sink", sink)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// RecordLegClosed counts one leg and adds its net PnL
func (m *MetricsHolder) RecordLegClosed(ctx context.Context, symbol, trigger string, netPnL float64) {
	if m == nil || m.LegsClosedTotal == nil {
		return
	}
	m.LegsClosedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("trigger", trigger),
	))
	m.PnLRealizedTotal.Add(ctx, netPnL, metric.WithAttributes(attribute.String("symbol", symbol)))
}

func (m *MetricsHolder) RecordPositionSettled(ctx context.Context, symbol string) {
	if m == nil || m.PositionsSettledTotal == nil {
		return
	}
	m.PositionsSettledTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

func (m *MetricsHolder) RecordEventDropped(ctx context.Context, reason string) {
	if m == nil || m.EventsDroppedTotal == nil {
		return
	}
	m.EventsDroppedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *MetricsHolder) RecordEventLatency(ctx context.Context, symbol string, ms float64) {
	if m == nil || m.EventLatency == nil {
		return
	}
	m.EventLatency.Record(ctx, ms, metric.WithAttributes(attribute.String("symbol", symbol)))
}

func (m *MetricsHolder) RecordDeliveryRetry(ctx context.Context, sink string) {
	if m == nil || m.DeliveryRetriesTotal == nil {
		return
	}
	m.DeliveryRetriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}

func (m *MetricsHolder) RecordDeliveryFailure(ctx context.Context, sink string) {
	if m == nil || m.DeliveryFailuresTotal == nil {
		return
	}
	m.DeliveryFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}

// Helpers to update observable state

func (m *MetricsHolder) SetActivePositions(symbol string, count int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activePositionMap[symbol] = count
}

func (m *MetricsHolder) SetPendingDeliveries(sink string, count int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingMap[sink] = count
}

func (m *MetricsHolder) GetActivePositions() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.activePositionMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetPendingDeliveries() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.pendingMap {
		res[k] = v
	}
	return res
}
