package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// InitMetrics installs only the Prometheus-backed meter provider. Used when
// tracing and OTel log export are disabled.
func InitMetrics(serviceName, version string) (*sdkmetric.MeterProvider, error) {
	res, err := newResource(serviceName, version)
	if err != nil {
		return nil, err
	}
	return newMeterProvider(res, serviceName)
}

// newMeterProvider registers the Prometheus exporter, makes its provider the
// global one and creates the global holder's instruments
func newMeterProvider(res *resource.Resource, serviceName string) (*sdkmetric.MeterProvider, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	if err := GetGlobalMetrics().InitMetrics(mp.Meter(serviceName)); err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}
	return mp, nil
}
