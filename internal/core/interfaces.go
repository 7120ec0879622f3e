// Package core defines the core types and interfaces for the exit tracking engine
package core

import (
	"context"
)

// IRecordSink receives LegClosed and PositionSettled records from the supervisor.
// Publish must not block on external I/O.
type IRecordSink interface {
	Name() string
	Publish(ctx context.Context, rec Record) error
}

// IRecordStore persists records idempotently, keyed by Record.Key()
type IRecordStore interface {
	SaveRecord(ctx context.Context, rec Record) error
	LoadRecords(ctx context.Context, positionID string) ([]Record, error)
	Close() error
}

// IHealthMonitor aggregates component health checks
type IHealthMonitor interface {
	Register(component string, check func(ctx context.Context) error)
	GetStatus(ctx context.Context) map[string]string
	IsHealthy(ctx context.Context) bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
