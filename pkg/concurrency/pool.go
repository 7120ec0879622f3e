package concurrency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"exit_tracker/internal/core"
	"exit_tracker/pkg/telemetry"

	"github.com/alitto/pond"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PoolConfig holds configuration for a worker pool
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	NonBlocking bool // If true, Submit() returns error instead of blocking when full
}

// WorkerPool wraps alitto/pond with monitoring and standardized config
type WorkerPool struct {
	pool   *pond.WorkerPool
	config PoolConfig
	logger core.ILogger

	registration metric.Registration
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 100
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	log := logger.WithField("component", "worker_pool").WithField("pool", cfg.Name)

	pool := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			log.Error("Worker pool panic recovered", "panic", p)
		}),
	)

	wp := &WorkerPool{
		pool:   pool,
		config: cfg,
		logger: log,
	}
	wp.instrument()
	return wp
}

// instrument exports running workers and queue depth as gauges labelled by pool name
func (wp *WorkerPool) instrument() {
	meter := telemetry.GetMeter("worker-pool")
	running, errRunning := meter.Int64ObservableGauge("exit_tracker_pool_running_workers",
		metric.WithDescription("Workers currently running tasks"))
	waiting, errWaiting := meter.Int64ObservableGauge("exit_tracker_pool_waiting_tasks",
		metric.WithDescription("Tasks queued behind busy workers"))
	if err := errors.Join(errRunning, errWaiting); err != nil {
		wp.logger.Warn("Pool gauges unavailable", "error", err)
		return
	}

	attrs := metric.WithAttributes(attribute.String("pool", wp.config.Name))
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(running, int64(wp.pool.RunningWorkers()), attrs)
		o.ObserveInt64(waiting, int64(wp.pool.WaitingTasks()), attrs)
		return nil
	}, running, waiting)
	if err != nil {
		wp.logger.Warn("Pool gauges unavailable", "error", err)
		return
	}
	wp.registration = reg
}

// Submit adds a task to the pool
func (wp *WorkerPool) Submit(task func()) error {
	if wp.pool.Stopped() {
		return fmt.Errorf("worker pool '%s' is stopped", wp.config.Name)
	}
	if wp.config.NonBlocking {
		if !wp.pool.TrySubmit(task) {
			return fmt.Errorf("worker pool '%s' is full (capacity: %d)", wp.config.Name, wp.config.MaxCapacity)
		}
		return nil
	}

	wp.pool.Submit(task)
	return nil
}

// SubmitAndWait submits a task and waits for it to complete
func (wp *WorkerPool) SubmitAndWait(task func()) {
	wp.pool.SubmitAndWait(task)
}

// RunAll runs every task on the pool and blocks until all of them have returned.
// Used to fan one market event out to the trackers of a symbol.
func (wp *WorkerPool) RunAll(tasks []func()) {
	switch len(tasks) {
	case 0:
		return
	case 1:
		// Not worth a round-trip through the queue
		tasks[0]()
		return
	}

	group := wp.pool.Group()
	for _, task := range tasks {
		group.Submit(task)
	}
	group.Wait()
}

// Waiting returns the number of queued tasks
func (wp *WorkerPool) Waiting() uint64 {
	return wp.pool.WaitingTasks()
}

// Stop stops the pool gracefully
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
	if wp.registration != nil {
		_ = wp.registration.Unregister()
	}
}

// Stats returns pool statistics
func (wp *WorkerPool) Stats() map[string]interface{} {
	return map[string]interface{}{
		"running_workers":  wp.pool.RunningWorkers(),
		"idle_workers":     wp.pool.IdleWorkers(),
		"submitted_tasks":  wp.pool.SubmittedTasks(),
		"waiting_tasks":    wp.pool.WaitingTasks(),
		"successful_tasks": wp.pool.SuccessfulTasks(),
		"failed_tasks":     wp.pool.FailedTasks(),
	}
}
