package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"exit_tracker/internal/core"
	"exit_tracker/pkg/concurrency"
	apperrors "exit_tracker/pkg/errors"
	"exit_tracker/pkg/retry"
	"exit_tracker/pkg/telemetry"

	"github.com/google/uuid"
)

// DispatcherConfig tunes delivery to the store
type DispatcherConfig struct {
	Workers         int
	QueueSize       int
	Retry           retry.RetryPolicy
	RedriveInterval time.Duration
}

// Dispatcher is the supervisor's persistence sink. Publish only enqueues; the
// record stays pending in memory until the store acknowledges it, and records
// whose retries ran out are redriven on every RedriveInterval.
type Dispatcher struct {
	store   core.IRecordStore
	pool    *concurrency.WorkerPool
	cfg     DispatcherConfig
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
	id      string

	mu       sync.Mutex
	pending  map[string]core.Record
	inflight map[string]struct{}
	lastErr  map[string]error
	stopped  bool

	closeOnce sync.Once
}

func NewDispatcher(store core.IRecordStore, cfg DispatcherConfig, logger core.ILogger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	if cfg.RedriveInterval <= 0 {
		cfg.RedriveInterval = 10 * time.Second
	}

	id := uuid.NewString()
	log := logger.WithField("component", "dispatcher").WithField("dispatcher_id", id)

	return &Dispatcher{
		store: store,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "record-delivery",
			MaxWorkers:  cfg.Workers,
			MaxCapacity: cfg.QueueSize,
			NonBlocking: true,
		}, log),
		cfg:      cfg,
		logger:   log,
		metrics:  telemetry.GetGlobalMetrics(),
		id:       id,
		pending:  make(map[string]core.Record),
		inflight: make(map[string]struct{}),
		lastErr:  make(map[string]error),
	}
}

func (d *Dispatcher) Name() string { return "persistence" }

// ID identifies this dispatcher instance in logs
func (d *Dispatcher) ID() string { return d.id }

// Publish takes ownership of rec. It fails only when the dispatcher is stopped.
func (d *Dispatcher) Publish(ctx context.Context, rec core.Record) error {
	key := rec.Key()
	if key == "" {
		return fmt.Errorf("record has no key (kind %q)", rec.Kind)
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return apperrors.ErrDispatcherStopped
	}
	if _, ok := d.pending[key]; ok {
		d.mu.Unlock()
		return nil
	}
	d.pending[key] = rec
	d.setPendingGaugeLocked()
	d.mu.Unlock()

	d.schedule(key, rec)
	return nil
}

// Pending returns the number of records not yet acknowledged by the store
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// LastError returns the most recent delivery failure for key, if any
func (d *Dispatcher) LastError(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr[key]
}

// Run redrives pending records until ctx is cancelled, then stops accepting
// new records and flushes what is left within the retry budget
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.RedriveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.flushBudget())
			err := d.Close(flushCtx)
			cancel()
			return err
		case <-ticker.C:
			d.Redrive()
		}
	}
}

// Redrive reschedules every pending record that is not currently being delivered
func (d *Dispatcher) Redrive() {
	d.mu.Lock()
	batch := make(map[string]core.Record)
	for key, rec := range d.pending {
		if _, busy := d.inflight[key]; !busy {
			batch[key] = rec
		}
	}
	d.mu.Unlock()

	if len(batch) > 0 {
		d.logger.Info("Redriving pending records", "count", len(batch))
	}
	for key, rec := range batch {
		d.schedule(key, rec)
	}
}

// Flush blocks until every pending record is acknowledged or ctx is done
func (d *Dispatcher) Flush(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if d.Pending() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return d.pendingError(ctx.Err())
		case <-ticker.C:
			d.Redrive()
		}
	}
}

// Close stops accepting records, flushes and stops the worker pool
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	err := d.Flush(ctx)
	d.closeOnce.Do(d.pool.Stop)
	if err != nil {
		d.logger.Error("Dispatcher closed with undelivered records", "pending", d.Pending(), "error", err)
	}
	return err
}

func (d *Dispatcher) schedule(key string, rec core.Record) {
	d.mu.Lock()
	if _, busy := d.inflight[key]; busy {
		d.mu.Unlock()
		return
	}
	d.inflight[key] = struct{}{}
	d.mu.Unlock()

	if err := d.pool.Submit(func() { d.deliver(key, rec) }); err != nil {
		// Queue full: the record stays pending for the next redrive
		d.logger.Warn("Delivery queue full, deferring record", "key", key, "error", err)
		d.mu.Lock()
		delete(d.inflight, key)
		d.mu.Unlock()
	}
}

func (d *Dispatcher) deliver(key string, rec core.Record) {
	ctx := context.Background()

	attempts, err := retry.DoCounted(ctx, d.cfg.Retry, isTransient, func(attempt int, err error) {
		d.metrics.RecordDeliveryRetry(ctx, d.Name())
		d.logger.Debug("Retrying record delivery", "key", key, "attempt", attempt, "error", err)
	}, func() error {
		return d.store.SaveRecord(ctx, rec)
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, key)

	if err == nil {
		delete(d.pending, key)
		delete(d.lastErr, key)
		d.setPendingGaugeLocked()
		return
	}

	derr := &apperrors.DeliveryError{Key: key, Attempts: attempts, Err: err}
	d.lastErr[key] = derr
	d.metrics.RecordDeliveryFailure(ctx, d.Name())

	if errors.Is(err, ErrRecordConflict) {
		// Retrying cannot fix a conflicting record
		delete(d.pending, key)
		d.setPendingGaugeLocked()
		d.logger.Error("Dropping conflicting record", "key", key, "error", derr)
		return
	}
	d.logger.Error("Record delivery failed, will redrive", "key", key, "error", derr)
}

func (d *Dispatcher) pendingError(cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	errs := []error{cause}
	for key := range d.pending {
		if err := d.lastErr[key]; err != nil {
			errs = append(errs, err)
		}
	}
	return fmt.Errorf("%w: %d records pending: %w", apperrors.ErrPersistenceDelivery, len(d.pending), errors.Join(errs...))
}

// setPendingGaugeLocked updates the pending gauge.
// NOTE: d.mu MUST be held by caller.
func (d *Dispatcher) setPendingGaugeLocked() {
	d.metrics.SetPendingDeliveries(d.Name(), int64(len(d.pending)))
}

// flushBudget bounds the final flush to roughly one full retry cycle
func (d *Dispatcher) flushBudget() time.Duration {
	budget := d.cfg.Retry.MaxBackoff * time.Duration(d.cfg.Retry.MaxAttempts+1)
	if budget < time.Second {
		budget = time.Second
	}
	return budget
}

func isTransient(err error) bool {
	return !errors.Is(err, ErrRecordConflict)
}
