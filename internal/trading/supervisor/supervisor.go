// Package supervisor routes market events to position trackers and forwards
// the records they emit to the configured sinks.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"exit_tracker/internal/core"
	"exit_tracker/internal/trading/position"
	"exit_tracker/pkg/concurrency"
	apperrors "exit_tracker/pkg/errors"
	"exit_tracker/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// Config controls lane buffering and sink redelivery
type Config struct {
	Tracker       position.Config
	LaneBuffer    int
	RetryInterval time.Duration
}

// unsentRecord is a record one sink refused; it is republished to that sink only
type unsentRecord struct {
	rec  core.Record
	sink core.IRecordSink
}

// Supervisor owns every tracker. Each symbol gets a lane goroutine while the
// supervisor runs; per event the symbol's trackers are evaluated on the pool.
type Supervisor struct {
	cfg     Config
	pool    *concurrency.WorkerPool
	sinks   []core.IRecordSink
	logger  core.ILogger
	metrics *telemetry.MetricsHolder

	mu       sync.RWMutex
	trackers map[string]*position.Tracker
	bySymbol map[string]map[string]struct{}
	lanes    map[string]*symbolLane
	laneWG   sync.WaitGroup
	runCtx   context.Context
	cancel   context.CancelFunc
	stopped  chan struct{}
	// draining is set while shutdown waits for lanes; no lane starts meanwhile
	draining bool

	started     chan struct{}
	startedOnce sync.Once

	unsentMu sync.Mutex
	unsent   map[string][]unsentRecord
}

// New creates a supervisor. pool may be nil, in which case trackers are evaluated sequentially.
func New(cfg Config, pool *concurrency.WorkerPool, logger core.ILogger, sinks ...core.IRecordSink) *Supervisor {
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = 256
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	return &Supervisor{
		cfg:      cfg,
		pool:     pool,
		sinks:    sinks,
		logger:   logger.WithField("component", "supervisor"),
		metrics:  telemetry.GetGlobalMetrics(),
		trackers: make(map[string]*position.Tracker),
		bySymbol: make(map[string]map[string]struct{}),
		lanes:    make(map[string]*symbolLane),
		unsent:   make(map[string][]unsentRecord),
		started:  make(chan struct{}),
	}
}

// Started is closed once the first Run has started its lanes
func (s *Supervisor) Started() <-chan struct{} {
	return s.started
}

// Open validates spec and starts tracking the position
func (s *Supervisor) Open(spec core.OpenPositionSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.trackers[spec.ID]; exists {
		return fmt.Errorf("%w: %s", apperrors.ErrDuplicatePosition, spec.ID)
	}

	tr, err := position.NewTracker(spec, s.cfg.Tracker, s.logger)
	if err != nil {
		return err
	}

	s.trackers[spec.ID] = tr
	ids, ok := s.bySymbol[spec.Symbol]
	if !ok {
		ids = make(map[string]struct{})
		s.bySymbol[spec.Symbol] = ids
	}
	ids[spec.ID] = struct{}{}
	s.metrics.SetActivePositions(spec.Symbol, int64(len(ids)))

	if s.runCtx != nil {
		s.startLaneLocked(spec.Symbol)
	}
	return nil
}

// Submit queues ev on its symbol lane. It blocks while the lane is full.
func (s *Supervisor) Submit(ctx context.Context, ev core.MarketEvent) error {
	symbol, err := s.route(ctx, ev)
	if err != nil {
		return err
	}

	s.mu.RLock()
	lane, ok := s.lanes[symbol]
	runCtx, draining := s.runCtx, s.draining
	s.mu.RUnlock()
	if runCtx == nil || draining {
		return apperrors.ErrSupervisorStopped
	}
	if !ok {
		// the symbol's last position was released after routing
		return &apperrors.UnknownPositionError{Symbol: symbol}
	}
	return lane.enqueue(ctx, runCtx, ev)
}

// ProcessEvent applies ev synchronously on the caller's goroutine and returns
// the records it produced. Used for replay and when no lanes are running.
func (s *Supervisor) ProcessEvent(ctx context.Context, ev core.MarketEvent) ([]core.Record, error) {
	symbol, err := s.route(ctx, ev)
	if err != nil {
		return nil, err
	}
	return s.process(ctx, symbol, ev)
}

// ForceClose queues a manual close for the whole remaining quantity
func (s *Supervisor) ForceClose(ctx context.Context, positionID string, exitPrice decimal.Decimal, ts time.Time) error {
	return s.Submit(ctx, core.NewManualClose(positionID, exitPrice, ts))
}

// MoveStop tightens a position's stop-loss
func (s *Supervisor) MoveStop(positionID string, price decimal.Decimal) error {
	s.mu.RLock()
	tr, ok := s.trackers[positionID]
	s.mu.RUnlock()
	if !ok {
		return &apperrors.UnknownPositionError{PositionID: positionID}
	}
	return tr.MoveStop(price)
}

// Position returns a snapshot of one tracked position
func (s *Supervisor) Position(positionID string) (position.State, bool) {
	s.mu.RLock()
	tr, ok := s.trackers[positionID]
	s.mu.RUnlock()
	if !ok {
		return position.State{}, false
	}
	return tr.Snapshot(), true
}

// Positions returns snapshots of all tracked positions ordered by id
func (s *Supervisor) Positions() []position.State {
	s.mu.RLock()
	trackers := make([]*position.Tracker, 0, len(s.trackers))
	for _, tr := range s.trackers {
		trackers = append(trackers, tr)
	}
	s.mu.RUnlock()

	out := make([]position.State, 0, len(trackers))
	for _, tr := range trackers {
		out = append(out, tr.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveCount is the number of tracked positions, including CLOSED ones whose
// settlement is still waiting on a sink
func (s *Supervisor) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.trackers)
}

// Run starts one lane per symbol and blocks until ctx is cancelled or Stop is called
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.runCtx != nil {
		s.mu.Unlock()
		return errors.New("supervisor already running")
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.stopped = make(chan struct{})
	for symbol := range s.bySymbol {
		s.startLaneLocked(symbol)
	}
	runCtx, stopped := s.runCtx, s.stopped
	s.mu.Unlock()
	s.startedOnce.Do(func() { close(s.started) })

	s.logger.Info("Supervisor started", "positions", s.ActiveCount())
	defer close(stopped)

	ticker := time.NewTicker(s.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
			s.flushUnsent(runCtx)
		}
	}
}

// Stop cancels the lanes and waits for Run to return
func (s *Supervisor) Stop() {
	s.mu.RLock()
	cancel, stopped := s.cancel, s.stopped
	s.mu.RUnlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (s *Supervisor) shutdown() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	s.laneWG.Wait()

	s.mu.Lock()
	s.lanes = make(map[string]*symbolLane)
	s.runCtx = nil
	s.cancel = nil
	s.draining = false
	s.mu.Unlock()

	s.logger.Info("Supervisor stopped", "positions", s.ActiveCount())
}

// startLaneLocked starts the symbol's lane if it is not running.
// NOTE: s.mu MUST be held by caller.
func (s *Supervisor) startLaneLocked(symbol string) {
	if s.draining {
		return
	}
	if _, ok := s.lanes[symbol]; ok {
		return
	}
	lane := newSymbolLane(symbol, s.cfg.LaneBuffer, s)
	s.lanes[symbol] = lane
	s.laneWG.Add(1)
	go lane.run(s.runCtx, &s.laneWG)
}

// route resolves the symbol lane for ev; unknown targets are logged and dropped
func (s *Supervisor) route(ctx context.Context, ev core.MarketEvent) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch ev.Kind {
	case core.EventPriceTick:
		if len(s.bySymbol[ev.Symbol]) == 0 {
			s.metrics.RecordEventDropped(ctx, "unknown_symbol")
			s.logger.Debug("Dropping tick for untracked symbol", "symbol", ev.Symbol)
			return "", &apperrors.UnknownPositionError{Symbol: ev.Symbol}
		}
		return ev.Symbol, nil
	case core.EventManualClose:
		tr, ok := s.trackers[ev.PositionID]
		if !ok {
			s.metrics.RecordEventDropped(ctx, "unknown_position")
			s.logger.Warn("Dropping manual close for untracked position", "position_id", ev.PositionID)
			return "", &apperrors.UnknownPositionError{PositionID: ev.PositionID}
		}
		return tr.Symbol(), nil
	}

	s.metrics.RecordEventDropped(ctx, "unknown_kind")
	return "", fmt.Errorf("unsupported market event kind %q", ev.Kind)
}

// targets returns the trackers an event applies to, ordered by position id
func (s *Supervisor) targets(symbol string, ev core.MarketEvent) []*position.Tracker {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ev.Kind == core.EventManualClose {
		if tr, ok := s.trackers[ev.PositionID]; ok {
			return []*position.Tracker{tr}
		}
		return nil
	}

	ids := make([]string, 0, len(s.bySymbol[symbol]))
	for id := range s.bySymbol[symbol] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*position.Tracker, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.trackers[id])
	}
	return out
}

// process evaluates ev against every target tracker and forwards the results
func (s *Supervisor) process(ctx context.Context, symbol string, ev core.MarketEvent) ([]core.Record, error) {
	start := time.Now()
	trackers := s.targets(symbol, ev)
	if len(trackers) == 0 {
		return nil, &apperrors.UnknownPositionError{PositionID: ev.PositionID, Symbol: symbol}
	}

	results := make([][]core.Record, len(trackers))
	errs := make([]error, len(trackers))
	tasks := make([]func(), len(trackers))
	for i, tr := range trackers {
		tasks[i] = func() {
			results[i], errs[i] = tr.OnMarketEvent(ev)
		}
	}
	if s.pool != nil {
		s.pool.RunAll(tasks)
	} else {
		for _, task := range tasks {
			task()
		}
	}

	var all []core.Record
	var failures []error
	for i, tr := range trackers {
		if err := errs[i]; err != nil {
			if errors.Is(err, apperrors.ErrStaleEvent) {
				s.metrics.RecordEventDropped(ctx, "stale")
			}
			failures = append(failures, err)
			continue
		}
		if len(results[i]) == 0 {
			continue
		}
		all = append(all, results[i]...)
		if s.forward(ctx, tr.ID(), results[i]) && tr.Status() == core.StatusClosed {
			s.remove(tr)
		}
	}

	s.metrics.RecordEventLatency(ctx, symbol, float64(time.Since(start).Microseconds())/1000)
	return all, errors.Join(failures...)
}

// forward publishes recs to every sink. It reports whether nothing is left
// undelivered for the position.
func (s *Supervisor) forward(ctx context.Context, positionID string, recs []core.Record) bool {
	var failed []unsentRecord
	for _, rec := range recs {
		switch rec.Kind {
		case core.RecordLegClosed:
			s.metrics.RecordLegClosed(ctx, rec.Leg.Symbol, rec.Leg.TriggerKind, rec.Leg.NetPnL.InexactFloat64())
		case core.RecordPositionSettled:
			s.metrics.RecordPositionSettled(ctx, rec.Settlement.Symbol)
		}
		for _, sink := range s.sinks {
			if err := sink.Publish(ctx, rec); err != nil {
				s.logger.Error("Sink rejected record", "sink", sink.Name(), "key", rec.Key(), "error", err)
				failed = append(failed, unsentRecord{rec: rec, sink: sink})
			}
		}
	}

	s.unsentMu.Lock()
	defer s.unsentMu.Unlock()
	if len(failed) > 0 {
		s.unsent[positionID] = append(s.unsent[positionID], failed...)
	}
	return len(s.unsent[positionID]) == 0
}

// flushUnsent republishes records that a sink refused earlier and releases
// closed trackers whose records are now all delivered
func (s *Supervisor) flushUnsent(ctx context.Context) {
	s.unsentMu.Lock()
	pending := s.unsent
	s.unsent = make(map[string][]unsentRecord)
	s.unsentMu.Unlock()

	for positionID, entries := range pending {
		var still []unsentRecord
		for _, u := range entries {
			if err := u.sink.Publish(ctx, u.rec); err != nil {
				still = append(still, u)
			}
		}

		s.unsentMu.Lock()
		if len(still) > 0 {
			s.unsent[positionID] = append(still, s.unsent[positionID]...)
		}
		done := len(s.unsent[positionID]) == 0
		s.unsentMu.Unlock()

		if !done {
			s.logger.Warn("Records still undelivered", "position_id", positionID, "count", len(still))
			continue
		}

		s.mu.RLock()
		tr, ok := s.trackers[positionID]
		s.mu.RUnlock()
		if ok && tr.Status() == core.StatusClosed {
			s.remove(tr)
		}
	}
}

func (s *Supervisor) remove(tr *position.Tracker) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.trackers[tr.ID()]; !ok {
		return
	}
	delete(s.trackers, tr.ID())
	symbol := tr.Symbol()
	ids := s.bySymbol[symbol]
	delete(ids, tr.ID())
	s.metrics.SetActivePositions(symbol, int64(len(ids)))
	s.logger.Info("Position released", "position_id", tr.ID(), "symbol", symbol)

	if len(ids) == 0 {
		delete(s.bySymbol, symbol)
		if lane, ok := s.lanes[symbol]; ok {
			delete(s.lanes, symbol)
			lane.stop()
		}
	}
}

// LaneCount is the number of running symbol lanes
func (s *Supervisor) LaneCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lanes)
}
