package supervisor

import (
	"context"
	"sync"

	"exit_tracker/internal/core"
	apperrors "exit_tracker/pkg/errors"
)

// symbolLane is the single consumer of one symbol's events, so ticks and
// manual closes for a symbol are applied in arrival order
type symbolLane struct {
	symbol string
	events chan core.MarketEvent
	sup    *Supervisor
	logger core.ILogger

	// retire is closed when the symbol has no positions left
	retire     chan struct{}
	retireOnce sync.Once

	// Senders hold sendMu shared while enqueueing. The lane takes it
	// exclusively to close the queue, so nothing is enqueued after its last read.
	sendMu sync.RWMutex
	closed bool
}

func newSymbolLane(symbol string, buffer int, sup *Supervisor) *symbolLane {
	return &symbolLane{
		symbol: symbol,
		events: make(chan core.MarketEvent, buffer),
		sup:    sup,
		logger: sup.logger.WithField("symbol", symbol),
		retire: make(chan struct{}),
	}
}

// enqueue blocks while the lane is full. runCtx is the supervisor's run context.
func (l *symbolLane) enqueue(ctx, runCtx context.Context, ev core.MarketEvent) error {
	l.sendMu.RLock()
	defer l.sendMu.RUnlock()

	if l.closed {
		return l.closedErr(runCtx)
	}
	select {
	case l.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-runCtx.Done():
		return apperrors.ErrSupervisorStopped
	case <-l.retire:
		return &apperrors.UnknownPositionError{Symbol: l.symbol}
	}
}

func (l *symbolLane) closedErr(runCtx context.Context) error {
	if runCtx.Err() != nil {
		return apperrors.ErrSupervisorStopped
	}
	return &apperrors.UnknownPositionError{Symbol: l.symbol}
}

// stop retires the lane; events still queued are dropped
func (l *symbolLane) stop() {
	l.retireOnce.Do(func() { close(l.retire) })
}

func (l *symbolLane) closeQueue() {
	l.sendMu.Lock()
	l.closed = true
	l.sendMu.Unlock()
}

func (l *symbolLane) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	l.logger.Debug("Symbol lane started")
	for {
		select {
		case <-ctx.Done():
			l.closeQueue()
			l.drain(ctx)
			return
		case <-l.retire:
			l.closeQueue()
			l.discard(ctx)
			l.logger.Debug("Symbol lane retired")
			return
		case ev := <-l.events:
			l.handle(ctx, ev)
		}
	}
}

// drain processes events already queued when the lane is stopped
func (l *symbolLane) drain(ctx context.Context) {
	for {
		select {
		case ev := <-l.events:
			l.handle(context.WithoutCancel(ctx), ev)
		default:
			return
		}
	}
}

// discard drops what was queued for a symbol that no longer has positions
func (l *symbolLane) discard(ctx context.Context) {
	for {
		select {
		case <-l.events:
			l.sup.metrics.RecordEventDropped(ctx, "unknown_symbol")
		default:
			return
		}
	}
}

func (l *symbolLane) handle(ctx context.Context, ev core.MarketEvent) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Symbol lane panicked while processing event", "panic", r, "kind", ev.Kind)
		}
	}()

	if _, err := l.sup.process(ctx, l.symbol, ev); err != nil {
		l.logger.Warn("Market event not applied", "kind", ev.Kind, "position_id", ev.PositionID, "error", err)
	}
}
