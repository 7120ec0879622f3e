package position

import (
	"sync"
	"time"

	"exit_tracker/internal/core"
	apperrors "exit_tracker/pkg/errors"
	"exit_tracker/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// seenEventLimit bounds how far back a re-delivered event is still recognised
const seenEventLimit = 256

// Config holds tracker-wide settings shared by all positions
type Config struct {
	// BreakEvenOffset places the promoted stop this fraction beyond entry, e.g. 0.001 to cover fees
	BreakEvenOffset decimal.Decimal
}

// Tracker owns one position's lifecycle. All mutation happens under mu, so two
// events for the same position are never evaluated concurrently.
type Tracker struct {
	state  *State
	cfg    Config
	logger core.ILogger

	// Idempotency: the most recent seenEventLimit dedup keys, oldest first
	lastEventAt time.Time
	seen        map[string]struct{}
	seenOrder   []string

	mu sync.Mutex
}

// NewTracker validates spec and opens the position in OPEN state
func NewTracker(spec core.OpenPositionSpec, cfg Config, logger core.ILogger) (*Tracker, error) {
	state, err := newState(spec)
	if err != nil {
		return nil, err
	}

	t := &Tracker{
		state:     state,
		cfg:       cfg,
		logger:    logger.WithField("component", "position_tracker").WithField("position_id", spec.ID),
		seen:      make(map[string]struct{}),
	}

	t.logger.Info("Position opened",
		"symbol", spec.Symbol,
		"side", spec.Side,
		"entry_price", spec.EntryPrice.String(),
		"qty", spec.InitialQty.String(),
		"tp_levels", len(spec.TakeProfitLevels),
		"stop_loss", spec.StopLossPrice.String())

	return t, nil
}

// ID returns the position id
func (t *Tracker) ID() string {
	return t.state.ID
}

// Symbol returns the position symbol
func (t *Tracker) Symbol() string {
	return t.state.Symbol
}

// Status returns the current lifecycle state
func (t *Tracker) Status() core.PositionStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Status
}

// Snapshot returns a deep copy of the position state
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.clone()
}

// OnMarketEvent evaluates ev and applies at most one leg. It returns the
// emitted records: a LegClosed, followed by PositionSettled when the leg closed
// the position. Duplicates and events on a CLOSED position are no-ops; an
// unseen event older than the last processed one is a StaleEventError.
func (t *Tracker) OnMarketEvent(ev core.MarketEvent) ([]core.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Status == core.StatusClosed {
		return nil, nil
	}

	key := ev.DedupKey()
	if _, dup := t.seen[key]; dup {
		t.logger.Debug("Duplicate market event ignored", "kind", ev.Kind, "price", ev.Price.String())
		return nil, nil
	}

	if ev.Timestamp.Before(t.lastEventAt) {
		return nil, &apperrors.StaleEventError{
			PositionID: t.state.ID,
			EventTime:  ev.Timestamp,
			LastTime:   t.lastEventAt,
		}
	}
	t.lastEventAt = ev.Timestamp
	t.remember(key)

	trigger, ok := Evaluate(t.state, ev)
	if !ok {
		return nil, nil
	}

	return t.applyLocked(trigger, ev.Timestamp), nil
}

func (t *Tracker) remember(key string) {
	if len(t.seenOrder) >= seenEventLimit {
		delete(t.seen, t.seenOrder[0])
		t.seenOrder = t.seenOrder[1:]
	}
	t.seen[key] = struct{}{}
	t.seenOrder = append(t.seenOrder, key)
}

// ForceClose closes the whole remaining quantity at exitPrice as a MANUAL leg
func (t *Tracker) ForceClose(exitPrice decimal.Decimal, ts time.Time) ([]core.Record, error) {
	return t.OnMarketEvent(core.NewManualClose(t.state.ID, exitPrice, ts))
}

// MoveStop tightens the stop-loss, e.g. for a trailing stop. Loosening is rejected.
func (t *Tracker) MoveStop(price decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Status == core.StatusClosed {
		return apperrors.ErrPositionClosed
	}
	if !price.IsPositive() {
		return &apperrors.ValidationError{PositionID: t.state.ID, Field: "stop_loss_price", Value: price, Message: "must be positive"}
	}
	if !t.state.tightens(price) {
		return apperrors.ErrStopLoosened
	}

	t.logger.Info("Stop moved", "from", t.state.StopLossPrice.String(), "to", price.String())
	t.state.StopLossPrice = price
	t.state.stopPromoted = false
	return nil
}

// applyLocked appends the leg for trigger and performs the state transition.
// NOTE: t.mu MUST be held by caller.
func (t *Tracker) applyLocked(trigger core.Trigger, ts time.Time) []core.Record {
	s := t.state

	qty := trigger.Qty
	if qty.GreaterThan(s.RemainingQty) {
		qty = s.RemainingQty
	}

	res := SettleLeg(s.EntryPrice, trigger.ExitPrice, qty, s.FeeRate, s.Side)
	leg := Leg{
		Index:     len(s.Legs),
		Trigger:   trigger,
		ExitPrice: trigger.ExitPrice,
		Qty:       qty,
		Gross:     res.Gross,
		Fee:       res.Fee,
		NetPnL:    res.NetPnL,
		Timestamp: ts,
	}
	s.Legs = append(s.Legs, leg)
	s.RemainingQty = s.RemainingQty.Sub(qty)

	firstTP := false
	if trigger.Kind == core.TriggerTakeProfit {
		firstTP = !anyFired(s)
		s.firedLevels[trigger.Level-1] = true
	}

	records := []core.Record{core.NewLegRecord(core.LegClosed{
		PositionID:  s.ID,
		Symbol:      s.Symbol,
		LegIndex:    leg.Index,
		TriggerKind: trigger.Label(),
		ExitPrice:   leg.ExitPrice,
		Qty:         leg.Qty,
		Fee:         leg.Fee,
		NetPnL:      leg.NetPnL,
		Timestamp:   ts,
	})}

	t.logger.Info("Leg closed",
		"trigger", trigger.Label(),
		"exit_price", leg.ExitPrice.String(),
		"qty", leg.Qty.String(),
		"fee", leg.Fee.String(),
		"net_pnl", leg.NetPnL.String(),
		"remaining", s.RemainingQty.String())

	if !s.RemainingQty.IsPositive() {
		s.RemainingQty = decimal.Zero
		s.Status = core.StatusClosed

		settlement := Aggregate(s.Legs, s.MarginUsed)
		records = append(records, core.NewSettlementRecord(core.PositionSettled{
			PositionID:  s.ID,
			Symbol:      s.Symbol,
			TotalNetPnL: settlement.TotalNetPnL,
			ROIPercent:  settlement.ROIPercent,
			LegCount:    settlement.LegCount,
			ClosedAt:    ts,
		}))

		t.logger.Info("Position settled",
			"total_net_pnl", settlement.TotalNetPnL.String(),
			"roi_percent", settlement.ROIPercent.StringFixed(2),
			"legs", settlement.LegCount)
		return records
	}

	s.Status = core.StatusPartial
	if firstTP && s.BEPromotionAfterTP1 {
		t.promoteToBreakEvenLocked()
	}
	return records
}

func (t *Tracker) promoteToBreakEvenLocked() {
	s := t.state
	be := tradingutils.OffsetPrice(s.EntryPrice, t.cfg.BreakEvenOffset, s.IsShort())
	if !s.tightens(be) {
		return
	}
	t.logger.Info("Stop promoted to break-even", "from", s.StopLossPrice.String(), "to", be.String())
	s.StopLossPrice = be
	s.stopPromoted = true
}

func anyFired(s *State) bool {
	for _, f := range s.firedLevels {
		if f {
			return true
		}
	}
	return false
}
