package position

import (
	"fmt"
	"time"

	"exit_tracker/internal/core"
	apperrors "exit_tracker/pkg/errors"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// Leg is one executed exit; legs are append-only
type Leg struct {
	Index     int
	Trigger   core.Trigger
	ExitPrice decimal.Decimal
	Qty       decimal.Decimal
	Gross     decimal.Decimal
	Fee       decimal.Decimal
	NetPnL    decimal.Decimal
	Timestamp time.Time
}

// State is one tracked position. Only its owning Tracker mutates it.
type State struct {
	ID                  string
	Symbol              string
	Side                core.Side
	EntryPrice          decimal.Decimal
	InitialQty          decimal.Decimal
	RemainingQty        decimal.Decimal
	MarginUsed          decimal.Decimal
	FeeRate             decimal.Decimal
	TakeProfitLevels    []core.TakeProfitLevel
	StopLossPrice       decimal.Decimal // zero means no stop
	BEPromotionAfterTP1 bool
	Status              core.PositionStatus
	Legs                []Leg
	OpenedAt            time.Time

	firedLevels  []bool
	stopPromoted bool
}

// IsShort reports whether the position profits from falling prices
func (s *State) IsShort() bool {
	return s.Side == core.SideShort
}

// LevelFired reports whether take-profit level i (0-based) already produced a leg
func (s *State) LevelFired(i int) bool {
	return i >= 0 && i < len(s.firedLevels) && s.firedLevels[i]
}

// StopPromoted reports whether the stop was moved to break-even
func (s *State) StopPromoted() bool {
	return s.stopPromoted
}

// HasStop reports whether a stop-loss is configured
func (s *State) HasStop() bool {
	return s.StopLossPrice.IsPositive()
}

// ExecutedQty is the sum of all leg quantities
func (s *State) ExecutedQty() decimal.Decimal {
	total := decimal.Zero
	for _, l := range s.Legs {
		total = total.Add(l.Qty)
	}
	return total
}

// tightens reports whether moving the stop to price reduces risk
func (s *State) tightens(price decimal.Decimal) bool {
	if !s.HasStop() {
		return true
	}
	if s.IsShort() {
		return price.LessThan(s.StopLossPrice)
	}
	return price.GreaterThan(s.StopLossPrice)
}

// clone returns a deep copy safe to hand to callers
func (s *State) clone() State {
	c := *s
	c.TakeProfitLevels = append([]core.TakeProfitLevel(nil), s.TakeProfitLevels...)
	c.Legs = append([]Leg(nil), s.Legs...)
	c.firedLevels = append([]bool(nil), s.firedLevels...)
	return c
}

func newState(spec core.OpenPositionSpec) (*State, error) {
	if err := ValidateSpec(spec); err != nil {
		return nil, err
	}

	openedAt := spec.OpenedAt
	if openedAt.IsZero() {
		openedAt = time.Now()
	}

	return &State{
		ID:                  spec.ID,
		Symbol:              spec.Symbol,
		Side:                spec.Side,
		EntryPrice:          spec.EntryPrice,
		InitialQty:          spec.InitialQty,
		RemainingQty:        spec.InitialQty,
		MarginUsed:          spec.MarginUsed,
		FeeRate:             spec.FeeRate,
		TakeProfitLevels:    append([]core.TakeProfitLevel(nil), spec.TakeProfitLevels...),
		StopLossPrice:       spec.StopLossPrice,
		BEPromotionAfterTP1: spec.BEPromotionAfterTP1,
		Status:              core.StatusOpen,
		OpenedAt:            openedAt,
		firedLevels:         make([]bool, len(spec.TakeProfitLevels)),
	}, nil
}

// ValidateSpec rejects malformed open-position specs without constructing anything
func ValidateSpec(spec core.OpenPositionSpec) error {
	invalid := func(field string, value interface{}, msg string) error {
		return &apperrors.ValidationError{PositionID: spec.ID, Field: field, Value: value, Message: msg}
	}

	if spec.ID == "" {
		return invalid("id", nil, "position id is required")
	}
	if spec.Symbol == "" {
		return invalid("symbol", nil, "symbol is required")
	}
	if spec.Side != core.SideLong && spec.Side != core.SideShort {
		return invalid("side", spec.Side, "must be LONG or SHORT")
	}
	if !spec.EntryPrice.IsPositive() {
		return invalid("entry_price", spec.EntryPrice, "must be positive")
	}
	if !spec.InitialQty.IsPositive() {
		return invalid("initial_qty", spec.InitialQty, "must be positive")
	}
	if !spec.MarginUsed.IsPositive() {
		return invalid("margin_used", spec.MarginUsed, "must be positive")
	}
	if spec.FeeRate.IsNegative() || spec.FeeRate.GreaterThanOrEqual(one) {
		return invalid("fee_rate", spec.FeeRate, "must be in [0, 1)")
	}

	short := spec.Side == core.SideShort
	shareSum := decimal.Zero
	prev := spec.EntryPrice
	for i, lvl := range spec.TakeProfitLevels {
		field := fmt.Sprintf("take_profit_levels[%d]", i)
		if !lvl.Price.IsPositive() {
			return invalid(field+".price", lvl.Price, "must be positive")
		}
		if !lvl.Share.IsPositive() || lvl.Share.GreaterThan(one) {
			return invalid(field+".share", lvl.Share, "must be in (0, 1]")
		}
		// Levels must lie on the profit side and move away from entry in order.
		if (!short && !lvl.Price.GreaterThan(prev)) || (short && !lvl.Price.LessThan(prev)) {
			return invalid(field+".price", lvl.Price, "must be beyond entry and the previous level")
		}
		prev = lvl.Price
		shareSum = shareSum.Add(lvl.Share)
	}
	if shareSum.GreaterThan(one) {
		return invalid("take_profit_levels", shareSum, "shares must sum to at most 1")
	}

	if spec.StopLossPrice.IsNegative() {
		return invalid("stop_loss_price", spec.StopLossPrice, "must not be negative")
	}
	if spec.StopLossPrice.IsPositive() {
		if !short && spec.StopLossPrice.GreaterThanOrEqual(spec.EntryPrice) {
			return invalid("stop_loss_price", spec.StopLossPrice, "must be below entry for LONG")
		}
		if short && spec.StopLossPrice.LessThanOrEqual(spec.EntryPrice) {
			return invalid("stop_loss_price", spec.StopLossPrice, "must be above entry for SHORT")
		}
	}

	return nil
}
