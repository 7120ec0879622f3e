package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a leveraged position
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// PositionStatus is the lifecycle state of a tracked position
type PositionStatus string

const (
	StatusOpen    PositionStatus = "OPEN"    // no leg executed
	StatusPartial PositionStatus = "PARTIAL" // at least one leg, quantity remains
	StatusClosed  PositionStatus = "CLOSED"  // terminal
)

// TakeProfitLevel is one configured target; Share is a fraction of the initial quantity
type TakeProfitLevel struct {
	Price decimal.Decimal `json:"price" yaml:"price"`
	Share decimal.Decimal `json:"share" yaml:"share"`
}

// OpenPositionSpec describes a position handed to the engine by an upstream producer
type OpenPositionSpec struct {
	ID                  string            `json:"id"`
	Symbol              string            `json:"symbol"`
	Side                Side              `json:"side"`
	EntryPrice          decimal.Decimal   `json:"entry_price"`
	InitialQty          decimal.Decimal   `json:"initial_qty"`
	MarginUsed          decimal.Decimal   `json:"margin_used"`
	FeeRate             decimal.Decimal   `json:"fee_rate"`
	TakeProfitLevels    []TakeProfitLevel `json:"take_profit_levels"`
	StopLossPrice       decimal.Decimal   `json:"stop_loss_price"`
	BEPromotionAfterTP1 bool              `json:"be_promotion_after_tp1"`
	OpenedAt            time.Time         `json:"opened_at,omitempty"`
}

// TriggerKind classifies what closed a leg
type TriggerKind string

const (
	TriggerTakeProfit TriggerKind = "TP"
	TriggerStopLoss   TriggerKind = "SL"
	TriggerBreakEven  TriggerKind = "BE"
	TriggerManual     TriggerKind = "MANUAL"
)

// Trigger is the evaluator's decision for a single market event
type Trigger struct {
	Kind      TriggerKind
	Level     int // 1-based take-profit level, zero for other kinds
	ExitPrice decimal.Decimal
	Qty       decimal.Decimal
}

// Label renders the trigger as TP1, TP2, SL, BE or MANUAL
func (t Trigger) Label() string {
	if t.Kind == TriggerTakeProfit {
		return fmt.Sprintf("TP%d", t.Level)
	}
	return string(t.Kind)
}
