package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MarketEventKind tags the closed set of inbound market events
type MarketEventKind string

const (
	EventPriceTick   MarketEventKind = "PRICE_TICK"
	EventManualClose MarketEventKind = "MANUAL_CLOSE"
)

// MarketEvent is either a price tick for a symbol or an explicit close for one position.
// Price carries the tick price or the observed exit price of a manual close.
type MarketEvent struct {
	Kind       MarketEventKind `json:"kind"`
	Symbol     string          `json:"symbol,omitempty"`
	PositionID string          `json:"position_id,omitempty"`
	Price      decimal.Decimal `json:"price"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NewPriceTick builds a PRICE_TICK event
func NewPriceTick(symbol string, price decimal.Decimal, ts time.Time) MarketEvent {
	return MarketEvent{Kind: EventPriceTick, Symbol: symbol, Price: price, Timestamp: ts}
}

// NewManualClose builds a MANUAL_CLOSE event
func NewManualClose(positionID string, exitPrice decimal.Decimal, ts time.Time) MarketEvent {
	return MarketEvent{Kind: EventManualClose, PositionID: positionID, Price: exitPrice, Timestamp: ts}
}

// DedupKey identifies an event for duplicate-delivery detection
func (e MarketEvent) DedupKey() string {
	return fmt.Sprintf("%s|%s|%s|%s|%d", e.Kind, e.Symbol, e.PositionID, e.Price.String(), e.Timestamp.UnixNano())
}

// LegClosed is emitted once per executed leg
type LegClosed struct {
	PositionID  string          `json:"position_id"`
	Symbol      string          `json:"symbol"`
	LegIndex    int             `json:"leg_index"`
	TriggerKind string          `json:"trigger_kind"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	Qty         decimal.Decimal `json:"qty"`
	Fee         decimal.Decimal `json:"fee"`
	NetPnL      decimal.Decimal `json:"net_pnl"`
	Timestamp   time.Time       `json:"timestamp"`
}

// PositionSettled is emitted exactly once, when a position reaches CLOSED
type PositionSettled struct {
	PositionID  string          `json:"position_id"`
	Symbol      string          `json:"symbol"`
	TotalNetPnL decimal.Decimal `json:"total_net_pnl"`
	ROIPercent  decimal.Decimal `json:"roi_percent"`
	LegCount    int             `json:"leg_count"`
	ClosedAt    time.Time       `json:"closed_at"`
}

// RecordKind tags the two outbound record shapes
type RecordKind string

const (
	RecordLegClosed       RecordKind = "leg_closed"
	RecordPositionSettled RecordKind = "position_settled"
)

// Record is the envelope handed to sinks; exactly one of Leg or Settlement is set
type Record struct {
	Kind       RecordKind       `json:"kind"`
	Leg        *LegClosed       `json:"leg,omitempty"`
	Settlement *PositionSettled `json:"settlement,omitempty"`
}

// NewLegRecord wraps a LegClosed
func NewLegRecord(leg LegClosed) Record {
	return Record{Kind: RecordLegClosed, Leg: &leg}
}

// NewSettlementRecord wraps a PositionSettled
func NewSettlementRecord(s PositionSettled) Record {
	return Record{Kind: RecordPositionSettled, Settlement: &s}
}

// PositionID returns the id of the position the record belongs to
func (r Record) PositionID() string {
	switch r.Kind {
	case RecordLegClosed:
		return r.Leg.PositionID
	case RecordPositionSettled:
		return r.Settlement.PositionID
	}
	return ""
}

// Key is the idempotency key: (position_id, leg_index) for legs, position_id for settlement
func (r Record) Key() string {
	switch r.Kind {
	case RecordLegClosed:
		return fmt.Sprintf("%s/leg/%d", r.Leg.PositionID, r.Leg.LegIndex)
	case RecordPositionSettled:
		return fmt.Sprintf("%s/settled", r.Settlement.PositionID)
	}
	return ""
}
