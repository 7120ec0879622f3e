package position

import (
	"exit_tracker/internal/core"
	"exit_tracker/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// LegResult is the fee-aware outcome of one exit leg
type LegResult struct {
	Gross  decimal.Decimal
	Fee    decimal.Decimal
	NetPnL decimal.Decimal
}

// Settlement is the aggregate outcome of a position
type Settlement struct {
	TotalNetPnL decimal.Decimal
	ROIPercent  decimal.Decimal
	LegCount    int
}

// SettleLeg computes gross, round-trip fee and net PnL for qty units exiting at exitPrice.
// The fee is charged per leg on both entry-side and exit-side notional.
func SettleLeg(entryPrice, exitPrice, qty, feeRate decimal.Decimal, side core.Side) LegResult {
	short := side == core.SideShort
	gross := tradingutils.GrossPnL(entryPrice, exitPrice, qty, short)
	fee := tradingutils.RoundTripFee(entryPrice, exitPrice, qty, feeRate)
	return LegResult{
		Gross:  gross,
		Fee:    fee,
		NetPnL: gross.Sub(fee),
	}
}

// Aggregate sums leg net PnL and measures ROI against the originally allocated margin
func Aggregate(legs []Leg, marginUsed decimal.Decimal) Settlement {
	total := decimal.Zero
	for _, l := range legs {
		total = total.Add(l.NetPnL)
	}
	return Settlement{
		TotalNetPnL: total,
		ROIPercent:  tradingutils.ROIPercent(total, marginUsed),
		LegCount:    len(legs),
	}
}
