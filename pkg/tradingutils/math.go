package tradingutils

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// RoundPrice rounds a price to the specified decimals
func RoundPrice(price decimal.Decimal, priceDecimals int) decimal.Decimal {
	return price.Round(int32(priceDecimals))
}

// RoundQuantity rounds a quantity to the specified decimals
func RoundQuantity(qty decimal.Decimal, qtyDecimals int) decimal.Decimal {
	return qty.Round(int32(qtyDecimals))
}

// GrossPnL is the price-move profit of qty units; short positions profit when price falls
func GrossPnL(entryPrice, exitPrice, qty decimal.Decimal, short bool) decimal.Decimal {
	gross := exitPrice.Sub(entryPrice).Mul(qty)
	if short {
		return gross.Neg()
	}
	return gross
}

// RoundTripFee charges feeRate on both the entry-side and exit-side notional of qty
func RoundTripFee(entryPrice, exitPrice, qty, feeRate decimal.Decimal) decimal.Decimal {
	return entryPrice.Add(exitPrice).Mul(qty).Mul(feeRate)
}

// CalculateNetProfit computes profit after round-trip trading fees
func CalculateNetProfit(entryPrice, exitPrice, qty, feeRate decimal.Decimal, short bool) decimal.Decimal {
	return GrossPnL(entryPrice, exitPrice, qty, short).Sub(RoundTripFee(entryPrice, exitPrice, qty, feeRate))
}

// ROIPercent expresses pnl as a percentage of margin; zero margin yields zero
func ROIPercent(pnl, margin decimal.Decimal) decimal.Decimal {
	if margin.IsZero() {
		return decimal.Zero
	}
	return pnl.Mul(hundred).Div(margin)
}

// OffsetPrice moves price by fraction towards profit for the given side
func OffsetPrice(price, fraction decimal.Decimal, short bool) decimal.Decimal {
	if short {
		return price.Mul(decimal.NewFromInt(1).Sub(fraction))
	}
	return price.Mul(decimal.NewFromInt(1).Add(fraction))
}
