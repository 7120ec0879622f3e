package position

import (
	"exit_tracker/internal/core"

	"github.com/shopspring/decimal"
)

// Evaluate decides which threshold, if any, a market event crosses. It never
// mutates the state and returns at most one trigger.
func Evaluate(s *State, ev core.MarketEvent) (core.Trigger, bool) {
	if s.Status == core.StatusClosed || !s.RemainingQty.IsPositive() {
		return core.Trigger{}, false
	}

	switch ev.Kind {
	case core.EventManualClose:
		if ev.PositionID != s.ID || !ev.Price.IsPositive() {
			return core.Trigger{}, false
		}
		return core.Trigger{Kind: core.TriggerManual, ExitPrice: ev.Price, Qty: s.RemainingQty}, true

	case core.EventPriceTick:
		if ev.Symbol != s.Symbol || !ev.Price.IsPositive() {
			return core.Trigger{}, false
		}
		// Risk containment wins ties: a gap through both stop and target exits at the stop.
		if stopCrossed(s, ev.Price) {
			kind := core.TriggerStopLoss
			if s.stopPromoted {
				kind = core.TriggerBreakEven
			}
			return core.Trigger{Kind: kind, ExitPrice: ev.Price, Qty: s.RemainingQty}, true
		}
		if i, ok := firstCrossedLevel(s, ev.Price); ok {
			return core.Trigger{
				Kind:      core.TriggerTakeProfit,
				Level:     i + 1,
				ExitPrice: s.TakeProfitLevels[i].Price,
				Qty:       levelQty(s, i),
			}, true
		}
	}

	return core.Trigger{}, false
}

func stopCrossed(s *State, price decimal.Decimal) bool {
	if !s.HasStop() {
		return false
	}
	if s.IsShort() {
		return price.GreaterThanOrEqual(s.StopLossPrice)
	}
	return price.LessThanOrEqual(s.StopLossPrice)
}

// firstCrossedLevel returns the lowest-index unfired level crossed by price
func firstCrossedLevel(s *State, price decimal.Decimal) (int, bool) {
	for i, lvl := range s.TakeProfitLevels {
		if s.LevelFired(i) {
			continue
		}
		if (!s.IsShort() && price.GreaterThanOrEqual(lvl.Price)) || (s.IsShort() && price.LessThanOrEqual(lvl.Price)) {
			return i, true
		}
		// Levels are ordered away from entry, so an uncrossed level blocks later ones.
		return 0, false
	}
	return 0, false
}

// levelQty is the level's share of the initial quantity. The final unfired
// level takes whatever remains so shares summing below one still close out.
func levelQty(s *State, i int) decimal.Decimal {
	last := true
	for j := range s.TakeProfitLevels {
		if j != i && !s.LevelFired(j) {
			last = false
			break
		}
	}
	if last {
		return s.RemainingQty
	}
	qty := s.TakeProfitLevels[i].Share.Mul(s.InitialQty)
	if qty.GreaterThan(s.RemainingQty) {
		return s.RemainingQty
	}
	return qty
}
