package alert

import (
	"context"
	"fmt"

	"exit_tracker/internal/core"
)

// Alerter is the subset of AlertManager the notifier needs
type Alerter interface {
	Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string)
}

// SettlementNotifier is a record sink that turns settlements and stop-outs into alerts
type SettlementNotifier struct {
	alerter    Alerter
	notifyLegs bool
}

// NewSettlementNotifier alerts on every settlement and on SL/BE legs. With
// notifyLegs set, take-profit and manual legs are announced too.
func NewSettlementNotifier(alerter Alerter, notifyLegs bool) *SettlementNotifier {
	return &SettlementNotifier{alerter: alerter, notifyLegs: notifyLegs}
}

func (n *SettlementNotifier) Name() string { return "alerts" }

func (n *SettlementNotifier) Publish(ctx context.Context, rec core.Record) error {
	switch rec.Kind {
	case core.RecordPositionSettled:
		s := rec.Settlement
		level := Info
		if s.TotalNetPnL.IsNegative() {
			level = Warning
		}
		n.alerter.Alert(ctx,
			fmt.Sprintf("%s settled", s.Symbol),
			fmt.Sprintf("Position %s closed after %d legs: net %s (ROI %s%%)",
				s.PositionID, s.LegCount, s.TotalNetPnL.StringFixed(4), s.ROIPercent.StringFixed(2)),
			level,
			map[string]string{
				"position_id": s.PositionID,
				"net_pnl":     s.TotalNetPnL.String(),
				"roi_percent": s.ROIPercent.StringFixed(2),
			})

	case core.RecordLegClosed:
		l := rec.Leg
		stop := l.TriggerKind == string(core.TriggerStopLoss) || l.TriggerKind == string(core.TriggerBreakEven)
		if !stop && !n.notifyLegs {
			return nil
		}
		level := Info
		if stop {
			level = Warning
		}
		n.alerter.Alert(ctx,
			fmt.Sprintf("%s %s hit", l.Symbol, l.TriggerKind),
			fmt.Sprintf("Leg %d of %s closed %s @ %s: net %s",
				l.LegIndex, l.PositionID, l.Qty.String(), l.ExitPrice.String(), l.NetPnL.StringFixed(4)),
			level,
			map[string]string{
				"position_id": l.PositionID,
				"trigger":     l.TriggerKind,
				"fee":         l.Fee.String(),
			})
	}
	return nil
}
