package position

import (
	"errors"
	"math/rand"
	"sync"
	"testing"

	"exit_tracker/internal/core"
	apperrors "exit_tracker/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T, spec core.OpenPositionSpec, cfg Config) *Tracker {
	t.Helper()
	tr, err := NewTracker(spec, cfg, &mockLogger{})
	require.NoError(t, err)
	return tr
}

func TestTracker_PartialTakeProfitThenManualClose(t *testing.T) {
	tr := newTestTracker(t, adaSpec(), Config{})
	assert.Equal(t, core.StatusOpen, tr.Status())

	recs, err := tr.OnMarketEvent(tick("ADAUSDT", "0.8295", 1))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, core.RecordLegClosed, recs[0].Kind)
	assert.Equal(t, "TP1", recs[0].Leg.TriggerKind)
	assert.Equal(t, 0, recs[0].Leg.LegIndex)
	assertDecimal(t, "0.8288", recs[0].Leg.ExitPrice)
	assertDecimal(t, "121.6", recs[0].Leg.Qty)
	assertDecimal(t, "0.110425568", recs[0].Leg.Fee)
	assertDecimal(t, "0.679974432", recs[0].Leg.NetPnL)
	assert.Equal(t, core.StatusPartial, tr.Status())

	recs, err = tr.ForceClose(dec("0.83260"), at(2))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "MANUAL", recs[0].Leg.TriggerKind)
	assert.Equal(t, 1, recs[0].Leg.LegIndex)
	assertDecimal(t, "1.141800288", recs[0].Leg.NetPnL)

	settled := recs[1].Settlement
	require.NotNil(t, settled)
	assert.Equal(t, 2, settled.LegCount)
	assertDecimal(t, "1.82177472", settled.TotalNetPnL)
	assert.Equal(t, "65.69", settled.ROIPercent.StringFixed(2))
	assert.Equal(t, at(2), settled.ClosedAt)

	snap := tr.Snapshot()
	assert.Equal(t, core.StatusClosed, snap.Status)
	assert.True(t, snap.RemainingQty.IsZero())
	assertDecimal(t, "243.2", snap.ExecutedQty())
}

func TestTracker_ManualTailAtLowerPrice(t *testing.T) {
	tr := newTestTracker(t, adaSpec(), Config{})

	_, err := tr.OnMarketEvent(tick("ADAUSDT", "0.8288", 1))
	require.NoError(t, err)

	recs, err := tr.ForceClose(dec("0.8250"), at(2))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assertDecimal(t, "0.218148576", recs[0].Leg.NetPnL)
	assertDecimal(t, "0.898123008", recs[1].Settlement.TotalNetPnL)
	assert.Equal(t, "32.38", recs[1].Settlement.ROIPercent.StringFixed(2))
}

func TestTracker_RejectsInvalidSpec(t *testing.T) {
	spec := adaSpec()
	spec.TakeProfitLevels = []core.TakeProfitLevel{
		{Price: dec("0.8288"), Share: dec("0.5")},
		{Price: dec("0.8321"), Share: dec("0.8")},
	}

	tr, err := NewTracker(spec, Config{}, &mockLogger{})
	assert.Nil(t, tr)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	var verr *apperrors.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "take_profit_levels", verr.Field)
}

func TestTracker_DuplicateEventIsNoOp(t *testing.T) {
	tr := newTestTracker(t, adaSpec(), Config{})
	ev := tick("ADAUSDT", "0.8288", 1)

	recs, err := tr.OnMarketEvent(ev)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	recs, err = tr.OnMarketEvent(ev)
	require.NoError(t, err)
	assert.Empty(t, recs)

	snap := tr.Snapshot()
	assert.Len(t, snap.Legs, 1)
	assertDecimal(t, "121.6", snap.RemainingQty)
}

func TestTracker_RedeliveredEventAfterLaterOneIsNoOp(t *testing.T) {
	tr := newTestTracker(t, adaSpec(), Config{})
	tp1 := tick("ADAUSDT", "0.8290", 1)

	recs, err := tr.OnMarketEvent(tp1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	_, err = tr.OnMarketEvent(tick("ADAUSDT", "0.8250", 2))
	require.NoError(t, err)

	recs, err = tr.OnMarketEvent(tp1)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Len(t, tr.Snapshot().Legs, 1)
}

func TestTracker_ForgottenEventIsStale(t *testing.T) {
	tr := newTestTracker(t, adaSpec(), Config{})
	first := tick("ADAUSDT", "0.8250", 1)
	_, err := tr.OnMarketEvent(first)
	require.NoError(t, err)

	for i := 0; i < seenEventLimit; i++ {
		_, err := tr.OnMarketEvent(tick("ADAUSDT", "0.8250", 2+i))
		require.NoError(t, err)
	}

	_, err = tr.OnMarketEvent(first)
	assert.ErrorIs(t, err, apperrors.ErrStaleEvent)
}

func TestTracker_GapFiresOneLevelPerEvent(t *testing.T) {
	tr := newTestTracker(t, adaSpec(), Config{})
	gap := tick("ADAUSDT", "0.8400", 1)

	recs, err := tr.OnMarketEvent(gap)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "TP1", recs[0].Leg.TriggerKind)

	// Redelivery of the gap tick must not fire TP2.
	recs, err = tr.OnMarketEvent(gap)
	require.NoError(t, err)
	assert.Empty(t, recs)

	recs, err = tr.OnMarketEvent(tick("ADAUSDT", "0.8400", 2))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "TP2", recs[0].Leg.TriggerKind)
	assertDecimal(t, "0.8321", recs[0].Leg.ExitPrice)
	assert.Equal(t, core.StatusClosed, tr.Status())
}

func TestTracker_DistinctEventsSameTimestamp(t *testing.T) {
	tr := newTestTracker(t, adaSpec(), Config{})

	recs, err := tr.OnMarketEvent(tick("ADAUSDT", "0.8288", 1))
	require.NoError(t, err)
	require.Len(t, recs, 1)

	recs, err = tr.OnMarketEvent(tick("ADAUSDT", "0.8330", 1))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "TP2", recs[0].Leg.TriggerKind)
}

func TestTracker_StaleEventRejected(t *testing.T) {
	tr := newTestTracker(t, adaSpec(), Config{})

	_, err := tr.OnMarketEvent(tick("ADAUSDT", "0.8250", 5))
	require.NoError(t, err)

	recs, err := tr.OnMarketEvent(tick("ADAUSDT", "0.8288", 4))
	assert.Empty(t, recs)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrStaleEvent))
	assert.Equal(t, core.StatusOpen, tr.Status())
}

func TestTracker_StopLossClosesEverything(t *testing.T) {
	tr := newTestTracker(t, adaSpec(), Config{})

	recs, err := tr.OnMarketEvent(tick("ADAUSDT", "0.8050", 1))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "SL", recs[0].Leg.TriggerKind)
	assertDecimal(t, "243.2", recs[0].Leg.Qty)
	assert.True(t, recs[1].Settlement.TotalNetPnL.IsNegative())
	assert.Equal(t, 1, recs[1].Settlement.LegCount)
}

func TestTracker_EventsAfterCloseIgnored(t *testing.T) {
	tr := newTestTracker(t, adaSpec(), Config{})
	_, err := tr.ForceClose(dec("0.8300"), at(1))
	require.NoError(t, err)

	recs, err := tr.OnMarketEvent(tick("ADAUSDT", "0.8050", 2))
	require.NoError(t, err)
	assert.Empty(t, recs)

	// Older events after close are ignored too
	recs, err = tr.OnMarketEvent(tick("ADAUSDT", "0.8050", 0))
	require.NoError(t, err)
	assert.Empty(t, recs)

	recs, err = tr.ForceClose(dec("0.8300"), at(3))
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Len(t, tr.Snapshot().Legs, 1)
}

func TestTracker_BreakEvenPromotion(t *testing.T) {
	spec := adaSpec()
	spec.BEPromotionAfterTP1 = true
	tr := newTestTracker(t, spec, Config{})

	_, err := tr.OnMarketEvent(tick("ADAUSDT", "0.8290", 1))
	require.NoError(t, err)

	snap := tr.Snapshot()
	assert.True(t, snap.StopPromoted())
	assertDecimal(t, "0.8223", snap.StopLossPrice)

	recs, err := tr.OnMarketEvent(tick("ADAUSDT", "0.8220", 2))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "BE", recs[0].Leg.TriggerKind)
	assertDecimal(t, "0.8220", recs[0].Leg.ExitPrice)
	assertDecimal(t, "121.6", recs[0].Leg.Qty)
}

func TestTracker_BreakEvenOffset(t *testing.T) {
	spec := adaSpec()
	spec.BEPromotionAfterTP1 = true
	tr := newTestTracker(t, spec, Config{BreakEvenOffset: dec("0.001")})

	_, err := tr.OnMarketEvent(tick("ADAUSDT", "0.8290", 1))
	require.NoError(t, err)
	assertDecimal(t, "0.8231223", tr.Snapshot().StopLossPrice)
}

func TestTracker_BreakEvenNeverLoosens(t *testing.T) {
	spec := adaSpec()
	spec.BEPromotionAfterTP1 = true
	tr := newTestTracker(t, spec, Config{})

	require.NoError(t, tr.MoveStop(dec("0.8250")))
	_, err := tr.OnMarketEvent(tick("ADAUSDT", "0.8290", 1))
	require.NoError(t, err)

	snap := tr.Snapshot()
	assert.False(t, snap.StopPromoted())
	assertDecimal(t, "0.8250", snap.StopLossPrice)
}

func TestTracker_NoPromotionWhenDisabled(t *testing.T) {
	tr := newTestTracker(t, adaSpec(), Config{})

	_, err := tr.OnMarketEvent(tick("ADAUSDT", "0.8290", 1))
	require.NoError(t, err)
	assertDecimal(t, "0.8100", tr.Snapshot().StopLossPrice)
}

func TestTracker_MoveStop(t *testing.T) {
	tr := newTestTracker(t, adaSpec(), Config{})

	err := tr.MoveStop(dec("0.8000"))
	assert.ErrorIs(t, err, apperrors.ErrStopLoosened)

	err = tr.MoveStop(dec("0"))
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	require.NoError(t, tr.MoveStop(dec("0.8150")))
	assertDecimal(t, "0.8150", tr.Snapshot().StopLossPrice)

	_, err = tr.ForceClose(dec("0.82"), at(1))
	require.NoError(t, err)
	assert.ErrorIs(t, tr.MoveStop(dec("0.8200")), apperrors.ErrPositionClosed)
}

func TestTracker_MoveStopOnPositionWithoutStop(t *testing.T) {
	spec := adaSpec()
	spec.StopLossPrice = decimal.Zero
	tr := newTestTracker(t, spec, Config{})

	require.NoError(t, tr.MoveStop(dec("0.8000")))
	snap := tr.Snapshot()
	assert.True(t, snap.HasStop())
}

func TestTracker_SnapshotIsDeepCopy(t *testing.T) {
	tr := newTestTracker(t, adaSpec(), Config{})
	_, err := tr.OnMarketEvent(tick("ADAUSDT", "0.8290", 1))
	require.NoError(t, err)

	snap := tr.Snapshot()
	snap.Legs[0].Qty = dec("999")
	snap.TakeProfitLevels[0].Price = dec("1")

	again := tr.Snapshot()
	assertDecimal(t, "121.6", again.Legs[0].Qty)
	assertDecimal(t, "0.8288", again.TakeProfitLevels[0].Price)
}

func TestTracker_ConcurrentEvents(t *testing.T) {
	tr := newTestTracker(t, adaSpec(), Config{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = tr.OnMarketEvent(tick("ADAUSDT", "0.8400", 10))
		}(i)
	}
	wg.Wait()

	// The same event delivered fifty times fires exactly one leg.
	snap := tr.Snapshot()
	assert.Len(t, snap.Legs, 1)
	assert.Equal(t, core.StatusPartial, snap.Status)
}

// TestTracker_Invariants drives random positions through random price walks
func TestTracker_Invariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 200; run++ {
		side := core.SideLong
		dir := decimal.NewFromInt(1)
		if rng.Intn(2) == 0 {
			side = core.SideShort
			dir = dir.Neg()
		}

		entry := decimal.NewFromInt(int64(100 + rng.Intn(900)))
		nLevels := 1 + rng.Intn(3)
		levels := make([]core.TakeProfitLevel, nLevels)
		eachShare := decimal.NewFromFloat(0.9).Div(decimal.NewFromInt(int64(nLevels))).Round(4)
		for i := range levels {
			step := entry.Mul(decimal.NewFromFloat(0.01)).Mul(decimal.NewFromInt(int64(i + 1)))
			levels[i] = core.TakeProfitLevel{Price: entry.Add(step.Mul(dir)), Share: eachShare}
		}
		stop := entry.Sub(entry.Mul(decimal.NewFromFloat(0.02)).Mul(dir))

		spec := core.OpenPositionSpec{
			ID:                  "rand",
			Symbol:              "XUSDT",
			Side:                side,
			EntryPrice:          entry,
			InitialQty:          decimal.NewFromInt(int64(1 + rng.Intn(50))),
			MarginUsed:          decimal.NewFromInt(int64(10 + rng.Intn(100))),
			FeeRate:             decimal.NewFromFloat(0.0005),
			TakeProfitLevels:    levels,
			StopLossPrice:       stop,
			BEPromotionAfterTP1: rng.Intn(2) == 0,
		}
		tr := newTestTracker(t, spec, Config{})

		prevRemaining := spec.InitialQty
		prevStop := spec.StopLossPrice
		var emitted []core.Record
		for step := 0; step < 40 && tr.Status() != core.StatusClosed; step++ {
			move := entry.Mul(decimal.NewFromFloat(rng.Float64()*0.08 - 0.03)).Mul(dir)
			recs, err := tr.OnMarketEvent(core.NewPriceTick("XUSDT", entry.Add(move), at(step)))
			require.NoError(t, err)
			emitted = append(emitted, recs...)

			snap := tr.Snapshot()
			assert.False(t, snap.RemainingQty.IsNegative())
			assert.True(t, snap.RemainingQty.LessThanOrEqual(prevRemaining))
			if side == core.SideLong {
				assert.True(t, snap.StopLossPrice.GreaterThanOrEqual(prevStop))
			} else {
				assert.True(t, snap.StopLossPrice.LessThanOrEqual(prevStop))
			}
			prevRemaining = snap.RemainingQty
			prevStop = snap.StopLossPrice
		}
		recs, err := tr.ForceClose(entry, at(100))
		require.NoError(t, err)
		emitted = append(emitted, recs...)

		snap := tr.Snapshot()
		require.Equal(t, core.StatusClosed, snap.Status)
		assert.True(t, snap.ExecutedQty().Equal(spec.InitialQty), "executed %s of %s", snap.ExecutedQty(), spec.InitialQty)

		var settled []*core.PositionSettled
		total := decimal.Zero
		for _, r := range emitted {
			if r.Settlement != nil {
				settled = append(settled, r.Settlement)
			} else {
				total = total.Add(r.Leg.NetPnL)
			}
		}
		require.Len(t, settled, 1)
		assert.True(t, settled[0].TotalNetPnL.Equal(total))
		wantROI := total.Mul(decimal.NewFromInt(100)).Div(spec.MarginUsed)
		assert.True(t, settled[0].ROIPercent.Equal(wantROI))
	}
}
