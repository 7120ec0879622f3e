package persistence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"exit_tracker/internal/core"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"
)

// RecordLister is implemented by stores that can enumerate everything they hold
type RecordLister interface {
	AllRecords(ctx context.Context) ([]core.Record, error)
}

// LedgerRow is the Parquet schema of the exported ledger. Decimals are kept as
// strings so no precision is lost.
type LedgerRow struct {
	PositionID  string `parquet:"position_id"`
	Symbol      string `parquet:"symbol"`
	Kind        string `parquet:"kind"`
	LegIndex    int64  `parquet:"leg_index"`
	TriggerKind string `parquet:"trigger_kind,optional"`
	ExitPrice   string `parquet:"exit_price,optional"`
	Qty         string `parquet:"qty,optional"`
	Fee         string `parquet:"fee,optional"`
	NetPnL      string `parquet:"net_pnl"`
	ROIPercent  string `parquet:"roi_percent,optional"`
	LegCount    int64  `parquet:"leg_count"`
	Timestamp   int64  `parquet:"timestamp,timestamp(millisecond)"`
}

// LedgerRowFromRecord flattens rec into one ledger row
func LedgerRowFromRecord(rec core.Record) (LedgerRow, error) {
	switch rec.Kind {
	case core.RecordLegClosed:
		l := rec.Leg
		return LedgerRow{
			PositionID:  l.PositionID,
			Symbol:      l.Symbol,
			Kind:        string(rec.Kind),
			LegIndex:    int64(l.LegIndex),
			TriggerKind: l.TriggerKind,
			ExitPrice:   l.ExitPrice.String(),
			Qty:         l.Qty.String(),
			Fee:         l.Fee.String(),
			NetPnL:      l.NetPnL.String(),
			Timestamp:   l.Timestamp.UnixMilli(),
		}, nil
	case core.RecordPositionSettled:
		st := rec.Settlement
		return LedgerRow{
			PositionID: st.PositionID,
			Symbol:     st.Symbol,
			Kind:       string(rec.Kind),
			LegIndex:   -1,
			NetPnL:     st.TotalNetPnL.String(),
			ROIPercent: st.ROIPercent.StringFixed(2),
			LegCount:   int64(st.LegCount),
			Timestamp:  st.ClosedAt.UnixMilli(),
		}, nil
	}
	return LedgerRow{}, fmt.Errorf("unknown record kind %q", rec.Kind)
}

// NetPnLDecimal parses the row's net PnL
func (r LedgerRow) NetPnLDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(r.NetPnL)
}

// ExportLedger writes every record held by store to a Parquet file at path
// and returns the number of rows written
func ExportLedger(ctx context.Context, store RecordLister, path string) (int, error) {
	records, err := store.AllRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list records: %w", err)
	}

	rows := make([]LedgerRow, 0, len(records))
	for _, rec := range records {
		row, err := LedgerRowFromRecord(rec)
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	if err := parquet.WriteFile(path, rows); err != nil {
		return 0, fmt.Errorf("failed to write ledger: %w", err)
	}
	return len(rows), nil
}

// ReadLedger loads an exported ledger
func ReadLedger(path string) ([]LedgerRow, error) {
	return parquet.ReadFile[LedgerRow](path)
}
