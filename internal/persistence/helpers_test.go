package persistence

import (
	"time"

	"exit_tracker/internal/core"

	"github.com/shopspring/decimal"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

var closedAt = time.Date(2024, 11, 3, 10, 0, 0, 0, time.UTC)

func legRecord(id string, index int, net string) core.Record {
	return core.NewLegRecord(core.LegClosed{
		PositionID:  id,
		Symbol:      "ADAUSDT",
		LegIndex:    index,
		TriggerKind: "TP1",
		ExitPrice:   decimal.RequireFromString("0.8288"),
		Qty:         decimal.RequireFromString("121.6"),
		Fee:         decimal.RequireFromString("0.110425568"),
		NetPnL:      decimal.RequireFromString(net),
		Timestamp:   closedAt,
	})
}

func settlementRecord(id string) core.Record {
	return core.NewSettlementRecord(core.PositionSettled{
		PositionID:  id,
		Symbol:      "ADAUSDT",
		TotalNetPnL: decimal.RequireFromString("1.82177472"),
		ROIPercent:  decimal.RequireFromString("65.6887"),
		LegCount:    2,
		ClosedAt:    closedAt,
	})
}
