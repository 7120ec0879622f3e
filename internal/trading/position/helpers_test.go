package position

import (
	"testing"
	"time"

	"exit_tracker/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

// Mock implementations for testing

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

var baseTime = time.Date(2024, 11, 3, 9, 30, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func at(sec int) time.Time {
	return baseTime.Add(time.Duration(sec) * time.Second)
}

// adaSpec is the two-level LONG position used by the reconciliation scenarios
func adaSpec() core.OpenPositionSpec {
	return core.OpenPositionSpec{
		ID:         "ada-1",
		Symbol:     "ADAUSDT",
		Side:       core.SideLong,
		EntryPrice: dec("0.82230"),
		InitialQty: dec("243.2000"),
		MarginUsed: dec("2.77334401"),
		FeeRate:    dec("0.00055"),
		TakeProfitLevels: []core.TakeProfitLevel{
			{Price: dec("0.8288"), Share: dec("0.5")},
			{Price: dec("0.8321"), Share: dec("0.5")},
		},
		StopLossPrice: dec("0.8100"),
		OpenedAt:      baseTime,
	}
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s %v", want, got.String(), msgAndArgs)
}

func tick(symbol, price string, sec int) core.MarketEvent {
	return core.NewPriceTick(symbol, dec(price), at(sec))
}
