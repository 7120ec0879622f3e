package feed

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"exit_tracker/internal/core"
	"exit_tracker/internal/trading/supervisor"
	"exit_tracker/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 11, 3, 9, 30, 0, 0, time.UTC)

func testDecoder() *Decoder {
	return &Decoder{Now: func() time.Time { return fixedNow }}
}

type fakeTarget struct {
	mu     sync.Mutex
	opened []core.OpenPositionSpec
	events []core.MarketEvent
	stops  map[string]decimal.Decimal
	err    error
}

func (f *fakeTarget) Open(spec core.OpenPositionSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, spec)
	return f.err
}

func (f *fakeTarget) Submit(_ context.Context, ev core.MarketEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return f.err
}

func (f *fakeTarget) MoveStop(id string, price decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stops == nil {
		f.stops = make(map[string]decimal.Decimal)
	}
	f.stops[id] = price
	return f.err
}

func TestDecode(t *testing.T) {
	d := testDecoder()

	env, err := d.Decode([]byte(`{"type":"TICK","symbol":"ADAUSDT","price":"0.8288","timestamp":"2024-11-03T10:00:00Z"}`))
	require.NoError(t, err)
	ev, ok := env.Event()
	require.True(t, ok)
	assert.Equal(t, core.EventPriceTick, ev.Kind)
	assert.True(t, ev.Price.Equal(decimal.RequireFromString("0.8288")))
	assert.Equal(t, time.Date(2024, 11, 3, 10, 0, 0, 0, time.UTC), ev.Timestamp.UTC())

	// Numeric prices and missing timestamps are accepted
	env, err = d.Decode([]byte(`{"type":"manual","position_id":"p1","price":0.8326}`))
	require.NoError(t, err)
	ev, ok = env.Event()
	require.True(t, ok)
	assert.Equal(t, core.EventManualClose, ev.Kind)
	assert.Equal(t, "p1", ev.PositionID)
	assert.Equal(t, fixedNow, ev.Timestamp)

	env, err = d.Decode([]byte(`{"type":"open","position":{"id":"p1","symbol":"ADAUSDT","side":"long","entry_price":"0.8223","initial_qty":"243.2","margin_used":"2.77334401","fee_rate":"0.00055","take_profit_levels":[{"price":"0.8288","share":"0.5"}]}}`))
	require.NoError(t, err)
	require.NotNil(t, env.Position)
	assert.Equal(t, core.SideLong, env.Position.Side)
	assert.Equal(t, fixedNow, env.Position.OpenedAt)
	require.Len(t, env.Position.TakeProfitLevels, 1)
	_, ok = env.Event()
	assert.False(t, ok)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":         `{"type":`,
		"unknown type":     `{"type":"cancel","position_id":"p1","price":"1"}`,
		"open no position": `{"type":"open"}`,
		"tick no symbol":   `{"type":"tick","price":"1"}`,
		"manual no id":     `{"type":"manual","price":"1"}`,
		"stop no price":    `{"type":"stop","position_id":"p1"}`,
		"negative price":   `{"type":"tick","symbol":"ADAUSDT","price":"-1"}`,
	}
	d := testDecoder()
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := d.Decode([]byte(line))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestReaderAppliesAndSkips(t *testing.T) {
	input := strings.Join([]string{
		`# replay`,
		`{"type":"open","position":{"id":"p1","symbol":"ADAUSDT","side":"LONG"}}`,
		``,
		`garbage`,
		`{"type":"tick","symbol":"ADAUSDT","price":"0.8290"}`,
		`{"type":"stop","position_id":"p1","price":"0.8240"}`,
		`{"type":"manual","position_id":"p1","price":"0.8326"}`,
	}, "\n")

	target := &fakeTarget{}
	rd := NewReader(testDecoder(), target, logging.NewNop())
	stats, err := rd.ReadAll(context.Background(), strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, Stats{Lines: 7, Applied: 4, Rejected: 1}, stats)
	require.Len(t, target.opened, 1)
	require.Len(t, target.events, 2)
	assert.Equal(t, core.EventPriceTick, target.events[0].Kind)
	assert.Equal(t, core.EventManualClose, target.events[1].Kind)
	assert.True(t, target.stops["p1"].Equal(decimal.RequireFromString("0.8240")))
}

func TestReaderCountsTargetRejections(t *testing.T) {
	target := &fakeTarget{err: errors.New("nope")}
	rd := NewReader(testDecoder(), target, logging.NewNop())

	stats, err := rd.ReadAll(context.Background(), strings.NewReader(`{"type":"tick","symbol":"ADAUSDT","price":"1"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Rejected)
	assert.Zero(t, stats.Applied)
}

func TestReaderStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rd := NewReader(testDecoder(), &fakeTarget{}, logging.NewNop())
	_, err := rd.ReadAll(ctx, strings.NewReader(`{"type":"tick","symbol":"ADAUSDT","price":"1"}`))
	assert.ErrorIs(t, err, context.Canceled)
}

type settlementSink struct {
	mu      sync.Mutex
	settled []*core.PositionSettled
}

func (s *settlementSink) Name() string { return "settlements" }

func (s *settlementSink) Publish(_ context.Context, rec core.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Settlement != nil {
		s.settled = append(s.settled, rec.Settlement)
	}
	return nil
}

func (s *settlementSink) get() []*core.PositionSettled {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*core.PositionSettled(nil), s.settled...)
}

func TestReaderDrivesSupervisor(t *testing.T) {
	sink := &settlementSink{}
	sup := supervisor.New(supervisor.Config{RetryInterval: 10 * time.Millisecond}, nil, logging.NewNop(), sink)
	d := testDecoder()
	rd := NewReader(d, sup, logging.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	open := `{"type":"open","position":{"id":"ada-1","symbol":"ADAUSDT","side":"LONG","entry_price":"0.82230","initial_qty":"243.2000","margin_used":"2.77334401","fee_rate":"0.00055","take_profit_levels":[{"price":"0.8288","share":"0.5"},{"price":"0.8321","share":"0.5"}],"stop_loss_price":"0.8100","opened_at":"2024-11-03T09:30:00Z"}}`
	stats, err := rd.ReadAll(ctx, strings.NewReader(open))
	require.NoError(t, err)
	require.Equal(t, 1, stats.Applied)

	go func() { _ = sup.Run(ctx) }()
	require.Eventually(t, func() bool {
		return sup.Submit(ctx, core.NewPriceTick("ADAUSDT", decimal.RequireFromString("0.8230"), fixedNow)) == nil
	}, time.Second, 5*time.Millisecond)

	replay := strings.Join([]string{
		`{"type":"tick","symbol":"ADAUSDT","price":"0.8290","timestamp":"2024-11-03T09:30:01Z"}`,
		`{"type":"manual","position_id":"ada-1","price":"0.83260","timestamp":"2024-11-03T09:30:02Z"}`,
	}, "\n")
	stats, err = rd.ReadAll(ctx, strings.NewReader(replay))
	require.NoError(t, err)
	require.Equal(t, 2, stats.Applied)

	require.Eventually(t, func() bool { return len(sink.get()) == 1 }, 2*time.Second, 5*time.Millisecond)
	settled := sink.get()[0]
	assert.True(t, settled.TotalNetPnL.Equal(decimal.RequireFromString("1.82177472")), settled.TotalNetPnL.String())
	assert.Equal(t, "65.69", settled.ROIPercent.StringFixed(2))
	assert.Equal(t, 2, settled.LegCount)

	sup.Stop()
}
