package safety

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	coreerrors "github.com/BenPomme/alpaca-trading-system/internal/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 11, 14, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type memStore struct {
	mu      sync.Mutex
	states  map[string]SymbolState
	saveErr error
	loadErr error
	saves   int
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]SymbolState)}
}

func (m *memStore) SaveSymbolState(ctx context.Context, state SymbolState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.states[state.Symbol] = state.Clone()
	return nil
}

func (m *memStore) LoadSymbolStates(ctx context.Context) (map[string]SymbolState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	out := make(map[string]SymbolState, len(m.states))
	for k, v := range m.states {
		out[k] = v.Clone()
	}
	return out, nil
}

type countingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *countingNotifier) SendAlert(level, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, level+": "+message)
	return nil
}

// permissiveLimits disables every rule except the one a test exercises
func permissiveLimits() Limits {
	return Limits{
		CooldownDuration:         0,
		MaxPositionValue:         1e9,
		MaxDailyTrades:           1000,
		MaxTradesPerHour:         1000,
		RapidTradeCountThreshold: HistoryLimit,
		RapidTradeWindow:         time.Second,
	}
}

func newTestGate(t *testing.T, limits Limits) (*Gate, *memStore, *fakeClock) {
	t.Helper()
	store := newMemStore()
	clock := newFakeClock()
	gate, err := NewGate(limits, store, WithClock(clock.Now), WithLocation(time.UTC))
	require.NoError(t, err)
	return gate, store, clock
}

func record(t *testing.T, g *Gate, symbol string, side Side, qty, price float64) {
	t.Helper()
	_, err := g.Record(context.Background(), symbol, side, qty, price, fmt.Sprintf("ord-%d", time.Now().UnixNano()), nil)
	require.NoError(t, err)
}

func TestNewGateValidation(t *testing.T) {
	bad := DefaultLimits()
	bad.CooldownDuration = -time.Minute

	_, err := NewGate(bad, newMemStore())
	require.Error(t, err)
	assert.True(t, coreerrors.IsConfiguration(err))

	_, err = NewGate(DefaultLimits(), nil)
	require.Error(t, err)
	assert.True(t, coreerrors.IsConfiguration(err))
}

func TestLimitsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Limits)
	}{
		{"negative cooldown", func(l *Limits) { l.CooldownDuration = -1 }},
		{"zero max position", func(l *Limits) { l.MaxPositionValue = 0 }},
		{"NaN max position", func(l *Limits) { l.MaxPositionValue = math.NaN() }},
		{"zero daily", func(l *Limits) { l.MaxDailyTrades = 0 }},
		{"zero hourly", func(l *Limits) { l.MaxTradesPerHour = 0 }},
		{"rapid threshold too low", func(l *Limits) { l.RapidTradeCountThreshold = 1 }},
		{"rapid threshold above history", func(l *Limits) { l.RapidTradeCountThreshold = HistoryLimit + 1 }},
		{"zero rapid window", func(l *Limits) { l.RapidTradeWindow = 0 }},
	}

	require.NoError(t, DefaultLimits().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := DefaultLimits()
			tt.mutate(&l)
			assert.Error(t, l.Validate())
		})
	}
}

func TestAdmitCooldown(t *testing.T) {
	gate, _, clock := newTestGate(t, DefaultLimits())

	assert.Equal(t, ReasonApproved, gate.Admit("AAPL", 1000).Reason)
	record(t, gate, "AAPL", SideBuy, 10, 100)

	clock.Advance(2 * time.Minute)
	d := gate.Admit("AAPL", 1)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonCooldown, d.Reason)
	assert.Contains(t, d.Detail, "3.0 minutes remaining")

	// a sell is blocked just the same
	assert.Equal(t, ReasonCooldown, gate.Admit("AAPL", -500).Reason)

	// other symbols are independent
	assert.True(t, gate.Admit("MSFT", 1000).Allowed)

	clock.Advance(3 * time.Minute)
	assert.True(t, gate.Admit("AAPL", 1000).Allowed)
}

func TestAdmitPositionLimit(t *testing.T) {
	limits := permissiveLimits()
	limits.MaxPositionValue = 10000
	gate, _, _ := newTestGate(t, limits)

	record(t, gate, "AAPL", SideBuy, 80, 100)

	d := gate.Admit("AAPL", 3000)
	assert.Equal(t, ReasonPositionLimit, d.Reason)
	assert.Contains(t, d.Detail, "11000.00")

	assert.True(t, gate.Admit("AAPL", 2000).Allowed, "exactly at the cap is allowed")
	assert.True(t, gate.Admit("AAPL", -3000).Allowed, "reducing trade passes the cap")
	assert.Equal(t, ReasonPositionLimit, gate.Admit("AAPL", -19000).Reason, "short side is capped too")
}

func TestAdmitDailyLimitAndReset(t *testing.T) {
	limits := permissiveLimits()
	limits.MaxDailyTrades = 2
	gate, store, clock := newTestGate(t, limits)

	record(t, gate, "SPY", SideBuy, 1, 400)
	clock.Advance(time.Minute)
	record(t, gate, "SPY", SideBuy, 1, 400)
	clock.Advance(time.Minute)

	assert.Equal(t, ReasonDailyLimit, gate.Admit("SPY", 400).Reason)

	require.NoError(t, gate.ResetDailyCounters(context.Background()))
	assert.True(t, gate.Admit("SPY", 400).Allowed)
	assert.Equal(t, 0, store.states["SPY"].DailyTradeCount)
}

func TestAdmitHourlyLimit(t *testing.T) {
	limits := permissiveLimits()
	limits.MaxTradesPerHour = 2
	gate, _, clock := newTestGate(t, limits)

	record(t, gate, "QQQ", SideBuy, 1, 300)
	clock.Advance(20 * time.Minute)
	record(t, gate, "QQQ", SideBuy, 1, 300)
	clock.Advance(20 * time.Minute)

	assert.Equal(t, ReasonHourlyLimit, gate.Admit("QQQ", 300).Reason)

	clock.Advance(21 * time.Minute)
	assert.True(t, gate.Admit("QQQ", 300).Allowed, "first trade left the hourly window")
}

func TestAdmitBurstPattern(t *testing.T) {
	gate, _, clock := newTestGate(t, DefaultLimits())

	for i := 0; i < 3; i++ {
		record(t, gate, "TSLA", SideBuy, 1, 200)
		clock.Advance(time.Minute)
	}
	// past cooldown, still inside the 10 minute window
	clock.Advance(5 * time.Minute)

	d := gate.Admit("TSLA", 1)
	assert.Equal(t, ReasonRapidPattern, d.Reason)

	clock.Advance(10 * time.Minute)
	assert.True(t, gate.Admit("TSLA", 1).Allowed)
}

func TestAdmitAlternationPattern(t *testing.T) {
	gate, _, clock := newTestGate(t, DefaultLimits())

	for _, side := range []Side{SideBuy, SideSell, SideBuy, SideSell} {
		record(t, gate, "NVDA", side, 1, 500)
		clock.Advance(2 * time.Hour)
	}

	d := gate.Admit("NVDA", 500)
	assert.Equal(t, ReasonRapidPattern, d.Reason)
	assert.Contains(t, d.Detail, "alternate")
}

func TestAdmitNoAlternationWithRepeatedSide(t *testing.T) {
	gate, _, clock := newTestGate(t, DefaultLimits())

	for _, side := range []Side{SideBuy, SideSell, SideSell, SideBuy} {
		record(t, gate, "NVDA", side, 1, 500)
		clock.Advance(2 * time.Hour)
	}

	assert.True(t, gate.Admit("NVDA", 500).Allowed)
}

func TestAdmitIsIdempotent(t *testing.T) {
	gate, store, clock := newTestGate(t, DefaultLimits())
	record(t, gate, "AAPL", SideBuy, 10, 100)
	clock.Advance(time.Minute)

	saves := store.saves
	before := gate.Status("AAPL")
	first := gate.Admit("AAPL", 100)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, gate.Admit("AAPL", 100))
	}
	assert.Equal(t, before, gate.Status("AAPL"))
	assert.Equal(t, saves, store.saves)
}

func TestAdmitInvalidInput(t *testing.T) {
	gate, _, _ := newTestGate(t, DefaultLimits())

	tests := []struct {
		name   string
		symbol string
		value  float64
	}{
		{"empty symbol", "", 100},
		{"padded symbol", " AAPL", 100},
		{"NaN value", "AAPL", math.NaN()},
		{"infinite value", "AAPL", math.Inf(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := gate.Admit(tt.symbol, tt.value)
			assert.False(t, d.Allowed)
			assert.Equal(t, ReasonInvalidInput, d.Reason)
		})
	}
}

func TestRecordUpdatesState(t *testing.T) {
	gate, store, clock := newTestGate(t, permissiveLimits())

	rec, err := gate.Record(context.Background(), "BTC/USD", SideBuy, 0.5, 60000, "ord-1", map[string]string{"module": "crypto"})
	require.NoError(t, err)
	assert.True(t, rec.Value.Equal(decimal.NewFromInt(30000)))
	assert.Equal(t, clock.Now(), rec.Timestamp)

	clock.Advance(time.Minute)
	rec, err = gate.Record(context.Background(), "BTC/USD", SideSell, 0.2, 61000, "ord-2", nil)
	require.NoError(t, err)
	assert.True(t, rec.Value.Equal(decimal.NewFromInt(-12200)))

	status := gate.Status("BTC/USD")
	assert.InDelta(t, 17800, status.PositionValue, 1e-9)
	assert.Equal(t, 2, status.DailyTradeCount)
	assert.Equal(t, 2, status.HistoryLength)

	persisted := store.states["BTC/USD"]
	assert.True(t, persisted.PositionValue.Equal(decimal.NewFromInt(17800)))
	assert.Equal(t, "crypto", persisted.History[0].Metadata["module"])
}

func TestRecordTrimsHistory(t *testing.T) {
	gate, store, clock := newTestGate(t, permissiveLimits())

	for i := 0; i < HistoryLimit+10; i++ {
		record(t, gate, "AMD", SideBuy, 1, 10)
		clock.Advance(time.Second)
	}

	status := gate.Status("AMD")
	assert.Equal(t, HistoryLimit, status.HistoryLength)
	assert.Equal(t, HistoryLimit+10, status.DailyTradeCount)
	assert.InDelta(t, float64((HistoryLimit+10)*10), status.PositionValue, 1e-9)
	assert.Len(t, store.states["AMD"].History, HistoryLimit)
}

func TestRecordInvalidInputLeavesStateUntouched(t *testing.T) {
	gate, store, _ := newTestGate(t, DefaultLimits())

	tests := []struct {
		name    string
		side    Side
		qty     float64
		price   float64
		orderID string
	}{
		{"zero price", SideBuy, 1, 0, "o"},
		{"negative quantity", SideBuy, -1, 10, "o"},
		{"NaN price", SideBuy, 1, math.NaN(), "o"},
		{"unknown side", Side("hold"), 1, 10, "o"},
		{"empty order id", SideSell, 1, 10, " "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := gate.Record(context.Background(), "AAPL", tt.side, tt.qty, tt.price, tt.orderID, nil)
			require.Error(t, err)
			assert.True(t, coreerrors.IsInvalidInput(err))
		})
	}

	assert.Equal(t, 0, gate.Status("AAPL").HistoryLength)
	assert.True(t, gate.Admit("AAPL", 100).Allowed)
	assert.Zero(t, store.saves)
}

func TestRecordPersistenceFailureKeepsMemoryConservative(t *testing.T) {
	store := newMemStore()
	store.saveErr = errors.New("disk full")
	clock := newFakeClock()
	notifier := &countingNotifier{}

	gate, err := NewGate(DefaultLimits(), store, WithClock(clock.Now), WithNotifier(notifier))
	require.NoError(t, err)

	rec, err := gate.Record(context.Background(), "AAPL", SideBuy, 10, 100, "ord-1", nil)
	require.Error(t, err)
	assert.True(t, coreerrors.IsPersistence(err))
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, "ord-1", rec.OrderID)

	status := gate.Status("AAPL")
	assert.Equal(t, 1, status.DailyTradeCount)
	assert.InDelta(t, 1000, status.PositionValue, 1e-9)
	assert.Equal(t, ReasonCooldown, gate.Admit("AAPL", 100).Reason)

	require.Len(t, notifier.messages, 1)
	assert.Contains(t, notifier.messages[0], "NOT persisted")
}

type slowStore struct {
	*memStore
}

func (s slowStore) SaveSymbolState(ctx context.Context, state SymbolState) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRecordPersistTimeoutIsPersistenceFailure(t *testing.T) {
	gate, err := NewGate(DefaultLimits(), slowStore{newMemStore()}, WithPersistTimeout(20*time.Millisecond))
	require.NoError(t, err)

	_, err = gate.Record(context.Background(), "AAPL", SideBuy, 1, 100, "ord-1", nil)
	require.Error(t, err)
	assert.True(t, coreerrors.IsPersistence(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, gate.Status("AAPL").DailyTradeCount)
}

func TestRehydrate(t *testing.T) {
	gate, store, clock := newTestGate(t, DefaultLimits())

	yesterday := clock.Now().Add(-24 * time.Hour)
	history := make([]TradeRecord, HistoryLimit+5)
	for i := range history {
		history[i] = TradeRecord{Symbol: "AAPL", Side: SideBuy, Quantity: 1, Price: 100,
			Value: decimal.NewFromInt(100), Timestamp: yesterday.Add(time.Duration(i) * time.Second), OrderID: fmt.Sprint(i)}
	}
	store.states["AAPL"] = SymbolState{
		Symbol:          "AAPL",
		History:         history,
		PositionValue:   decimal.NewFromInt(5500),
		DailyTradeCount: 7,
		LastTradeTime:   history[len(history)-1].Timestamp,
	}
	store.states["MSFT"] = SymbolState{
		PositionValue:   decimal.NewFromInt(-200),
		DailyTradeCount: 3,
		LastTradeTime:   clock.Now().Add(-time.Hour),
	}

	require.NoError(t, gate.Rehydrate(context.Background()))

	aapl := gate.Status("AAPL")
	assert.Equal(t, HistoryLimit, aapl.HistoryLength)
	assert.Equal(t, 0, aapl.DailyTradeCount, "counts from an earlier day are cleared")
	assert.InDelta(t, 5500, aapl.PositionValue, 1e-9)

	msft := gate.Status("MSFT")
	assert.Equal(t, 3, msft.DailyTradeCount)
	assert.InDelta(t, -200, msft.PositionValue, 1e-9)

	statuses := gate.StatusAll()
	require.Len(t, statuses, 2)
	assert.Equal(t, "AAPL", statuses[0].Symbol)
	assert.Equal(t, "MSFT", statuses[1].Symbol)
}

func TestRehydrateFailure(t *testing.T) {
	gate, store, _ := newTestGate(t, DefaultLimits())
	store.loadErr = errors.New("connection refused")

	err := gate.Rehydrate(context.Background())
	require.Error(t, err)
	assert.True(t, coreerrors.IsPersistence(err))
}

func TestStatusReportsCooldown(t *testing.T) {
	gate, _, clock := newTestGate(t, DefaultLimits())
	record(t, gate, "AAPL", SideBuy, 1, 100)
	clock.Advance(time.Minute)

	status := gate.Status("AAPL")
	assert.Equal(t, 4*time.Minute, status.CooldownRemaining)
	assert.Equal(t, ReasonCooldown, status.NextDecision.Reason)
	assert.Equal(t, 1, status.HourlyTradeCount)
	assert.Equal(t, 1, status.RecentTradeCount)

	unknown := gate.Status("ZZZ")
	assert.True(t, unknown.NextDecision.Allowed)
	assert.Zero(t, unknown.HistoryLength)
}

func TestExecuteRecordsActualFill(t *testing.T) {
	gate, _, _ := newTestGate(t, DefaultLimits())

	d, rec, err := gate.Execute(context.Background(), "AAPL", 1000, func(ctx context.Context) (Fill, error) {
		return Fill{Side: SideBuy, Quantity: 4, Price: 101.5, OrderID: "ord-1"}, nil
	})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	require.NotNil(t, rec)
	assert.InDelta(t, 406, rec.Value.InexactFloat64(), 1e-9)
	assert.InDelta(t, 406, gate.Status("AAPL").PositionValue, 1e-9)
}

func TestExecuteDeniedDoesNotFill(t *testing.T) {
	gate, _, _ := newTestGate(t, DefaultLimits())
	record(t, gate, "AAPL", SideBuy, 1, 100)

	called := false
	d, rec, err := gate.Execute(context.Background(), "AAPL", 100, func(ctx context.Context) (Fill, error) {
		called = true
		return Fill{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, ReasonCooldown, d.Reason)
	assert.Nil(t, rec)
	assert.False(t, called)
}

func TestExecuteZeroFillAndFillError(t *testing.T) {
	gate, _, _ := newTestGate(t, DefaultLimits())

	_, rec, err := gate.Execute(context.Background(), "AAPL", 100, func(ctx context.Context) (Fill, error) {
		return Fill{Side: SideBuy, OrderID: "ord-1"}, nil
	})
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Zero(t, gate.Status("AAPL").HistoryLength)

	brokerErr := errors.New("order rejected")
	_, rec, err = gate.Execute(context.Background(), "AAPL", 100, func(ctx context.Context) (Fill, error) {
		return Fill{}, brokerErr
	})
	assert.ErrorIs(t, err, brokerErr)
	assert.Nil(t, rec)
	assert.True(t, gate.Admit("AAPL", 100).Allowed)
}

func TestExecuteSerializesSameSymbol(t *testing.T) {
	gate, _, _ := newTestGate(t, DefaultLimits())

	var fills int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := gate.Execute(context.Background(), "AAPL", 100, func(ctx context.Context) (Fill, error) {
				atomic.AddInt32(&fills, 1)
				return Fill{Side: SideBuy, Quantity: 1, Price: 100, OrderID: fmt.Sprintf("ord-%d", i)}, nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), fills, "cooldown admits exactly one of the concurrent candidates")
	assert.Equal(t, 1, gate.Status("AAPL").DailyTradeCount)
}

func TestExecuteDifferentSymbolsInParallel(t *testing.T) {
	gate, _, _ := newTestGate(t, DefaultLimits())

	symbols := []string{"AAPL", "MSFT", "GOOG", "AMZN", "META"}
	var wg sync.WaitGroup
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			d, rec, err := gate.Execute(context.Background(), symbol, 100, func(ctx context.Context) (Fill, error) {
				return Fill{Side: SideBuy, Quantity: 1, Price: 100, OrderID: "ord-" + symbol}, nil
			})
			assert.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.NotNil(t, rec)
		}(symbol)
	}
	wg.Wait()

	assert.Len(t, gate.StatusAll(), len(symbols))
}

func TestPositionCapHoldsAcrossApprovedTrades(t *testing.T) {
	limits := permissiveLimits()
	limits.MaxPositionValue = 10000
	gate, _, clock := newTestGate(t, limits)

	values := []float64{4000, 4000, 4000, -3000, 4000, 2500, -9000, -9000, -4000, 3000}
	for i, v := range values {
		side := SideBuy
		if v < 0 {
			side = SideSell
		}
		_, _, err := gate.Execute(context.Background(), "SPY", v, func(ctx context.Context) (Fill, error) {
			return Fill{Side: side, Quantity: math.Abs(v) / 100, Price: 100, OrderID: fmt.Sprintf("ord-%d", i)}, nil
		})
		require.NoError(t, err)
		clock.Advance(2 * time.Second)

		assert.LessOrEqual(t, math.Abs(gate.Status("SPY").PositionValue), limits.MaxPositionValue+1e-9)
	}
}

func TestExecuteUnresolvedOrderCountsAsAttempt(t *testing.T) {
	gate, store, _ := newTestGate(t, DefaultLimits())

	fills := 0
	unresolved := func(ctx context.Context) (Fill, error) {
		fills++
		return Fill{Side: SideBuy, OrderID: fmt.Sprintf("ord-%d", fills)},
			fmt.Errorf("%w: order still accepted", ErrUnresolvedFill)
	}

	d, rec, err := gate.Execute(context.Background(), "AAPL", 1000, unresolved)
	assert.True(t, d.Allowed)
	assert.ErrorIs(t, err, ErrUnresolvedFill)
	require.NotNil(t, rec)
	assert.Zero(t, rec.Quantity)
	assert.True(t, rec.Value.IsZero())
	assert.Equal(t, "unresolved", rec.Metadata[MetadataFillStatus])

	for i := 0; i < 2; i++ {
		d, rec, err = gate.Execute(context.Background(), "AAPL", 1000, unresolved)
		require.NoError(t, err)
		assert.Equal(t, ReasonCooldown, d.Reason)
		assert.Nil(t, rec)
	}
	assert.Equal(t, 1, fills)

	status := gate.Status("AAPL")
	assert.Equal(t, 1, status.DailyTradeCount)
	assert.Equal(t, 1, status.HistoryLength)
	assert.Zero(t, status.PositionValue)
	assert.False(t, store.states["AAPL"].LastTradeTime.IsZero())
}

func TestExecuteUnresolvedPartialFillMovesPosition(t *testing.T) {
	gate, _, _ := newTestGate(t, DefaultLimits())

	_, rec, err := gate.Execute(context.Background(), "AAPL", 1000, func(ctx context.Context) (Fill, error) {
		return Fill{Side: SideBuy, Quantity: 2, Price: 100, OrderID: "ord-1"}, ErrUnresolvedFill
	})
	assert.ErrorIs(t, err, ErrUnresolvedFill)
	require.NotNil(t, rec)
	assert.InDelta(t, 2, rec.Quantity, 1e-9)
	assert.InDelta(t, 200, gate.Status("AAPL").PositionValue, 1e-9)
}

func TestReconcileLetsOversizedPositionShrink(t *testing.T) {
	gate, store, _ := newTestGate(t, DefaultLimits())

	require.NoError(t, gate.Reconcile(context.Background(), "AAPL", 80000))
	assert.InDelta(t, 80000, gate.Status("AAPL").PositionValue, 1e-9)
	assert.True(t, store.states["AAPL"].PositionValue.Equal(decimal.NewFromInt(80000)))

	assert.True(t, gate.Admit("AAPL", -80000).Allowed)
	assert.True(t, gate.Admit("AAPL", -20000).Allowed)

	d := gate.Admit("AAPL", 1000)
	assert.Equal(t, ReasonPositionLimit, d.Reason)
	d = gate.Admit("AAPL", -200000)
	assert.Equal(t, ReasonPositionLimit, d.Reason)
}

func TestReconcileShortPosition(t *testing.T) {
	gate, _, _ := newTestGate(t, DefaultLimits())

	require.NoError(t, gate.Reconcile(context.Background(), "TSLA", -30000))
	assert.True(t, gate.Admit("TSLA", 30000).Allowed)
	assert.Equal(t, ReasonPositionLimit, gate.Admit("TSLA", -1000).Reason)
}

func TestReconcileInputAndNoop(t *testing.T) {
	gate, store, _ := newTestGate(t, DefaultLimits())

	err := gate.Reconcile(context.Background(), "AAPL", math.NaN())
	assert.True(t, coreerrors.IsInvalidInput(err))

	require.NoError(t, gate.Reconcile(context.Background(), "MSFT", 0))
	assert.Empty(t, gate.StatusAll())
	assert.Zero(t, store.saves)
}

// ctxStore fails writes whose context is already done, like a real driver
type ctxStore struct{ *memStore }

func (s ctxStore) SaveSymbolState(ctx context.Context, state SymbolState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.memStore.SaveSymbolState(ctx, state)
}

func TestRecordPersistsAfterCallerCancels(t *testing.T) {
	store := newMemStore()
	gate, err := NewGate(DefaultLimits(), ctxStore{store})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = gate.Record(ctx, "AAPL", SideBuy, 1, 100, "ord-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, store.saves)
	assert.Len(t, store.states["AAPL"].History, 1)
}
