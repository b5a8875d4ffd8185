package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "github.com/BenPomme/alpaca-trading-system/internal/errors"
	"github.com/BenPomme/alpaca-trading-system/internal/rebalance"
	"github.com/BenPomme/alpaca-trading-system/internal/safety"
)

type failingStore struct {
	calls int32
	err   error
}

func (f *failingStore) SaveSymbolState(ctx context.Context, state safety.SymbolState) error {
	atomic.AddInt32(&f.calls, 1)
	return f.err
}

func (f *failingStore) LoadSymbolStates(ctx context.Context) (map[string]safety.SymbolState, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return map[string]safety.SymbolState{"AAPL": {Symbol: "AAPL", DailyTradeCount: 2}}, nil
}

func (f *failingStore) AppendOutcome(ctx context.Context, outcome rebalance.Outcome) error {
	atomic.AddInt32(&f.calls, 1)
	return f.err
}

func (f *failingStore) ListOutcomes(ctx context.Context, limit int) ([]rebalance.Outcome, error) {
	atomic.AddInt32(&f.calls, 1)
	return nil, f.err
}

func (f *failingStore) Close() error { return nil }

func TestBreakerPassesThrough(t *testing.T) {
	inner := &failingStore{}
	b := NewBreaker(inner, BreakerConfig{}, zerolog.Nop())

	require.NoError(t, b.SaveSymbolState(context.Background(), safety.SymbolState{Symbol: "AAPL"}))

	states, err := b.LoadSymbolStates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, states["AAPL"].DailyTradeCount)
	assert.Equal(t, "closed", b.State())
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	boom := errors.New("disk full")
	inner := &failingStore{err: boom}
	b := NewBreaker(inner, BreakerConfig{ConsecutiveFailures: 3, Timeout: time.Minute}, zerolog.Nop())

	for i := 0; i < 3; i++ {
		err := b.SaveSymbolState(context.Background(), safety.SymbolState{Symbol: "AAPL"})
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, "open", b.State())

	err := b.AppendOutcome(context.Background(), rebalance.Outcome{ID: "x"})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, int32(3), atomic.LoadInt32(&inner.calls), "open breaker must not reach the store")
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "mongo"}, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, coreerrors.IsConfiguration(err))
}

func TestOpenRequiresConnectionDetails(t *testing.T) {
	_, err := Open(Config{Driver: DriverPostgres}, zerolog.Nop())
	assert.True(t, coreerrors.IsConfiguration(err))

	_, err = Open(Config{Driver: DriverRedis}, zerolog.Nop())
	assert.True(t, coreerrors.IsConfiguration(err))
}

func TestOpenFileDriver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Open(Config{Driver: DriverFile, Path: path}, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SaveSymbolState(context.Background(), safety.SymbolState{Symbol: "SPY", DailyTradeCount: 1}))
	states, err := s.LoadSymbolStates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, states["SPY"].DailyTradeCount)
}

func TestValidDriver(t *testing.T) {
	for _, d := range []string{"file", "sqlite", "postgres", "redis", "SQLite"} {
		assert.True(t, ValidDriver(d), d)
	}
	assert.False(t, ValidDriver("mongo"))
	assert.False(t, ValidDriver(""))
}
