package portfolio

import (
	"math"
	"testing"

	coreerrors "github.com/BenPomme/alpaca-trading-system/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSnapshotSingleConcentratedPosition(t *testing.T) {
	snap, err := BuildSnapshot(100000, []Position{
		{Symbol: "AAPL", Module: ModuleStocks, MarketValue: 90000},
	})
	require.NoError(t, err)

	assert.InDelta(t, 0.9, snap.LargestPositionPct, 1e-9)
	assert.InDelta(t, 0.9, snap.ModuleAllocation(ModuleStocks), 1e-9)
	assert.Equal(t, 1, snap.PositionCount)
	assert.Equal(t, 1, snap.ActiveModules)
	// 0.1 + 0.3*0.1 + 0.1
	assert.InDelta(t, 0.23, snap.DiversificationScore, 1e-9)
	assert.Less(t, snap.DiversificationScore, 0.3)
	// mean(1, 0.8, 0)
	assert.InDelta(t, 0.6, snap.RiskScore, 1e-9)
}

func TestBuildSnapshotMixedModules(t *testing.T) {
	snap, err := BuildSnapshot(200000, []Position{
		{Symbol: "AAPL", MarketValue: 40000, UnrealizedPnL: 1000},
		{Symbol: "MSFT", MarketValue: 30000, UnrealizedPnL: -3000},
		{Symbol: "BTC/USD", MarketValue: 50000},
		{Symbol: "SPY240119P00400000", MarketValue: -10000},
	})
	require.NoError(t, err)

	assert.Equal(t, 4, snap.PositionCount)
	assert.Equal(t, 3, snap.ActiveModules)
	assert.InDelta(t, 0.35, snap.ModuleAllocation(ModuleStocks), 1e-9)
	assert.InDelta(t, 0.25, snap.ModuleAllocation(ModuleCrypto), 1e-9)
	assert.InDelta(t, 0.05, snap.ModuleAllocation(ModuleOptions), 1e-9)
	assert.InDelta(t, 0.25, snap.LargestPositionPct, 1e-9)

	// 0.4 + 0.3*0.75 + 0.3
	assert.InDelta(t, 0.925, snap.DiversificationScore, 1e-9)
	// mean(0.5, 0.2, 1/4)
	assert.InDelta(t, (0.5+0.2+0.25)/3, snap.RiskScore, 1e-9)

	stocks := snap.PositionsInModule(ModuleStocks)
	require.Len(t, stocks, 2)
	assert.Equal(t, "AAPL", stocks[0].Symbol)
	assert.True(t, snap.HasModule(ModuleOptions))
}

func TestBuildSnapshotFallsBackToGrossValue(t *testing.T) {
	snap, err := BuildSnapshot(0, []Position{
		{Symbol: "AAPL", MarketValue: 3000},
		{Symbol: "TSLA", MarketValue: -1000},
	})
	require.NoError(t, err)
	assert.InDelta(t, 4000, snap.TotalValue, 1e-9)
	assert.InDelta(t, 0.75, snap.SymbolConcentrations["AAPL"], 1e-9)
}

func TestBuildSnapshotEmpty(t *testing.T) {
	snap, err := BuildSnapshot(0, nil)
	require.NoError(t, err)
	assert.Zero(t, snap.TotalValue)
	assert.Zero(t, snap.PositionCount)
	assert.InDelta(t, 0.3, snap.DiversificationScore, 1e-9)
	// mean(0, 1, 0)
	assert.InDelta(t, 1.0/3, snap.RiskScore, 1e-9)
}

func TestBuildSnapshotRejectsBadInput(t *testing.T) {
	_, err := BuildSnapshot(math.NaN(), nil)
	assert.True(t, coreerrors.IsInvalidInput(err))

	_, err = BuildSnapshot(1000, []Position{{Symbol: "AAPL", MarketValue: math.Inf(1)}})
	assert.True(t, coreerrors.IsInvalidInput(err))

	_, err = BuildSnapshot(1000, []Position{{MarketValue: 10}})
	assert.True(t, coreerrors.IsInvalidInput(err))
}

func TestPnLFraction(t *testing.T) {
	assert.InDelta(t, -0.15, Position{MarketValue: 80000, UnrealizedPnL: -12000}.PnLFraction(), 1e-9)
	assert.InDelta(t, 0.1, Position{MarketValue: -1000, UnrealizedPnL: 100}.PnLFraction(), 1e-9)
	assert.Zero(t, Position{UnrealizedPnL: 100}.PnLFraction())
}
