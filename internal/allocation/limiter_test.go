package allocation

import (
	"math"
	"testing"

	coreerrors "github.com/BenPomme/alpaca-trading-system/internal/errors"
	"github.com/BenPomme/alpaca-trading-system/internal/portfolio"
	"github.com/BenPomme/alpaca-trading-system/internal/safety"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	l, err := NewLimiter(DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	return l
}

func vol(v float64) *float64 { return &v }

func TestSize(t *testing.T) {
	l := newTestLimiter(t)

	tests := []struct {
		name       string
		candidate  Candidate
		portfolio  float64
		wantSizeUS float64
	}{
		{"risk cap binds on high confidence", Candidate{Symbol: "AAPL", Confidence: 0.8}, 1_000_000, 15000},
		{"low confidence", Candidate{Symbol: "AAPL", Confidence: 0.7}, 1_000_000, 10000},
		{"low volatility boosts up to risk cap", Candidate{Symbol: "AAPL", Confidence: 0.5, Volatility: vol(0.5)}, 1_000_000, 15000},
		{"high volatility shrinks", Candidate{Symbol: "AAPL", Confidence: 0.5, Volatility: vol(4)}, 1_000_000, 5000},
		{"moderate volatility", Candidate{Symbol: "AAPL", Confidence: 0.5, Volatility: vol(1.25)}, 1_000_000, 8000},
		{"zero portfolio", Candidate{Symbol: "AAPL", Confidence: 0.8}, 0, 0},
		{"negative portfolio", Candidate{Symbol: "AAPL", Confidence: 0.8}, -10, 0},
		{"NaN portfolio", Candidate{Symbol: "AAPL", Confidence: 0.8}, math.NaN(), 0},
		{"NaN confidence", Candidate{Symbol: "AAPL", Confidence: math.NaN()}, 1_000_000, 0},
		{"confidence above one", Candidate{Symbol: "AAPL", Confidence: 1.2}, 1_000_000, 0},
		{"zero volatility", Candidate{Symbol: "AAPL", Confidence: 0.8, Volatility: vol(0)}, 1_000_000, 0},
		{"infinite volatility", Candidate{Symbol: "AAPL", Confidence: 0.8, Volatility: vol(math.Inf(1))}, 1_000_000, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.wantSizeUS, l.Size(tt.candidate, tt.portfolio), 1e-6)
		})
	}
}

func TestSizeNeverExceedsHardCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RiskPerTradeFraction = 0.5
	cfg.HighConfidenceFraction = 0.4
	l, err := NewLimiter(cfg, zerolog.Nop())
	require.NoError(t, err)

	assert.InDelta(t, 5000, l.Size(Candidate{Symbol: "X", Confidence: 0.9}, 100000), 1e-9)
	assert.InDelta(t, 5000, l.MaxOrderValue(100000), 1e-9)
}

func TestMaxOrderValue(t *testing.T) {
	l := newTestLimiter(t)
	assert.InDelta(t, 15000, l.MaxOrderValue(1_000_000), 1e-9)
	assert.Zero(t, l.MaxOrderValue(0))
	assert.Zero(t, l.MaxOrderValue(math.Inf(1)))
}

func snapshotWith(total float64, allocations map[portfolio.Module]float64) *portfolio.Snapshot {
	return &portfolio.Snapshot{TotalValue: total, ModuleAllocations: allocations}
}

func TestCheckAllocationModuleCap(t *testing.T) {
	l := newTestLimiter(t)
	snap := snapshotWith(1_000_000, map[portfolio.Module]float64{portfolio.ModuleCrypto: 0.28})

	d := l.CheckAllocation(portfolio.ModuleCrypto, 30000, snap)
	assert.False(t, d.Allowed)
	assert.Equal(t, safety.ReasonModuleLimit, d.Reason)
	assert.Contains(t, d.Detail, "31.00%")

	assert.True(t, l.CheckAllocation(portfolio.ModuleCrypto, 20000, snap).Allowed, "landing on the cap is allowed")
	assert.True(t, l.CheckAllocation(portfolio.ModuleCrypto, -50000, snap).Allowed, "reductions always pass")
}

func TestCheckAllocationNewModuleUpToCap(t *testing.T) {
	l := newTestLimiter(t)
	snap := snapshotWith(100000, map[portfolio.Module]float64{})

	assert.True(t, l.CheckAllocation(portfolio.ModuleOptions, 20000, snap).Allowed)
	assert.Equal(t, safety.ReasonModuleLimit, l.CheckAllocation(portfolio.ModuleOptions, 20001, snap).Reason)
}

func TestCheckAllocationFailsClosed(t *testing.T) {
	cfg := DefaultConfig()
	delete(cfg.ModuleCaps, portfolio.ModuleOptions)
	l, err := NewLimiter(cfg, zerolog.Nop())
	require.NoError(t, err)

	snap := snapshotWith(100000, nil)
	assert.Equal(t, safety.ReasonModuleLimit, l.CheckAllocation(portfolio.ModuleOptions, 1, snap).Reason)

	assert.Equal(t, safety.ReasonInvalidInput, l.CheckAllocation(portfolio.ModuleStocks, 1, nil).Reason)
	assert.Equal(t, safety.ReasonInvalidInput, l.CheckAllocation(portfolio.ModuleStocks, 1, snapshotWith(0, nil)).Reason)
	assert.Equal(t, safety.ReasonInvalidInput, l.CheckAllocation(portfolio.ModuleStocks, math.NaN(), snap).Reason)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero risk", func(c *Config) { c.RiskPerTradeFraction = 0 }},
		{"hard cap above one", func(c *Config) { c.HardPositionCapFraction = 1.5 }},
		{"NaN threshold", func(c *Config) { c.ConfidenceThreshold = math.NaN() }},
		{"no caps", func(c *Config) { c.ModuleCaps = nil }},
		{"negative cap", func(c *Config) { c.ModuleCaps[portfolio.ModuleCrypto] = -0.1 }},
		{"unknown module", func(c *Config) { c.ModuleCaps["forex"] = 0.1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, coreerrors.IsConfiguration(err))
		})
	}
}

func TestModulesSorted(t *testing.T) {
	l := newTestLimiter(t)
	assert.Equal(t, []portfolio.Module{portfolio.ModuleCrypto, portfolio.ModuleOptions, portfolio.ModuleStocks}, l.Modules())

	moduleCap, ok := l.Cap(portfolio.ModuleStocks)
	assert.True(t, ok)
	assert.Equal(t, 0.70, moduleCap)
}
