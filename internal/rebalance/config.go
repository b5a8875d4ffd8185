package rebalance

import (
	"fmt"
	"math"
	"time"

	coreerrors "github.com/BenPomme/alpaca-trading-system/internal/errors"
	"github.com/BenPomme/alpaca-trading-system/internal/portfolio"
)

// Config controls analysis thresholds and execution pacing
type Config struct {
	Interval               time.Duration `yaml:"interval" json:"interval"`
	ConcentrationThreshold float64       `yaml:"concentration_threshold" json:"concentration_threshold"`
	MaxSinglePositionPct   float64       `yaml:"max_single_position_pct" json:"max_single_position_pct"`
	MinPositions           int           `yaml:"min_positions" json:"min_positions"`
	NewPositionFraction    float64       `yaml:"new_position_fraction" json:"new_position_fraction"`
	HighLossThreshold      float64       `yaml:"high_loss_threshold" json:"high_loss_threshold"`
	MediumLossThreshold    float64       `yaml:"medium_loss_threshold" json:"medium_loss_threshold"`
	MaxReductionFraction   float64       `yaml:"max_reduction_fraction" json:"max_reduction_fraction"`
	MinReductionFraction   float64       `yaml:"min_reduction_fraction" json:"min_reduction_fraction"`
	DiversificationLow     float64       `yaml:"diversification_low" json:"diversification_low"`
	DiversificationHigh    float64       `yaml:"diversification_high" json:"diversification_high"`
	MaxActionsPerRun       int           `yaml:"max_actions_per_run" json:"max_actions_per_run"`
	AuditTimeout           time.Duration `yaml:"audit_timeout" json:"audit_timeout"`

	CandidateModules []portfolio.Module            `yaml:"candidate_modules" json:"candidate_modules"`
	SeedSymbols      map[portfolio.Module][]string `yaml:"seed_symbols" json:"seed_symbols"`
}

// DefaultConfig returns the production rebalance defaults
func DefaultConfig() Config {
	return Config{
		Interval:               4 * time.Hour,
		ConcentrationThreshold: 0.25,
		MaxSinglePositionPct:   0.20,
		MinPositions:           3,
		NewPositionFraction:    0.08,
		HighLossThreshold:      -0.15,
		MediumLossThreshold:    -0.10,
		MaxReductionFraction:   0.5,
		MinReductionFraction:   0.02,
		DiversificationLow:     0.4,
		DiversificationHigh:    0.6,
		MaxActionsPerRun:       3,
		AuditTimeout:           5 * time.Second,
		CandidateModules:       []portfolio.Module{portfolio.ModuleStocks, portfolio.ModuleCrypto},
		SeedSymbols: map[portfolio.Module][]string{
			portfolio.ModuleStocks: {"SPY", "QQQ", "IWM", "VTI"},
			portfolio.ModuleCrypto: {"BTC/USD", "ETH/USD", "SOL/USD"},
		},
	}
}

// Validate rejects nonsensical thresholds
func (c Config) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return coreerrors.NewConfigurationError("rebalance", "validate_config", fmt.Sprintf(format, args...))
	}

	if c.Interval <= 0 {
		return fail("interval must be positive, got %v", c.Interval)
	}
	for name, v := range map[string]float64{
		"concentration threshold": c.ConcentrationThreshold,
		"max single position pct": c.MaxSinglePositionPct,
		"new position fraction":   c.NewPositionFraction,
		"max reduction fraction":  c.MaxReductionFraction,
	} {
		if math.IsNaN(v) || v <= 0 || v > 1 {
			return fail("%s must be in (0, 1], got %v", name, v)
		}
	}
	if math.IsNaN(c.MinReductionFraction) || c.MinReductionFraction < 0 || c.MinReductionFraction >= 1 {
		return fail("min reduction fraction must be in [0, 1), got %v", c.MinReductionFraction)
	}
	if !(c.HighLossThreshold < 0 && c.MediumLossThreshold < 0 && c.HighLossThreshold <= c.MediumLossThreshold) {
		return fail("loss thresholds must be negative with high <= medium, got high=%v medium=%v",
			c.HighLossThreshold, c.MediumLossThreshold)
	}
	if c.DiversificationLow < 0 || c.DiversificationHigh > 1 || c.DiversificationLow > c.DiversificationHigh {
		return fail("diversification band [%v, %v] is invalid", c.DiversificationLow, c.DiversificationHigh)
	}
	if c.MinPositions < 0 {
		return fail("min positions cannot be negative, got %d", c.MinPositions)
	}
	if c.MaxActionsPerRun <= 0 {
		return fail("max actions per run must be positive, got %d", c.MaxActionsPerRun)
	}
	if c.AuditTimeout <= 0 {
		return fail("audit timeout must be positive, got %v", c.AuditTimeout)
	}
	if len(c.CandidateModules) == 0 {
		return fail("at least one candidate module is required")
	}
	for _, m := range c.CandidateModules {
		if !m.Valid() {
			return fail("unknown candidate module %q", m)
		}
	}
	return nil
}
