package allocation

import (
	"fmt"
	"math"
	"sort"

	coreerrors "github.com/BenPomme/alpaca-trading-system/internal/errors"
	"github.com/BenPomme/alpaca-trading-system/internal/monitoring"
	"github.com/BenPomme/alpaca-trading-system/internal/portfolio"
	"github.com/BenPomme/alpaca-trading-system/internal/safety"
	"github.com/rs/zerolog"
)

// capTolerance absorbs float noise when a trade lands exactly on a module cap
const capTolerance = 1e-9

// Config holds sizing fractions and per-module caps, all as fractions of portfolio value
type Config struct {
	RiskPerTradeFraction    float64                      `yaml:"risk_per_trade" json:"risk_per_trade"`
	HardPositionCapFraction float64                      `yaml:"hard_position_cap" json:"hard_position_cap"`
	HighConfidenceFraction  float64                      `yaml:"high_confidence_fraction" json:"high_confidence_fraction"`
	LowConfidenceFraction   float64                      `yaml:"low_confidence_fraction" json:"low_confidence_fraction"`
	ConfidenceThreshold     float64                      `yaml:"confidence_threshold" json:"confidence_threshold"`
	ModuleCaps              map[portfolio.Module]float64 `yaml:"module_caps" json:"module_caps"`
}

// DefaultConfig returns the production sizing defaults
func DefaultConfig() Config {
	return Config{
		RiskPerTradeFraction:    0.015,
		HardPositionCapFraction: 0.05,
		HighConfidenceFraction:  0.02,
		LowConfidenceFraction:   0.01,
		ConfidenceThreshold:     0.7,
		ModuleCaps: map[portfolio.Module]float64{
			portfolio.ModuleCrypto:  0.30,
			portfolio.ModuleStocks:  0.70,
			portfolio.ModuleOptions: 0.20,
		},
	}
}

// Validate rejects fractions outside (0, 1]
func (c Config) Validate() error {
	check := func(name string, v float64) error {
		if math.IsNaN(v) || v <= 0 || v > 1 {
			return coreerrors.NewConfigurationError("allocation", "validate_config",
				fmt.Sprintf("%s must be in (0, 1], got %v", name, v))
		}
		return nil
	}

	fields := []struct {
		name  string
		value float64
	}{
		{"risk per trade", c.RiskPerTradeFraction},
		{"hard position cap", c.HardPositionCapFraction},
		{"high confidence fraction", c.HighConfidenceFraction},
		{"low confidence fraction", c.LowConfidenceFraction},
		{"confidence threshold", c.ConfidenceThreshold},
	}
	for _, f := range fields {
		if err := check(f.name, f.value); err != nil {
			return err
		}
	}

	if len(c.ModuleCaps) == 0 {
		return coreerrors.NewConfigurationError("allocation", "validate_config", "at least one module cap is required")
	}
	for module, moduleCap := range c.ModuleCaps {
		if !module.Valid() {
			return coreerrors.NewConfigurationError("allocation", "validate_config",
				fmt.Sprintf("unknown module %q", module))
		}
		if err := check(fmt.Sprintf("%s cap", module), moduleCap); err != nil {
			return err
		}
	}
	return nil
}

// Candidate is a proposed trade from a strategy module
type Candidate struct {
	Symbol     string           `json:"symbol"`
	Side       safety.Side      `json:"side"`
	Confidence float64          `json:"confidence"`
	Volatility *float64         `json:"volatility,omitempty"`
	Module     portfolio.Module `json:"module"`
}

// Limiter bounds the dollar size of single trades and aggregate module exposure
type Limiter struct {
	config Config
	logger zerolog.Logger
}

// NewLimiter creates a new limiter from validated config
func NewLimiter(config Config, logger zerolog.Logger) (*Limiter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	caps := make(map[portfolio.Module]float64, len(config.ModuleCaps))
	for m, c := range config.ModuleCaps {
		caps[m] = c
	}
	config.ModuleCaps = caps

	return &Limiter{
		config: config,
		logger: logger.With().Str("component", "allocation").Logger(),
	}, nil
}

// Size returns the admissible order value for a candidate. Any missing or non-finite input yields 0.
func (l *Limiter) Size(c Candidate, portfolioValue float64) float64 {
	if !finite(portfolioValue) || portfolioValue <= 0 {
		return 0
	}
	if !finite(c.Confidence) || c.Confidence < 0 || c.Confidence > 1 {
		return 0
	}

	baseFraction := l.config.LowConfidenceFraction
	if c.Confidence > l.config.ConfidenceThreshold {
		baseFraction = l.config.HighConfidenceFraction
	}
	baseSize := portfolioValue * baseFraction

	if c.Volatility != nil {
		vol := *c.Volatility
		if !finite(vol) || vol <= 0 {
			return 0
		}
		baseSize *= clamp(1/vol, 0.5, 1.5)
	}

	maxRisk := portfolioValue * l.config.RiskPerTradeFraction
	hardCap := portfolioValue * l.config.HardPositionCapFraction

	size := math.Min(baseSize, math.Min(maxRisk, hardCap))
	if !finite(size) || size < 0 {
		return 0
	}
	return size
}

// MaxOrderValue is the largest single order the limiter would ever size
func (l *Limiter) MaxOrderValue(portfolioValue float64) float64 {
	if !finite(portfolioValue) || portfolioValue <= 0 {
		return 0
	}
	return math.Min(l.config.RiskPerTradeFraction, l.config.HardPositionCapFraction) * portfolioValue
}

// CheckAllocation denies trades that would push a module past its cap. Trades that shrink
// exposure (non-positive value) are always allowed.
func (l *Limiter) CheckAllocation(module portfolio.Module, proposedValueUsd float64, snap *portfolio.Snapshot) safety.Decision {
	d := l.checkAllocation(module, proposedValueUsd, snap)
	monitoring.RecordAllocationCheck(string(module), string(d.Reason))
	if !d.Allowed {
		l.logger.Info().
			Str("module", string(module)).
			Float64("proposed_value", proposedValueUsd).
			Str("reason", string(d.Reason)).
			Str("detail", d.Detail).
			Msg("allocation denied")
	}
	return d
}

func (l *Limiter) checkAllocation(module portfolio.Module, proposedValueUsd float64, snap *portfolio.Snapshot) safety.Decision {
	if snap == nil || !finite(snap.TotalValue) || snap.TotalValue <= 0 {
		return safety.Deny(safety.ReasonInvalidInput, "portfolio total value unavailable")
	}
	if !finite(proposedValueUsd) {
		return safety.Deny(safety.ReasonInvalidInput, "proposed value for %s is not finite", module)
	}

	moduleCap, ok := l.config.ModuleCaps[module]
	if !ok {
		return safety.Deny(safety.ReasonModuleLimit, "no allocation cap configured for module %q", module)
	}

	if proposedValueUsd <= 0 {
		return safety.Approve()
	}

	current := snap.ModuleAllocation(module)
	projected := (current*snap.TotalValue + proposedValueUsd) / snap.TotalValue
	if projected > moduleCap+capTolerance {
		return safety.Deny(safety.ReasonModuleLimit, "%s allocation would be %.2f%%, cap %.2f%%",
			module, projected*100, moduleCap*100)
	}
	return safety.Approve()
}

// Cap returns the configured cap for a module
func (l *Limiter) Cap(module portfolio.Module) (float64, bool) {
	moduleCap, ok := l.config.ModuleCaps[module]
	return moduleCap, ok
}

// Modules returns the modules with a configured cap, sorted by name
func (l *Limiter) Modules() []portfolio.Module {
	modules := make([]portfolio.Module, 0, len(l.config.ModuleCaps))
	for m := range l.config.ModuleCaps {
		modules = append(modules, m)
	}
	sort.Slice(modules, func(i, j int) bool { return modules[i] < modules[j] })
	return modules
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
