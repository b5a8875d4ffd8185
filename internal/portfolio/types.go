package portfolio

import (
	"sort"
	"time"
)

// Module is an asset-class grouping of positions
type Module string

const (
	ModuleCrypto  Module = "crypto"
	ModuleStocks  Module = "stocks"
	ModuleOptions Module = "options"
)

// AllModules lists every module in display order
var AllModules = []Module{ModuleStocks, ModuleCrypto, ModuleOptions}

// Valid reports whether m is a known module
func (m Module) Valid() bool {
	switch m {
	case ModuleCrypto, ModuleStocks, ModuleOptions:
		return true
	}
	return false
}

// Position is a live holding as reported by the broker
type Position struct {
	Symbol        string  `json:"symbol"`
	Module        Module  `json:"module"`
	Quantity      float64 `json:"quantity"`
	MarketValue   float64 `json:"market_value"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// PnLFraction returns unrealized P&L relative to the absolute market value
func (p Position) PnLFraction() float64 {
	exposure := abs(p.MarketValue)
	if exposure == 0 {
		return 0
	}
	return p.UnrealizedPnL / exposure
}

// Snapshot is a point-in-time read-only view of the portfolio. It is derived, never persisted as-is.
type Snapshot struct {
	TotalValue           float64            `json:"total_value"`
	Positions            []Position         `json:"positions"`
	ModuleAllocations    map[Module]float64 `json:"module_allocations"`
	SymbolConcentrations map[string]float64 `json:"symbol_concentrations"`
	LargestPositionPct   float64            `json:"largest_position_pct"`
	DiversificationScore float64            `json:"diversification_score"`
	RiskScore            float64            `json:"risk_score"`
	PositionCount        int                `json:"position_count"`
	ActiveModules        int                `json:"active_modules"`
	CreatedAt            time.Time          `json:"created_at"`
}

// ModuleAllocation returns the fraction of total value held in a module
func (s *Snapshot) ModuleAllocation(m Module) float64 {
	return s.ModuleAllocations[m]
}

// HasModule reports whether any position belongs to m
func (s *Snapshot) HasModule(m Module) bool {
	for _, p := range s.Positions {
		if p.Module == m {
			return true
		}
	}
	return false
}

// PositionsInModule returns the module's positions, largest absolute market value first
func (s *Snapshot) PositionsInModule(m Module) []Position {
	var out []Position
	for _, p := range s.Positions {
		if p.Module == m {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return abs(out[i].MarketValue) > abs(out[j].MarketValue)
	})
	return out
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
