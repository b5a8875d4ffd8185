package portfolio

import (
	"fmt"
	"math"
	"time"

	coreerrors "github.com/BenPomme/alpaca-trading-system/internal/errors"
)

// Scoring constants
const (
	largeLossScoreThreshold = -0.05
	fullyPopulatedCount     = 5
	concentrationRiskScale  = 0.5
)

// BuildSnapshot derives every snapshot field from live positions. When totalValue is not positive
// the sum of absolute market values is used instead.
func BuildSnapshot(totalValue float64, positions []Position) (*Snapshot, error) {
	if math.IsNaN(totalValue) || math.IsInf(totalValue, 0) {
		return nil, coreerrors.NewInvalidInputError("portfolio", "build_snapshot", "total value is not finite")
	}

	snap := &Snapshot{
		Positions:            make([]Position, 0, len(positions)),
		ModuleAllocations:    make(map[Module]float64),
		SymbolConcentrations: make(map[string]float64),
		CreatedAt:            time.Now(),
	}

	gross := 0.0
	for _, p := range positions {
		if p.Symbol == "" {
			return nil, coreerrors.NewInvalidInputError("portfolio", "build_snapshot", "position without symbol")
		}
		if !finite(p.MarketValue) || !finite(p.UnrealizedPnL) || !finite(p.Quantity) {
			return nil, coreerrors.NewInvalidInputError("portfolio", "build_snapshot",
				fmt.Sprintf("position %s has non-finite values", p.Symbol))
		}
		if !p.Module.Valid() {
			p.Module = Classify(p.Symbol, "")
		}
		gross += abs(p.MarketValue)
		snap.Positions = append(snap.Positions, p)
	}

	snap.TotalValue = totalValue
	if snap.TotalValue <= 0 {
		snap.TotalValue = gross
	}
	snap.PositionCount = len(snap.Positions)

	if snap.TotalValue > 0 {
		for _, p := range snap.Positions {
			weight := abs(p.MarketValue) / snap.TotalValue
			snap.SymbolConcentrations[p.Symbol] += weight
			snap.ModuleAllocations[p.Module] += weight
		}
	}

	for _, c := range snap.SymbolConcentrations {
		if c > snap.LargestPositionPct {
			snap.LargestPositionPct = c
		}
	}
	for _, alloc := range snap.ModuleAllocations {
		if alloc > 0 {
			snap.ActiveModules++
		}
	}

	snap.DiversificationScore = DiversificationScore(snap.PositionCount, snap.LargestPositionPct, snap.ActiveModules)
	snap.RiskScore = RiskScore(snap.Positions, snap.LargestPositionPct)

	return snap, nil
}

// DiversificationScore rewards more positions, lower concentration and broader module coverage
func DiversificationScore(positionCount int, maxConcentration float64, activeModules int) float64 {
	countScore := math.Min(0.4, float64(positionCount)/10)
	concentrationScore := 0.3 * (1 - maxConcentration)
	moduleScore := math.Min(0.3, float64(activeModules)/3*0.3)
	return clamp01(countScore + concentrationScore + moduleScore)
}

// RiskScore is the mean of concentration, under-population and large-loss risk
func RiskScore(positions []Position, maxConcentration float64) float64 {
	concentrationRisk := math.Min(1, maxConcentration/concentrationRiskScale)
	populationRisk := math.Max(0, float64(fullyPopulatedCount-len(positions))/fullyPopulatedCount)

	lossRisk := 0.0
	if len(positions) > 0 {
		losing := 0
		for _, p := range positions {
			if p.PnLFraction() < largeLossScoreThreshold {
				losing++
			}
		}
		lossRisk = float64(losing) / float64(len(positions))
	}

	return clamp01((concentrationRisk + populationRisk + lossRisk) / 3)
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
