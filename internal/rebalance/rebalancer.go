package rebalance

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/BenPomme/alpaca-trading-system/internal/monitoring"
	"github.com/BenPomme/alpaca-trading-system/internal/portfolio"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Rebalancer scores a portfolio snapshot and proposes corrective actions. It never trades itself.
type Rebalancer struct {
	config Config
	caps   CapSource
	audit  AuditLog
	logger zerolog.Logger
	clock  func() time.Time

	mutex   sync.RWMutex
	lastRun *RunReport
}

// NewRebalancer creates a new rebalancer
func NewRebalancer(config Config, caps CapSource, audit AuditLog, logger zerolog.Logger) (*Rebalancer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Rebalancer{
		config: config,
		caps:   caps,
		audit:  audit,
		logger: logger.With().Str("component", "rebalancer").Logger(),
		clock:  time.Now,
	}, nil
}

// Config returns the rebalancer configuration
func (r *Rebalancer) Config() Config {
	return r.config
}

// Analyze returns corrective actions for a snapshot, most urgent first
func (r *Rebalancer) Analyze(snap *portfolio.Snapshot) []Action {
	if snap == nil || snap.TotalValue <= 0 || math.IsNaN(snap.TotalValue) || math.IsInf(snap.TotalValue, 0) {
		r.logger.Warn().Msg("skipping analysis of empty portfolio")
		return nil
	}

	var actions []Action
	actions = append(actions, r.overConcentration(snap)...)
	actions = append(actions, r.poorDiversification(snap)...)
	actions = append(actions, r.largeLosses(snap)...)
	actions = append(actions, r.moduleImbalance(snap, actions)...)
	actions = append(actions, r.diversificationImprovement(snap, actions)...)

	sortByUrgency(actions)

	for _, a := range actions {
		monitoring.RecordRebalanceAction(string(a.ActionType), string(a.Urgency))
	}
	monitoring.UpdatePortfolioScores(snap.DiversificationScore, snap.RiskScore, snap.LargestPositionPct)

	r.mutex.Lock()
	r.lastRun = &RunReport{
		Snapshot:   snap,
		Actions:    append([]Action(nil), actions...),
		AnalyzedAt: r.clock(),
	}
	r.mutex.Unlock()

	r.logger.Info().
		Int("positions", snap.PositionCount).
		Float64("diversification_score", snap.DiversificationScore).
		Float64("risk_score", snap.RiskScore).
		Float64("largest_position_pct", snap.LargestPositionPct).
		Int("actions", len(actions)).
		Msg("portfolio analyzed")

	return actions
}

// ExecuteTop executes at most maxActions of the most urgent actions and audits every attempt.
// A failed audit write is logged and does not stop the remaining actions.
func (r *Rebalancer) ExecuteTop(ctx context.Context, actions []Action, maxActions int, executor Executor) []Outcome {
	if maxActions <= 0 {
		maxActions = r.config.MaxActionsPerRun
	}

	ordered := append([]Action(nil), actions...)
	sortByUrgency(ordered)
	if len(ordered) > maxActions {
		ordered = ordered[:maxActions]
	}

	outcomes := make([]Outcome, 0, len(ordered))
	for _, action := range ordered {
		if ctx.Err() != nil {
			break
		}

		outcome := Outcome{
			ID:     uuid.NewString(),
			Action: action,
		}
		err := executor.ExecuteAction(ctx, action)
		outcome.ExecutedAt = r.clock()
		outcome.Success = err == nil
		if err != nil {
			outcome.Error = err.Error()
			r.logger.Warn().
				Err(err).
				Str("symbol", action.Symbol).
				Str("action", string(action.ActionType)).
				Str("urgency", string(action.Urgency)).
				Msg("rebalance action failed")
		} else {
			r.logger.Info().
				Str("symbol", action.Symbol).
				Str("action", string(action.ActionType)).
				Float64("amount_usd", action.AmountUSD).
				Str("reason", string(action.Reason)).
				Msg("rebalance action executed")
		}

		monitoring.RecordRebalanceOutcome(string(action.ActionType), outcome.Success)
		r.appendAudit(ctx, outcome)
		outcomes = append(outcomes, outcome)
	}

	r.mutex.Lock()
	if r.lastRun == nil {
		r.lastRun = &RunReport{Actions: append([]Action(nil), actions...)}
	}
	r.lastRun.Outcomes = append([]Outcome(nil), outcomes...)
	r.lastRun.ExecutedAt = r.clock()
	r.mutex.Unlock()

	return outcomes
}

// LastRun returns a copy of the most recent run report, or nil before the first analysis
func (r *Rebalancer) LastRun() *RunReport {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if r.lastRun == nil {
		return nil
	}
	report := *r.lastRun
	report.Actions = append([]Action(nil), r.lastRun.Actions...)
	report.Outcomes = append([]Outcome(nil), r.lastRun.Outcomes...)
	return &report
}

func (r *Rebalancer) appendAudit(ctx context.Context, outcome Outcome) {
	if r.audit == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.AuditTimeout)
	defer cancel()

	if err := r.audit.AppendOutcome(ctx, outcome); err != nil {
		monitoring.RecordPersistenceFailure("append_outcome")
		r.logger.Error().
			Err(err).
			Str("alert", "high").
			Str("outcome_id", outcome.ID).
			Str("symbol", outcome.Action.Symbol).
			Msg("failed to write rebalance audit record")
	}
}

// overConcentration reduces every symbol above the concentration threshold
func (r *Rebalancer) overConcentration(snap *portfolio.Snapshot) []Action {
	target := math.Min(r.config.MaxSinglePositionPct, r.config.ConcentrationThreshold*0.8)

	var actions []Action
	for _, p := range byWeight(snap) {
		weight := snap.SymbolConcentrations[p.Symbol]
		if weight <= r.config.ConcentrationThreshold {
			continue
		}
		actions = append(actions, Action{
			Symbol:        p.Symbol,
			Module:        p.Module,
			CurrentWeight: weight,
			TargetWeight:  target,
			ActionType:    ActionReduce,
			AmountUSD:     (weight - target) * snap.TotalValue,
			Reason:        ReasonOverConcentration,
			Urgency:       UrgencyCritical,
			MarketValue:   p.MarketValue,
		})
	}
	return actions
}

// poorDiversification opens positions until the minimum count is reached
func (r *Rebalancer) poorDiversification(snap *portfolio.Snapshot) []Action {
	missing := r.config.MinPositions - snap.PositionCount
	if missing <= 0 {
		return nil
	}

	used := heldSymbols(snap)
	amount := snap.TotalValue * r.config.NewPositionFraction

	var actions []Action
	for i := 0; i < missing; i++ {
		module := r.config.CandidateModules[i%len(r.config.CandidateModules)]
		symbol := r.nextSeed(module, used)
		if symbol == "" {
			continue
		}
		used[symbol] = true
		actions = append(actions, Action{
			Symbol:       symbol,
			Module:       module,
			TargetWeight: r.config.NewPositionFraction,
			ActionType:   ActionOpen,
			AmountUSD:    amount,
			Reason:       ReasonPoorDiversification,
			Urgency:      UrgencyCritical,
		})
	}
	return actions
}

// largeLosses closes positions whose unrealized loss crossed a threshold
func (r *Rebalancer) largeLosses(snap *portfolio.Snapshot) []Action {
	var actions []Action
	for _, p := range byWeight(snap) {
		pnl := p.PnLFraction()

		var urgency Urgency
		switch {
		case pnl <= r.config.HighLossThreshold:
			urgency = UrgencyHigh
		case pnl < r.config.MediumLossThreshold:
			urgency = UrgencyMedium
		default:
			continue
		}

		actions = append(actions, Action{
			Symbol:        p.Symbol,
			Module:        p.Module,
			CurrentWeight: snap.SymbolConcentrations[p.Symbol],
			TargetWeight:  0,
			ActionType:    ActionClose,
			AmountUSD:     math.Abs(p.MarketValue),
			Reason:        ReasonLargeLossPosition,
			Urgency:       urgency,
			MarketValue:   p.MarketValue,
		})
	}

	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Urgency.Rank() < actions[j].Urgency.Rank()
	})
	return actions
}

// moduleImbalance trims the largest positions of modules above their cap. Positions already
// reduced or closed by earlier rules are skipped and their amounts count against the excess.
func (r *Rebalancer) moduleImbalance(snap *portfolio.Snapshot, prior []Action) []Action {
	if r.caps == nil {
		return nil
	}

	acted := make(map[string]float64, len(prior))
	for _, a := range prior {
		if a.ActionType == ActionReduce || a.ActionType == ActionClose {
			acted[a.Symbol] += a.AmountUSD
		}
	}

	minReduction := r.config.MinReductionFraction * snap.TotalValue

	var actions []Action
	for _, module := range sortedModules(snap) {
		limit, ok := r.caps.Cap(module)
		if !ok {
			continue
		}
		allocation := snap.ModuleAllocation(module)
		if allocation <= limit {
			continue
		}

		positions := snap.PositionsInModule(module)
		excess := (allocation - limit) * snap.TotalValue
		for _, p := range positions {
			excess -= acted[p.Symbol]
		}

		for _, p := range positions {
			if excess <= 0 {
				break
			}
			if _, done := acted[p.Symbol]; done {
				continue
			}

			amount := math.Min(math.Abs(p.MarketValue)*r.config.MaxReductionFraction, excess)
			if amount < minReduction {
				continue
			}

			weight := snap.SymbolConcentrations[p.Symbol]
			actions = append(actions, Action{
				Symbol:        p.Symbol,
				Module:        module,
				CurrentWeight: weight,
				TargetWeight:  weight - amount/snap.TotalValue,
				ActionType:    ActionReduce,
				AmountUSD:     amount,
				Reason:        ReasonModuleImbalance,
				Urgency:       UrgencyMedium,
				MarketValue:   p.MarketValue,
			})
			excess -= amount
		}
	}
	return actions
}

// diversificationImprovement seeds one missing candidate module when diversification is middling
func (r *Rebalancer) diversificationImprovement(snap *portfolio.Snapshot, prior []Action) []Action {
	score := snap.DiversificationScore
	if score < r.config.DiversificationLow || score > r.config.DiversificationHigh {
		return nil
	}

	opening := make(map[portfolio.Module]bool)
	for _, a := range prior {
		if a.ActionType == ActionOpen {
			opening[a.Module] = true
		}
	}

	used := heldSymbols(snap)
	for _, module := range r.config.CandidateModules {
		if snap.HasModule(module) || opening[module] {
			continue
		}
		symbol := r.nextSeed(module, used)
		if symbol == "" {
			continue
		}
		return []Action{{
			Symbol:       symbol,
			Module:       module,
			TargetWeight: r.config.NewPositionFraction,
			ActionType:   ActionOpen,
			AmountUSD:    snap.TotalValue * r.config.NewPositionFraction,
			Reason:       ReasonPoorDiversification,
			Urgency:      UrgencyLow,
		}}
	}
	return nil
}

func (r *Rebalancer) nextSeed(module portfolio.Module, used map[string]bool) string {
	for _, symbol := range r.config.SeedSymbols[module] {
		if !used[symbol] {
			return symbol
		}
	}
	return ""
}

func sortByUrgency(actions []Action) {
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Urgency.Rank() < actions[j].Urgency.Rank()
	})
}

// byWeight returns positions ordered by concentration, largest first, ties by symbol
func byWeight(snap *portfolio.Snapshot) []portfolio.Position {
	positions := append([]portfolio.Position(nil), snap.Positions...)
	sort.SliceStable(positions, func(i, j int) bool {
		wi := snap.SymbolConcentrations[positions[i].Symbol]
		wj := snap.SymbolConcentrations[positions[j].Symbol]
		if wi != wj {
			return wi > wj
		}
		return positions[i].Symbol < positions[j].Symbol
	})
	return positions
}

func sortedModules(snap *portfolio.Snapshot) []portfolio.Module {
	modules := make([]portfolio.Module, 0, len(snap.ModuleAllocations))
	for m := range snap.ModuleAllocations {
		modules = append(modules, m)
	}
	sort.Slice(modules, func(i, j int) bool { return modules[i] < modules[j] })
	return modules
}

func heldSymbols(snap *portfolio.Snapshot) map[string]bool {
	used := make(map[string]bool, len(snap.Positions))
	for _, p := range snap.Positions {
		used[p.Symbol] = true
	}
	return used
}
