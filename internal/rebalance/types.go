package rebalance

import (
	"context"
	"time"

	"github.com/BenPomme/alpaca-trading-system/internal/portfolio"
)

// ActionType is the kind of corrective trade
type ActionType string

const (
	ActionReduce   ActionType = "reduce"
	ActionIncrease ActionType = "increase"
	ActionClose    ActionType = "close"
	ActionOpen     ActionType = "open"
)

// Reason explains why an action was proposed
type Reason string

const (
	ReasonOverConcentration       Reason = "over_concentration"
	ReasonPoorDiversification     Reason = "poor_diversification"
	ReasonModuleImbalance         Reason = "module_imbalance"
	ReasonLargeLossPosition       Reason = "large_loss_position"
	ReasonRiskReduction           Reason = "risk_reduction"
	ReasonPerformanceOptimization Reason = "performance_optimization"
)

// Urgency orders actions for execution
type Urgency string

const (
	UrgencyCritical Urgency = "critical"
	UrgencyHigh     Urgency = "high"
	UrgencyMedium   Urgency = "medium"
	UrgencyLow      Urgency = "low"
)

// Rank returns 0 for the most urgent level
func (u Urgency) Rank() int {
	switch u {
	case UrgencyCritical:
		return 0
	case UrgencyHigh:
		return 1
	case UrgencyMedium:
		return 2
	case UrgencyLow:
		return 3
	}
	return 4
}

// Action is a proposed corrective trade. Actions are created fresh each cycle and never retained.
type Action struct {
	Symbol        string           `json:"symbol"`
	Module        portfolio.Module `json:"module"`
	CurrentWeight float64          `json:"current_weight"`
	TargetWeight  float64          `json:"target_weight"`
	ActionType    ActionType       `json:"action_type"`
	AmountUSD     float64          `json:"amount_usd"`
	Reason        Reason           `json:"reason"`
	Urgency       Urgency          `json:"urgency"`
	// MarketValue is the signed value of the existing position, zero for opens
	MarketValue float64 `json:"market_value"`
}

// Outcome is the audit record of one attempted action
type Outcome struct {
	ID         string    `json:"id"`
	Action     Action    `json:"action"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}

// RunReport is the diagnostic view of the last rebalance cycle
type RunReport struct {
	Snapshot   *portfolio.Snapshot `json:"snapshot"`
	Actions    []Action            `json:"actions"`
	Outcomes   []Outcome           `json:"outcomes,omitempty"`
	AnalyzedAt time.Time           `json:"analyzed_at"`
	ExecutedAt time.Time           `json:"executed_at,omitempty"`
}

// Executor routes an action back through sizing and admission
type Executor interface {
	ExecuteAction(ctx context.Context, action Action) error
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, action Action) error

// ExecuteAction implements Executor
func (f ExecutorFunc) ExecuteAction(ctx context.Context, action Action) error {
	return f(ctx, action)
}

// AuditLog is the append-only record of executed actions
type AuditLog interface {
	AppendOutcome(ctx context.Context, outcome Outcome) error
}

// CapSource provides per-module allocation caps
type CapSource interface {
	Cap(module portfolio.Module) (float64, bool)
}
