package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/BenPomme/alpaca-trading-system/internal/allocation"
	"github.com/BenPomme/alpaca-trading-system/internal/broker"
	coreerrors "github.com/BenPomme/alpaca-trading-system/internal/errors"
	"github.com/BenPomme/alpaca-trading-system/internal/monitoring"
	"github.com/BenPomme/alpaca-trading-system/internal/notifications"
	"github.com/BenPomme/alpaca-trading-system/internal/portfolio"
	"github.com/BenPomme/alpaca-trading-system/internal/rebalance"
	"github.com/BenPomme/alpaca-trading-system/internal/safety"
)

// DeniedError is returned by ExecuteAction when an admission check refuses the trade
type DeniedError struct {
	Decision safety.Decision
}

func (e *DeniedError) Error() string {
	if e.Decision.Detail == "" {
		return fmt.Sprintf("trade denied: %s", e.Decision.Reason)
	}
	return fmt.Sprintf("trade denied: %s: %s", e.Decision.Reason, e.Decision.Detail)
}

// Result describes what happened to one candidate
type Result struct {
	Symbol     string               `json:"symbol"`
	Module     portfolio.Module     `json:"module"`
	SizedValue float64              `json:"sized_value"`
	Decision   safety.Decision      `json:"decision"`
	Trade      *safety.TradeRecord  `json:"trade,omitempty"`
	Skipped    bool                 `json:"skipped"`
	Candidate  allocation.Candidate `json:"candidate"`
}

// Options configures the coordinator
type Options struct {
	Logger   zerolog.Logger
	Notifier notifications.Notifier
	// Location defines the trading day used for the daily counter reset
	Location *time.Location
	// HaltAfterPersistenceFailures engages the emergency stop after this many consecutive
	// persistence failures on record; 0 disables
	HaltAfterPersistenceFailures int
	Clock                        func() time.Time
}

// Coordinator runs the candidate pipeline and the slower rebalance cycle.
// Pipeline: emergency stop → size → module allocation → gate admit/fill/record.
type Coordinator struct {
	gate       *safety.Gate
	limiter    *allocation.Limiter
	rebalancer *rebalance.Rebalancer
	broker     broker.Broker
	stop       *safety.EmergencyStop

	logger    zerolog.Logger
	notifier  notifications.Notifier
	location  *time.Location
	haltAfter int
	clock     func() time.Time

	mu              sync.Mutex
	persistFailures int
}

// New creates a new coordinator
func New(gate *safety.Gate, limiter *allocation.Limiter, rebalancer *rebalance.Rebalancer, b broker.Broker, stop *safety.EmergencyStop, opts Options) (*Coordinator, error) {
	if gate == nil || limiter == nil || rebalancer == nil || b == nil {
		return nil, coreerrors.NewConfigurationError("orchestrator", "new", "gate, limiter, rebalancer and broker are required")
	}
	if stop == nil {
		stop = safety.NewEmergencyStop()
	}
	if opts.Notifier == nil {
		opts.Notifier = notifications.Nop{}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	c := &Coordinator{
		gate:       gate,
		limiter:    limiter,
		rebalancer: rebalancer,
		broker:     b,
		stop:       stop,
		logger:     opts.Logger.With().Str("component", "orchestrator").Logger(),
		notifier:   opts.Notifier,
		location:   opts.Location,
		haltAfter:  opts.HaltAfterPersistenceFailures,
		clock:      opts.Clock,
	}

	stop.SetStateChangeCallback(func(from, to safety.StopState, reason string) {
		engaged := to == safety.StopEngaged
		monitoring.SetEmergencyStop(engaged)
		if engaged {
			c.logger.Error().Str("alert", "high").Str("reason", reason).Msg("Emergency stop engaged")
			c.alert(notifications.LevelError, fmt.Sprintf("Emergency stop engaged: %s", reason))
		} else {
			c.logger.Warn().Msg("Emergency stop released")
			c.alert(notifications.LevelWarning, "Emergency stop released")
		}
	})

	return c, nil
}

// EmergencyStop returns the stop flag polled before every admission
func (c *Coordinator) EmergencyStop() *safety.EmergencyStop {
	return c.stop
}

// Snapshot builds a portfolio snapshot from live broker data
func (c *Coordinator) Snapshot(ctx context.Context) (*portfolio.Snapshot, error) {
	equity, err := c.broker.Equity(ctx)
	if err != nil {
		return nil, err
	}
	held, err := c.broker.Positions(ctx)
	if err != nil {
		return nil, err
	}

	positions := make([]portfolio.Position, 0, len(held))
	for _, p := range held {
		positions = append(positions, portfolio.Position{
			Symbol:        p.Symbol,
			Module:        portfolio.Classify(p.Symbol, p.AssetClass),
			Quantity:      p.Quantity,
			MarketValue:   p.MarketValue,
			UnrealizedPnL: p.UnrealizedPnL,
		})
	}
	return portfolio.BuildSnapshot(equity, positions)
}

// ProcessCandidate sizes, checks and, if every check passes, executes one strategy candidate.
// Denials are returned in Result.Decision with a nil error.
func (c *Coordinator) ProcessCandidate(ctx context.Context, candidate allocation.Candidate) (Result, error) {
	res := Result{Symbol: candidate.Symbol, Candidate: candidate}

	if engaged, reason := c.stop.Engaged(); engaged {
		res.Skipped = true
		res.Decision = safety.Deny(safety.ReasonEmergencyStop, "%s", reason)
		monitoring.RecordAdmission(string(safety.ReasonEmergencyStop))
		return res, nil
	}

	if !candidate.Side.Valid() {
		res.Decision = safety.Deny(safety.ReasonInvalidInput, "unknown side %q", candidate.Side)
		return res, nil
	}

	res.Module = candidate.Module
	if !res.Module.Valid() {
		res.Module = portfolio.Classify(candidate.Symbol, "")
	}

	snap, err := c.Snapshot(ctx)
	if err != nil {
		return res, err
	}

	res.SizedValue = c.limiter.Size(candidate, snap.TotalValue)
	if res.SizedValue <= 0 {
		res.Decision = safety.Deny(safety.ReasonInvalidInput, "no admissible size for candidate")
		return res, nil
	}

	signed := res.SizedValue
	if candidate.Side == safety.SideSell {
		signed = -signed
	}

	res.Decision = c.limiter.CheckAllocation(res.Module, signed, snap)
	if !res.Decision.Allowed {
		return res, nil
	}

	c.reconcile(ctx, candidate.Symbol, heldValue(snap, candidate.Symbol))

	metadata := map[string]string{
		"source":     "strategy",
		"module":     string(res.Module),
		"confidence": fmt.Sprintf("%.2f", candidate.Confidence),
	}
	decision, rec, err := c.gate.Execute(ctx, candidate.Symbol, signed,
		c.orderFill(candidate.Symbol, candidate.Side, res.SizedValue, metadata))
	res.Decision = decision
	res.Trade = rec
	c.trackPersistence(rec, err)
	return res, err
}

// ExecuteAction executes one rebalance action through the same checks as strategy candidates.
// It satisfies rebalance.Executor.
func (c *Coordinator) ExecuteAction(ctx context.Context, action rebalance.Action) error {
	if engaged, reason := c.stop.Engaged(); engaged {
		return &DeniedError{Decision: safety.Deny(safety.ReasonEmergencyStop, "%s", reason)}
	}

	snap, err := c.Snapshot(ctx)
	if err != nil {
		return err
	}

	module := action.Module
	if !module.Valid() {
		module = portfolio.Classify(action.Symbol, "")
	}
	held := heldValue(snap, action.Symbol)
	c.reconcile(ctx, action.Symbol, held)

	metadata := map[string]string{
		"source":  "rebalance",
		"reason":  string(action.Reason),
		"urgency": string(action.Urgency),
		"module":  string(module),
	}

	var (
		signed float64
		fill   safety.FillFunc
	)

	switch action.ActionType {
	case rebalance.ActionReduce:
		amount := action.AmountUSD
		if amount <= 0 {
			return coreerrors.NewInvalidInputError("orchestrator", "execute_action", "reduce amount must be positive")
		}
		signed = -amount
		fill = c.orderFill(action.Symbol, safety.SideSell, amount, metadata)

	case rebalance.ActionClose:
		// closing a short buys it back, so the signed value follows the holding
		signed = -held
		if held == 0 {
			signed = -action.MarketValue
		}
		fill = c.closeFill(action.Symbol, metadata)

	case rebalance.ActionOpen, rebalance.ActionIncrease:
		amount := math.Min(action.AmountUSD, c.limiter.MaxOrderValue(snap.TotalValue))
		if !(amount > 0) {
			return &DeniedError{Decision: safety.Deny(safety.ReasonInvalidInput, "no admissible size for %s", action.Symbol)}
		}
		signed = amount
		fill = c.orderFill(action.Symbol, safety.SideBuy, amount, metadata)

	default:
		return coreerrors.NewInvalidInputError("orchestrator", "execute_action",
			fmt.Sprintf("unknown action type %q", action.ActionType))
	}

	if d := c.limiter.CheckAllocation(module, signed, snap); !d.Allowed {
		return &DeniedError{Decision: d}
	}

	decision, rec, err := c.gate.Execute(ctx, action.Symbol, signed, fill)
	c.trackPersistence(rec, err)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return &DeniedError{Decision: decision}
	}
	return nil
}

// Analyze builds a live snapshot and returns the rebalance actions without executing them
func (c *Coordinator) Analyze(ctx context.Context) (*portfolio.Snapshot, []rebalance.Action, error) {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return nil, nil, err
	}
	return snap, c.rebalancer.Analyze(snap), nil
}

// RunRebalance analyzes the live portfolio and executes the most urgent actions
func (c *Coordinator) RunRebalance(ctx context.Context) (*rebalance.RunReport, error) {
	_, actions, err := c.Analyze(ctx)
	if err != nil {
		return nil, err
	}
	if len(actions) > 0 {
		c.rebalancer.ExecuteTop(ctx, actions, 0, rebalance.ExecutorFunc(c.ExecuteAction))
	}
	return c.rebalancer.LastRun(), nil
}

// Run is the single coordinating loop. It processes candidates as they arrive, rebalances on
// the configured interval and resets daily counters at midnight in the trading location.
// It returns when ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context, candidates <-chan allocation.Candidate) error {
	ticker := time.NewTicker(c.rebalancer.Config().Interval)
	defer ticker.Stop()

	reset := time.NewTimer(c.untilDailyReset())
	defer reset.Stop()

	c.logger.Info().
		Dur("rebalance_interval", c.rebalancer.Config().Interval).
		Str("location", c.location.String()).
		Msg("Coordinator started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("Coordinator stopped")
			return nil

		case candidate, ok := <-candidates:
			if !ok {
				candidates = nil
				continue
			}
			res, err := c.ProcessCandidate(ctx, candidate)
			if err != nil {
				c.logger.Error().Err(err).Str("symbol", candidate.Symbol).Msg("Candidate failed")
				continue
			}
			c.logger.Debug().
				Str("symbol", res.Symbol).
				Str("reason", string(res.Decision.Reason)).
				Bool("traded", res.Trade != nil).
				Msg("Candidate processed")

		case <-ticker.C:
			if _, err := c.RunRebalance(ctx); err != nil {
				c.logger.Error().Err(err).Msg("Rebalance cycle failed")
			}

		case <-reset.C:
			if err := c.gate.ResetDailyCounters(ctx); err != nil {
				c.logger.Error().Err(err).Msg("Daily counters reset in memory but not fully persisted")
			} else {
				c.logger.Info().Msg("Daily trade counters reset")
			}
			reset.Reset(c.untilDailyReset())
		}
	}
}

// NextDailyReset returns the next local midnight after now in the trading location
func NextDailyReset(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}

func (c *Coordinator) untilDailyReset() time.Duration {
	now := c.clock()
	d := NextDailyReset(now, c.location).Sub(now)
	if d <= 0 {
		d = time.Second
	}
	return d
}

// reconcile aligns the gate's position value with the broker before admission.
// A failure leaves the trade to the gate's own accounting.
func (c *Coordinator) reconcile(ctx context.Context, symbol string, marketValue float64) {
	if err := c.gate.Reconcile(ctx, symbol, marketValue); err != nil {
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to reconcile position value")
	}
}

// heldValue returns the signed market value of symbol in snap, zero when not held
func heldValue(snap *portfolio.Snapshot, symbol string) float64 {
	for _, p := range snap.Positions {
		if p.Symbol == symbol {
			return p.MarketValue
		}
	}
	return 0
}

func (c *Coordinator) orderFill(symbol string, side safety.Side, notional float64, metadata map[string]string) safety.FillFunc {
	return func(ctx context.Context) (safety.Fill, error) {
		res, err := c.broker.SubmitOrder(ctx, broker.OrderRequest{
			Symbol:        symbol,
			Side:          side,
			NotionalUSD:   notional,
			ClientOrderID: uuid.NewString(),
		})
		if errors.Is(err, safety.ErrUnresolvedFill) {
			return res.Fill(metadata), err
		}
		if err != nil {
			return safety.Fill{}, err
		}
		return res.Fill(metadata), nil
	}
}

// closeFill treats a position the broker no longer holds as already closed
func (c *Coordinator) closeFill(symbol string, metadata map[string]string) safety.FillFunc {
	return func(ctx context.Context) (safety.Fill, error) {
		res, err := c.broker.ClosePosition(ctx, symbol)
		if errors.Is(err, broker.ErrPositionNotFound) {
			c.logger.Info().Str("symbol", symbol).Msg("Position already closed")
			return safety.Fill{}, nil
		}
		if errors.Is(err, safety.ErrUnresolvedFill) {
			return res.Fill(metadata), err
		}
		if err != nil {
			return safety.Fill{}, err
		}
		return res.Fill(metadata), nil
	}
}

func (c *Coordinator) trackPersistence(rec *safety.TradeRecord, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case coreerrors.IsPersistence(err):
		c.persistFailures++
		if c.haltAfter > 0 && c.persistFailures >= c.haltAfter {
			if engaged, _ := c.stop.Engaged(); !engaged {
				c.stop.Engage(fmt.Sprintf("%d consecutive persistence failures", c.persistFailures))
			}
		}
	case err == nil && rec != nil:
		c.persistFailures = 0
	}
}

// PersistenceFailures returns the current run of consecutive record persistence failures
func (c *Coordinator) PersistenceFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persistFailures
}

func (c *Coordinator) alert(level, message string) {
	if err := c.notifier.SendAlert(level, message); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to send alert")
	}
}
