package store

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/BenPomme/alpaca-trading-system/internal/rebalance"
	"github.com/BenPomme/alpaca-trading-system/internal/safety"
)

// ErrStoreUnavailable is returned without touching the store while the breaker is open
var ErrStoreUnavailable = errors.New("persistent store unavailable: circuit open")

// BreakerConfig controls when the store breaker trips
type BreakerConfig struct {
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	Timeout             time.Duration `yaml:"timeout"`
	MaxRequests         uint32        `yaml:"max_requests"`
}

// DefaultBreakerConfig trips after 5 consecutive failures and probes again after 30s
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		Timeout:             30 * time.Second,
		MaxRequests:         1,
	}
}

// Breaker wraps a Store so a dead backend fails fast instead of stalling every trade
type Breaker struct {
	inner  Store
	cb     *gobreaker.CircuitBreaker
	logger zerolog.Logger
}

// NewBreaker wraps s. Zero fields in cfg fall back to DefaultBreakerConfig.
func NewBreaker(s Store, cfg BreakerConfig, logger zerolog.Logger) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = def.MaxRequests
	}

	b := &Breaker{inner: s, logger: logger}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "persistent-store",
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			event := b.logger.Warn()
			if to == gobreaker.StateOpen {
				event = b.logger.Error().Str("alert", "high")
			}
			event.
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Store circuit breaker state changed")
		},
	})
	return b
}

// State returns the breaker state name
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func (b *Breaker) do(fn func() (interface{}, error)) (interface{}, error) {
	out, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrStoreUnavailable
	}
	return out, err
}

func (b *Breaker) SaveSymbolState(ctx context.Context, state safety.SymbolState) error {
	_, err := b.do(func() (interface{}, error) {
		return nil, b.inner.SaveSymbolState(ctx, state)
	})
	return err
}

func (b *Breaker) LoadSymbolStates(ctx context.Context) (map[string]safety.SymbolState, error) {
	out, err := b.do(func() (interface{}, error) {
		return b.inner.LoadSymbolStates(ctx)
	})
	if err != nil {
		return nil, err
	}
	states, _ := out.(map[string]safety.SymbolState)
	return states, nil
}

func (b *Breaker) AppendOutcome(ctx context.Context, outcome rebalance.Outcome) error {
	_, err := b.do(func() (interface{}, error) {
		return nil, b.inner.AppendOutcome(ctx, outcome)
	})
	return err
}

func (b *Breaker) ListOutcomes(ctx context.Context, limit int) ([]rebalance.Outcome, error) {
	out, err := b.do(func() (interface{}, error) {
		return b.inner.ListOutcomes(ctx, limit)
	})
	if err != nil {
		return nil, err
	}
	outcomes, _ := out.([]rebalance.Outcome)
	return outcomes, nil
}

// Close bypasses the breaker
func (b *Breaker) Close() error {
	return b.inner.Close()
}
