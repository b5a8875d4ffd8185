package recovery

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// BackoffStrategy defines different backoff strategies
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffFixed       BackoffStrategy = "fixed"
)

// Policy defines retry behavior for a class of operations
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Strategy    BackoffStrategy
	Multiplier  float64
	Jitter      bool
}

// DefaultPolicy is used for idempotent broker reads
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Strategy:    BackoffExponential,
		Multiplier:  1.5,
		Jitter:      true,
	}
}

// RetryableFunc reports whether an error is worth another attempt
type RetryableFunc func(err error) bool

// Handler retries idempotent operations with backoff. It must never wrap an operation whose
// repetition has side effects, such as order submission.
type Handler struct {
	policy    Policy
	retryable RetryableFunc
	logger    zerolog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewHandler creates a new recovery handler. A nil retryable retries every error except
// context cancellation.
func NewHandler(policy Policy, retryable RetryableFunc, logger zerolog.Logger) *Handler {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = 1
	}
	if retryable == nil {
		retryable = func(error) bool { return true }
	}
	return &Handler{
		policy:    policy,
		retryable: retryable,
		logger:    logger,
		sleep:     sleepContext,
	}
}

// ExecuteWithRecovery executes fn until it succeeds, fails with a non-retryable error or
// the attempt budget is spent. The last error is returned unwrapped.
func (h *Handler) ExecuteWithRecovery(ctx context.Context, component, operation string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < h.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := fn()
		if err == nil {
			if attempt > 0 {
				h.logger.Info().
					Str("component", component).
					Str("operation", operation).
					Int("attempts", attempt+1).
					Msg("Operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || !h.retryable(err) {
			return err
		}
		if attempt == h.policy.MaxAttempts-1 {
			break
		}

		delay := h.Delay(attempt)
		h.logger.Warn().
			Err(err).
			Str("component", component).
			Str("operation", operation).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying after error")

		if err := h.sleep(ctx, delay); err != nil {
			return lastErr
		}
	}

	h.logger.Error().
		Err(lastErr).
		Str("component", component).
		Str("operation", operation).
		Int("attempts", h.policy.MaxAttempts).
		Msg("Maximum retries exceeded")
	return lastErr
}

// Delay returns the wait before the retry that follows attempt (0-based)
func (h *Handler) Delay(attempt int) time.Duration {
	base := h.policy.BaseDelay

	var delay time.Duration
	switch h.policy.Strategy {
	case BackoffExponential:
		multiplier := 1.0
		for i := 0; i < attempt; i++ {
			multiplier *= h.policy.Multiplier
		}
		delay = time.Duration(float64(base) * multiplier)
	case BackoffLinear:
		delay = base * time.Duration(attempt+1)
	default:
		delay = base
	}

	if h.policy.MaxDelay > 0 && delay > h.policy.MaxDelay {
		delay = h.policy.MaxDelay
	}
	if h.policy.Jitter {
		delay = addJitter(delay)
	}
	return delay
}

// addJitter adds up to 10% random delay
func addJitter(delay time.Duration) time.Duration {
	jitter := int64(delay) / 10
	if jitter <= 0 {
		return delay
	}
	return delay + time.Duration(rand.Int63n(jitter))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
