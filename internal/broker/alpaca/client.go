package alpaca

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	alpacaapi "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/BenPomme/alpaca-trading-system/internal/broker"
	coreerrors "github.com/BenPomme/alpaca-trading-system/internal/errors"
	"github.com/BenPomme/alpaca-trading-system/internal/recovery"
	"github.com/BenPomme/alpaca-trading-system/internal/safety"
)

// tradingClient is the subset of the Alpaca trading API used here
type tradingClient interface {
	GetAccount() (*alpacaapi.Account, error)
	GetPositions() ([]alpacaapi.Position, error)
	PlaceOrder(req alpacaapi.PlaceOrderRequest) (*alpacaapi.Order, error)
	GetOrder(orderID string) (*alpacaapi.Order, error)
	CancelOrder(orderID string) error
	ClosePosition(symbol string, req alpacaapi.ClosePositionRequest) (*alpacaapi.Order, error)
}

// Config holds Alpaca credentials and pacing
type Config struct {
	APIKey            string        `yaml:"-"`
	APISecret         string        `yaml:"-"`
	BaseURL           string        `yaml:"base_url"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	FillTimeout       time.Duration `yaml:"fill_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	// ReadAttempts bounds retries of account and position reads; orders are never retried
	ReadAttempts      int           `yaml:"read_attempts"`
}

// Client implements broker.Broker against the Alpaca trading API
type Client struct {
	api          tradingClient
	limiter      *rate.Limiter
	fillTimeout  time.Duration
	pollInterval time.Duration
	retry        *recovery.Handler
	logger       zerolog.Logger
}

var _ broker.Broker = (*Client)(nil)

// New creates a new Alpaca broker client
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, coreerrors.NewConfigurationError("alpaca", "new_client", "APCA_API_KEY_ID and APCA_API_SECRET_KEY are required")
	}

	api := alpacaapi.NewClient(alpacaapi.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   cfg.BaseURL,
	})
	return newClient(api, cfg, logger), nil
}

func newClient(api tradingClient, cfg Config, logger zerolog.Logger) *Client {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 200
	}
	fillTimeout := cfg.FillTimeout
	if fillTimeout <= 0 {
		fillTimeout = 30 * time.Second
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}

	policy := recovery.DefaultPolicy()
	if cfg.ReadAttempts > 0 {
		policy.MaxAttempts = cfg.ReadAttempts
	}
	logger = logger.With().Str("component", "alpaca").Logger()

	return &Client{
		api:          api,
		limiter:      rate.NewLimiter(rate.Limit(float64(rpm)/60.0), max(1, rpm/20)),
		fillTimeout:  fillTimeout,
		pollInterval: pollInterval,
		retry:        recovery.NewHandler(policy, transient, logger),
		logger:       logger,
	}
}

// Equity returns the account equity
func (c *Client) Equity(ctx context.Context) (float64, error) {
	var acct *alpacaapi.Account
	err := c.retry.ExecuteWithRecovery(ctx, "alpaca", "get_account", func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		acct, err = c.api.GetAccount()
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, coreerrors.NewBrokerError("alpaca", "get_account", err)
	}
	return acct.Equity.InexactFloat64(), nil
}

// Positions returns every open position
func (c *Client) Positions(ctx context.Context) ([]broker.Position, error) {
	var raw []alpacaapi.Position
	err := c.retry.ExecuteWithRecovery(ctx, "alpaca", "get_positions", func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		raw, err = c.api.GetPositions()
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, coreerrors.NewBrokerError("alpaca", "get_positions", err)
	}

	positions := make([]broker.Position, 0, len(raw))
	for _, p := range raw {
		positions = append(positions, broker.Position{
			Symbol:        p.Symbol,
			AssetClass:    string(p.AssetClass),
			Quantity:      p.Qty.InexactFloat64(),
			MarketValue:   decimalOrZero(p.MarketValue).InexactFloat64(),
			UnrealizedPnL: decimalOrZero(p.UnrealizedPL).InexactFloat64(),
		})
	}
	return positions, nil
}

// SubmitOrder places a notional market order and waits for it to fill
func (c *Client) SubmitOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	if req.NotionalUSD <= 0 {
		return broker.OrderResult{}, coreerrors.NewInvalidInputError("alpaca", "submit_order",
			fmt.Sprintf("notional must be positive, got %.2f", req.NotionalUSD))
	}

	side := alpacaapi.Buy
	if req.Side == safety.SideSell {
		side = alpacaapi.Sell
	}
	notional := decimal.NewFromFloat(req.NotionalUSD).Round(2)

	if err := c.limiter.Wait(ctx); err != nil {
		return broker.OrderResult{}, err
	}

	order, err := c.api.PlaceOrder(alpacaapi.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Notional:      &notional,
		Side:          side,
		Type:          alpacaapi.Market,
		TimeInForce:   timeInForce(req.Symbol),
		ClientOrderID: req.ClientOrderID,
	})
	if err != nil {
		return broker.OrderResult{}, coreerrors.NewBrokerError("alpaca", "place_order", err).
			WithContext("symbol", req.Symbol)
	}

	c.logger.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("notional", notional.StringFixed(2)).
		Str("order_id", order.ID).
		Msg("order placed")

	return c.awaitFill(ctx, order)
}

// ClosePosition liquidates a position. A position the broker does not hold yields ErrPositionNotFound.
func (c *Client) ClosePosition(ctx context.Context, symbol string) (broker.OrderResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return broker.OrderResult{}, err
	}

	order, err := c.api.ClosePosition(symbol, alpacaapi.ClosePositionRequest{})
	if err != nil {
		if isNotFound(err) {
			return broker.OrderResult{}, broker.ErrPositionNotFound
		}
		return broker.OrderResult{}, coreerrors.NewBrokerError("alpaca", "close_position", err).
			WithContext("symbol", symbol)
	}

	c.logger.Info().Str("symbol", symbol).Str("order_id", order.ID).Msg("close order placed")
	return c.awaitFill(ctx, order)
}

// awaitFill polls the order until it reaches a terminal state. An order still open at the
// fill timeout, or when ctx is done, is canceled and read back; if it is still open after
// that the last known result is returned with broker.ErrOrderUnresolved.
func (c *Client) awaitFill(ctx context.Context, order *alpacaapi.Order) (broker.OrderResult, error) {
	order = c.poll(ctx, order, c.fillTimeout)
	if terminal(order.Status) {
		return toResult(order), nil
	}

	c.logger.Warn().Str("order_id", order.ID).Str("status", order.Status).Msg("order not final before fill timeout, canceling")

	settle, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fillTimeout)
	defer cancel()

	if err := c.limiter.Wait(settle); err == nil {
		if err := c.api.CancelOrder(order.ID); err != nil {
			c.logger.Warn().Err(err).Str("order_id", order.ID).Msg("failed to cancel order")
		}
	}

	order = c.poll(settle, order, c.fillTimeout)
	if terminal(order.Status) {
		c.logger.Info().
			Str("order_id", order.ID).
			Str("status", order.Status).
			Str("filled_qty", order.FilledQty.String()).
			Msg("order settled after cancel")
		return toResult(order), nil
	}

	return toResult(order), coreerrors.NewBrokerError("alpaca", "await_fill", broker.ErrOrderUnresolved).
		WithContext("order_id", order.ID).
		WithContext("status", order.Status)
}

// poll refreshes the order until it is terminal, timeout passes or ctx is done
func (c *Client) poll(ctx context.Context, order *alpacaapi.Order, timeout time.Duration) *alpacaapi.Order {
	deadline := time.Now().Add(timeout)

	for !terminal(order.Status) && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return order
		case <-time.After(c.pollInterval):
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return order
		}
		latest, err := c.api.GetOrder(order.ID)
		if err != nil {
			c.logger.Warn().Err(err).Str("order_id", order.ID).Msg("failed to refresh order")
			continue
		}
		order = latest
	}
	return order
}

func toResult(o *alpacaapi.Order) broker.OrderResult {
	side := safety.SideBuy
	if o.Side == alpacaapi.Sell {
		side = safety.SideSell
	}
	return broker.OrderResult{
		OrderID:        o.ID,
		Symbol:         o.Symbol,
		Side:           side,
		Status:         o.Status,
		FilledQuantity: o.FilledQty.InexactFloat64(),
		FilledAvgPrice: decimalOrZero(o.FilledAvgPrice).InexactFloat64(),
	}
}

func terminal(status string) bool {
	switch status {
	case "filled", "canceled", "expired", "rejected", "done_for_day", "replaced":
		return true
	}
	return false
}

// timeInForce picks GTC for crypto pairs, which reject DAY orders
func timeInForce(symbol string) alpacaapi.TimeInForce {
	if strings.Contains(symbol, "/") {
		return alpacaapi.GTC
	}
	return alpacaapi.Day
}

func isNotFound(err error) bool {
	var apiErr *alpacaapi.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound
	}
	return false
}

// transient reports whether a read failure may succeed on retry: rate limiting, server
// errors and transport failures
func transient(err error) bool {
	var apiErr *alpacaapi.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError
	}
	return true
}

func decimalOrZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}
