package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/BenPomme/alpaca-trading-system/internal/safety"
)

// ErrPositionNotFound is returned when closing a position the broker does not hold
var ErrPositionNotFound = errors.New("position not found")

// ErrOrderUnresolved is returned, with the last known result, for an order that was still
// open after the broker tried to cancel it. It matches safety.ErrUnresolvedFill.
var ErrOrderUnresolved = fmt.Errorf("order still open after cancel: %w", safety.ErrUnresolvedFill)

// Position is a live broker holding
type Position struct {
	Symbol        string  `json:"symbol"`
	AssetClass    string  `json:"asset_class"`
	Quantity      float64 `json:"quantity"`
	MarketValue   float64 `json:"market_value"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// OrderRequest is a market order sized in dollars
type OrderRequest struct {
	Symbol        string      `json:"symbol"`
	Side          safety.Side `json:"side"`
	NotionalUSD   float64     `json:"notional_usd"`
	ClientOrderID string      `json:"client_order_id"`
}

// OrderResult is what the broker actually filled. FilledQuantity may be zero when the order
// was rejected or canceled before it filled.
type OrderResult struct {
	OrderID        string      `json:"order_id"`
	Symbol         string      `json:"symbol"`
	Side           safety.Side `json:"side"`
	Status         string      `json:"status"`
	FilledQuantity float64     `json:"filled_quantity"`
	FilledAvgPrice float64     `json:"filled_avg_price"`
}

// Fill converts the result into a gate fill
func (r OrderResult) Fill(metadata map[string]string) safety.Fill {
	return safety.Fill{
		Side:     r.Side,
		Quantity: r.FilledQuantity,
		Price:    r.FilledAvgPrice,
		OrderID:  r.OrderID,
		Metadata: metadata,
	}
}

// Broker is the execution collaborator
type Broker interface {
	Equity(ctx context.Context) (float64, error)
	Positions(ctx context.Context) ([]Position, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	ClosePosition(ctx context.Context, symbol string) (OrderResult, error)
}
