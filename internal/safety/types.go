package safety

import (
	"context"
	"fmt"
	"math"
	"time"

	coreerrors "github.com/BenPomme/alpaca-trading-system/internal/errors"
	"github.com/shopspring/decimal"
)

// HistoryLimit is the number of trades retained per symbol for pattern analysis
const HistoryLimit = 50

// alternationWindow is the number of most recent trades inspected for buy/sell ping-pong
const alternationWindow = 4

// Side is the direction of a trade
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// ReasonCode identifies why a trade was admitted or denied
type ReasonCode string

const (
	ReasonApproved      ReasonCode = "APPROVED"
	ReasonCooldown      ReasonCode = "COOLDOWN"
	ReasonPositionLimit ReasonCode = "POSITION_LIMIT"
	ReasonDailyLimit    ReasonCode = "DAILY_LIMIT"
	ReasonHourlyLimit   ReasonCode = "HOURLY_LIMIT"
	ReasonRapidPattern  ReasonCode = "RAPID_PATTERN"
	ReasonModuleLimit   ReasonCode = "MODULE_LIMIT"
	ReasonInvalidInput  ReasonCode = "INVALID_INPUT"
	ReasonEmergencyStop ReasonCode = "EMERGENCY_STOP"
)

// Decision is the value returned by every admission check. Denial is a normal outcome, not an error.
type Decision struct {
	Allowed bool       `json:"allowed"`
	Reason  ReasonCode `json:"reason"`
	Detail  string     `json:"detail,omitempty"`
}

// Approve returns an approving decision
func Approve() Decision {
	return Decision{Allowed: true, Reason: ReasonApproved}
}

// Deny returns a denying decision with a formatted detail
func Deny(reason ReasonCode, format string, args ...interface{}) Decision {
	return Decision{Allowed: false, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// TradeRecord is an immutable fact about a confirmed fill. Records of orders whose outcome
// stayed unresolved carry MetadataFillStatus and may have zero quantity.
type TradeRecord struct {
	Symbol    string            `json:"symbol"`
	Side      Side              `json:"side"`
	Quantity  float64           `json:"quantity"`
	Price     float64           `json:"price"`
	Value     decimal.Decimal   `json:"value"` // signed: positive for buys, negative for sells
	Timestamp time.Time         `json:"timestamp"`
	OrderID   string            `json:"order_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SymbolState is the durable per-symbol state owned by the gate
type SymbolState struct {
	Symbol          string          `json:"symbol"`
	History         []TradeRecord   `json:"history"`
	PositionValue   decimal.Decimal `json:"position_value"`
	DailyTradeCount int             `json:"daily_trade_count"`
	LastTradeTime   time.Time       `json:"last_trade_time"`
}

// Clone returns a deep copy safe to hand to other goroutines
func (s SymbolState) Clone() SymbolState {
	out := s
	out.History = make([]TradeRecord, len(s.History))
	for i, rec := range s.History {
		out.History[i] = rec
		if rec.Metadata != nil {
			md := make(map[string]string, len(rec.Metadata))
			for k, v := range rec.Metadata {
				md[k] = v
			}
			out.History[i].Metadata = md
		}
	}
	return out
}

// StateStore is the durable store for symbol state. Writes are serialized per symbol by the gate.
type StateStore interface {
	SaveSymbolState(ctx context.Context, state SymbolState) error
	LoadSymbolStates(ctx context.Context) (map[string]SymbolState, error)
}

// Limits is process-wide immutable configuration for the gate
type Limits struct {
	CooldownDuration         time.Duration `yaml:"cooldown_duration" json:"cooldown_duration"`
	MaxPositionValue         float64       `yaml:"max_position_value" json:"max_position_value"`
	MaxDailyTrades           int           `yaml:"max_daily_trades" json:"max_daily_trades"`
	MaxTradesPerHour         int           `yaml:"max_trades_per_hour" json:"max_trades_per_hour"`
	RapidTradeCountThreshold int           `yaml:"rapid_trade_count_threshold" json:"rapid_trade_count_threshold"`
	RapidTradeWindow         time.Duration `yaml:"rapid_trade_window" json:"rapid_trade_window"`
}

// DefaultLimits returns conservative production limits
func DefaultLimits() Limits {
	return Limits{
		CooldownDuration:         5 * time.Minute,
		MaxPositionValue:         25000.0,
		MaxDailyTrades:           20,
		MaxTradesPerHour:         6,
		RapidTradeCountThreshold: 3,
		RapidTradeWindow:         10 * time.Minute,
	}
}

// Validate rejects nonsensical limits. Limits are never clamped.
func (l Limits) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return coreerrors.NewConfigurationError("safety", "validate_limits", fmt.Sprintf(format, args...))
	}

	if l.CooldownDuration < 0 {
		return fail("cooldown duration cannot be negative, got %v", l.CooldownDuration)
	}
	if math.IsNaN(l.MaxPositionValue) || math.IsInf(l.MaxPositionValue, 0) || l.MaxPositionValue <= 0 {
		return fail("max position value must be positive, got %.2f", l.MaxPositionValue)
	}
	if l.MaxDailyTrades <= 0 {
		return fail("max daily trades must be positive, got %d", l.MaxDailyTrades)
	}
	if l.MaxTradesPerHour <= 0 {
		return fail("max trades per hour must be positive, got %d", l.MaxTradesPerHour)
	}
	if l.RapidTradeCountThreshold < 2 {
		return fail("rapid trade count threshold must be at least 2, got %d", l.RapidTradeCountThreshold)
	}
	if l.RapidTradeCountThreshold > HistoryLimit {
		return fail("rapid trade count threshold cannot exceed history limit %d, got %d", HistoryLimit, l.RapidTradeCountThreshold)
	}
	if l.RapidTradeWindow <= 0 {
		return fail("rapid trade window must be positive, got %v", l.RapidTradeWindow)
	}
	return nil
}

// SymbolStatus is a read-only diagnostic view of one symbol
type SymbolStatus struct {
	Symbol            string        `json:"symbol"`
	PositionValue     float64       `json:"position_value"`
	DailyTradeCount   int           `json:"daily_trade_count"`
	HourlyTradeCount  int           `json:"hourly_trade_count"`
	RecentTradeCount  int           `json:"recent_trade_count"`
	HistoryLength     int           `json:"history_length"`
	LastTradeTime     time.Time     `json:"last_trade_time"`
	CooldownRemaining time.Duration `json:"cooldown_remaining"`
	NextDecision      Decision      `json:"next_decision"`
}
