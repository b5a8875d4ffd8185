package safety

import (
	"fmt"
	"math"
	"strings"
)

// Upper bounds that flag data errors rather than real fills
const (
	maxSymbolLength  = 32
	maxOrderIDLength = 128
	maxFillPrice     = 1e10
	maxFillQuantity  = 1e12
)

// ValidationResult is the outcome of a single input check. Code is empty when Valid.
type ValidationResult struct {
	Valid   bool
	Message string
	Code    string
}

var valid = ValidationResult{Valid: true}

func invalid(code, format string, args ...interface{}) ValidationResult {
	return ValidationResult{Message: fmt.Sprintf(format, args...), Code: code}
}

// Validator checks the numeric and identifier inputs that reach the gate
type Validator struct{}

// NewValidator creates a new validator instance
func NewValidator() *Validator {
	return &Validator{}
}

// checkAmount requires a finite, positive value below limit. Codes are prefixed with field.
func checkAmount(field string, x, limit float64, symbol string) ValidationResult {
	name := strings.ToLower(field)
	switch {
	case math.IsNaN(x):
		return invalid(field+"_NAN", "%s for %s is NaN", name, symbol)
	case math.IsInf(x, 0):
		return invalid(field+"_INF", "%s for %s is infinite", name, symbol)
	case x <= 0:
		return invalid(field+"_NOT_POSITIVE", "%s %.8f for %s must be positive", name, x, symbol)
	case x > limit:
		return invalid(field+"_OUT_OF_BOUNDS", "%s %.8f for %s exceeds %.0e", name, x, symbol, limit)
	}
	return valid
}

// ValidatePrice validates a fill price
func (v *Validator) ValidatePrice(price float64, symbol string) ValidationResult {
	return checkAmount("PRICE", price, maxFillPrice, symbol)
}

// ValidateQuantity validates a filled quantity
func (v *Validator) ValidateQuantity(quantity float64, symbol string) ValidationResult {
	return checkAmount("QUANTITY", quantity, maxFillQuantity, symbol)
}

// ValidateValue validates a proposed dollar value. Sign is allowed; sells are negative.
func (v *Validator) ValidateValue(value float64, symbol string) ValidationResult {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return invalid("VALUE_NOT_FINITE", "proposed value for %s is not finite", symbol)
	}
	return valid
}

// ValidateSymbol accepts equities (BRK.B), crypto pairs (BTC/USD) and OCC option symbols
func (v *Validator) ValidateSymbol(symbol string) ValidationResult {
	trimmed := strings.TrimSpace(symbol)
	switch {
	case trimmed == "":
		return invalid("SYMBOL_EMPTY", "symbol cannot be empty")
	case trimmed != symbol:
		return invalid("SYMBOL_WHITESPACE", "symbol %q has surrounding whitespace", symbol)
	case len(symbol) > maxSymbolLength:
		return invalid("SYMBOL_TOO_LONG", "symbol %q longer than %d characters", symbol, maxSymbolLength)
	}

	if i := strings.IndexFunc(symbol, func(r rune) bool { return !symbolRune(r) }); i >= 0 {
		return invalid("SYMBOL_INVALID_CHARS", "symbol %q has invalid character %q", symbol, symbol[i])
	}
	return valid
}

func symbolRune(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	}
	return r == '/' || r == '.' || r == '-'
}

// ValidateOrderID validates a broker order ID
func (v *Validator) ValidateOrderID(orderID string) ValidationResult {
	orderID = strings.TrimSpace(orderID)
	switch {
	case orderID == "":
		return invalid("ORDER_ID_EMPTY", "order ID cannot be empty")
	case len(orderID) > maxOrderIDLength:
		return invalid("ORDER_ID_TOO_LONG", "order ID longer than %d characters", maxOrderIDLength)
	}
	return valid
}

// ValidateSide validates a trade side
func (v *Validator) ValidateSide(side Side) ValidationResult {
	if !side.Valid() {
		return invalid("SIDE_UNKNOWN", "unknown side %q", side)
	}
	return valid
}

// ValidateFill runs every record-time check and returns the first failure
func (v *Validator) ValidateFill(symbol string, side Side, quantity, price float64, orderID string) ValidationResult {
	for _, res := range []ValidationResult{
		v.ValidateSymbol(symbol),
		v.ValidateSide(side),
		v.ValidateQuantity(quantity, symbol),
		v.ValidatePrice(price, symbol),
		v.ValidateOrderID(orderID),
	} {
		if !res.Valid {
			return res
		}
	}
	return valid
}
