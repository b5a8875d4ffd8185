package safety

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatePrice(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name  string
		price float64
		code  string
	}{
		{"valid", 101.25, ""},
		{"NaN", math.NaN(), "PRICE_NAN"},
		{"infinite", math.Inf(1), "PRICE_INF"},
		{"zero", 0, "PRICE_NOT_POSITIVE"},
		{"negative", -1, "PRICE_NOT_POSITIVE"},
		{"absurd", 2e10, "PRICE_OUT_OF_BOUNDS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.ValidatePrice(tt.price, "AAPL")
			assert.Equal(t, tt.code == "", res.Valid)
			assert.Equal(t, tt.code, res.Code)
		})
	}
}

func TestValidateSymbol(t *testing.T) {
	v := NewValidator()

	valid := []string{"AAPL", "BRK.B", "BTC/USD", "ETHUSD", "AAPL240119C00150000"}
	for _, s := range valid {
		assert.True(t, v.ValidateSymbol(s).Valid, s)
	}

	invalid := []struct {
		symbol string
		code   string
	}{
		{"", "SYMBOL_EMPTY"},
		{"AAPL ", "SYMBOL_WHITESPACE"},
		{strings.Repeat("A", 33), "SYMBOL_TOO_LONG"},
		{"AA$L", "SYMBOL_INVALID_CHARS"},
	}
	for _, tt := range invalid {
		res := v.ValidateSymbol(tt.symbol)
		assert.False(t, res.Valid, tt.symbol)
		assert.Equal(t, tt.code, res.Code, tt.symbol)
	}
}

func TestValidateQuantity(t *testing.T) {
	v := NewValidator()
	assert.True(t, v.ValidateQuantity(0.0001, "BTC/USD").Valid)
	assert.Equal(t, "QUANTITY_NOT_POSITIVE", v.ValidateQuantity(0, "BTC/USD").Code)
	assert.Equal(t, "QUANTITY_OUT_OF_BOUNDS", v.ValidateQuantity(2e12, "BTC/USD").Code)
}

func TestValidateOrderID(t *testing.T) {
	v := NewValidator()
	assert.True(t, v.ValidateOrderID("9f1c2a").Valid)
	assert.Equal(t, "ORDER_ID_EMPTY", v.ValidateOrderID("  ").Code)
	assert.Equal(t, "ORDER_ID_TOO_LONG", v.ValidateOrderID(strings.Repeat("x", 129)).Code)
}

func TestValidateValueAllowsSign(t *testing.T) {
	v := NewValidator()
	assert.True(t, v.ValidateValue(-5000, "AAPL").Valid)
	assert.True(t, v.ValidateValue(0, "AAPL").Valid)
	assert.False(t, v.ValidateValue(math.Inf(-1), "AAPL").Valid)
}

func TestValidateFillReturnsFirstFailure(t *testing.T) {
	v := NewValidator()

	res := v.ValidateFill("", Side("hold"), -1, 0, "")
	assert.Equal(t, "SYMBOL_EMPTY", res.Code)

	res = v.ValidateFill("AAPL", SideBuy, 1, 0, "")
	assert.False(t, res.Valid)
	assert.Equal(t, "PRICE_NOT_POSITIVE", res.Code)

	assert.True(t, v.ValidateFill("AAPL", SideSell, 1, 10, "ord-1").Valid)
}
