package portfolio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		symbol     string
		assetClass string
		want       Module
	}{
		{"AAPL", "us_equity", ModuleStocks},
		{"BTC/USD", "crypto", ModuleCrypto},
		{"AAPL240119C00150000", "us_option", ModuleOptions},
		{"BTCUSD", "", ModuleCrypto},
		{"ETH/USD", "", ModuleCrypto},
		{"SPY240119P00400000", "", ModuleOptions},
		{"BRK.B", "", ModuleStocks},
		{"SPY", "", ModuleStocks},
		{"USD", "", ModuleStocks},
		// asset class wins over the symbol shape
		{"BTCUSD", "us_equity", ModuleStocks},
	}

	for _, tt := range tests {
		t.Run(tt.symbol+"/"+tt.assetClass, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.symbol, tt.assetClass))
		})
	}
}
