package portfolio

import (
	"regexp"
	"strings"
)

// occSymbol matches OCC option symbols such as AAPL240119C00150000
var occSymbol = regexp.MustCompile(`^[A-Z]{1,6}\d{6}[CP]\d{8}$`)

// Classify maps a symbol to its module. A broker-reported asset class wins over symbol heuristics.
func Classify(symbol, assetClass string) Module {
	switch strings.ToLower(strings.TrimSpace(assetClass)) {
	case "crypto":
		return ModuleCrypto
	case "us_option", "option", "options":
		return ModuleOptions
	case "us_equity", "equity", "stock", "stocks":
		return ModuleStocks
	}

	s := strings.ToUpper(strings.TrimSpace(symbol))
	switch {
	case occSymbol.MatchString(s):
		return ModuleOptions
	case strings.HasSuffix(s, "/USD"), strings.HasSuffix(s, "/USDT"), strings.HasSuffix(s, "/USDC"):
		return ModuleCrypto
	case len(s) > 3 && strings.HasSuffix(s, "USD") && !strings.Contains(s, "."):
		return ModuleCrypto
	}
	return ModuleStocks
}
