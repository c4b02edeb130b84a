package registry

import (
	"errors"
	"fmt"
	"regexp"
)

// symbolRegex matches: {BASE}-{QUOTE} or {BASE}-{QUOTE}-PERP
// Example: BTC-USD, ETH-USDC-PERP
var symbolRegex = regexp.MustCompile(`^([A-Z0-9]{2,12})-([A-Z0-9]{2,12})(-PERP)?$`)

var ErrInvalidSymbol = errors.New("registry: invalid instrument symbol")

// Symbol is a parsed instrument id.
type Symbol struct {
	Ticker    string `json:"ticker"`
	Base      string `json:"base"`
	Quote     string `json:"quote"`
	Perpetual bool   `json:"perpetual"`
}

// ParseSymbol parses and validates an instrument id.
// Format: {BASE}-{QUOTE}[-PERP], upper-case alphanumerics.
func ParseSymbol(ticker string) (*Symbol, error) {
	matches := symbolRegex.FindStringSubmatch(ticker)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected BASE-QUOTE or BASE-QUOTE-PERP)", ErrInvalidSymbol, ticker)
	}
	if matches[1] == matches[2] {
		return nil, fmt.Errorf("%w: %q quotes itself", ErrInvalidSymbol, ticker)
	}
	return &Symbol{
		Ticker:    ticker,
		Base:      matches[1],
		Quote:     matches[2],
		Perpetual: matches[3] != "",
	}, nil
}
