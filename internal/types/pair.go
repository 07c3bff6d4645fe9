package types

import (
	"fmt"
	"strings"
)

// Pair is a base/quote market traded by one cycle loop.
type Pair struct {
	Base          string `json:"base" yaml:"base"`
	Quote         string `json:"quote" yaml:"quote"`
	BaseMint      string `json:"base_mint" yaml:"base_mint"`
	QuoteMint     string `json:"quote_mint" yaml:"quote_mint"`
	BaseDecimals  uint8  `json:"base_decimals" yaml:"base_decimals"`
	QuoteDecimals uint8  `json:"quote_decimals" yaml:"quote_decimals"`
}

// String returns the canonical "BASE/QUOTE" symbol.
func (p Pair) String() string {
	return strings.ToUpper(p.Base) + "/" + strings.ToUpper(p.Quote)
}

// Validate checks the pair carries both symbols and mints.
func (p Pair) Validate() error {
	if strings.TrimSpace(p.Base) == "" || strings.TrimSpace(p.Quote) == "" {
		return fmt.Errorf("pair symbols are required")
	}
	if p.BaseMint == "" || p.QuoteMint == "" {
		return fmt.Errorf("pair %s: mints are required", p.String())
	}
	if p.BaseMint == p.QuoteMint {
		return fmt.Errorf("pair %s: base and quote mint must differ", p.String())
	}
	return nil
}

// ParsePairSymbol splits "SOL/USDC" into its upper-cased parts.
func ParsePairSymbol(symbol string) (string, string, error) {
	parts := strings.Split(strings.TrimSpace(symbol), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid pair symbol %q", symbol)
	}
	return strings.ToUpper(parts[0]), strings.ToUpper(parts[1]), nil
}
