package signal

import (
	"context"
	"math"

	log "github.com/sirupsen/logrus"

	"numerusx/internal/types"
)

// RiskSettings are the static limits from configuration.
type RiskSettings struct {
	MaxExposurePct float64
	MaxTradeSize   float64
	// Capital is the quote-currency bankroll the ledger draws against.
	Capital float64
}

// LedgerRiskProvider derives risk constraints from settings and ledger state.
type LedgerRiskProvider struct {
	cfg       RiskSettings
	portfolio PortfolioProvider
	prices    PriceSource
}

// NewLedgerRiskProvider values the open position with prices.
func NewLedgerRiskProvider(cfg RiskSettings, portfolio PortfolioProvider, prices PriceSource) *LedgerRiskProvider {
	return &LedgerRiskProvider{cfg: cfg, portfolio: portfolio, prices: prices}
}

func (p *LedgerRiskProvider) Risk(ctx context.Context, pair types.Pair) (types.RiskConstraints, error) {
	pf, err := p.portfolio.Portfolio(ctx)
	if err != nil {
		return types.RiskConstraints{}, err
	}

	var invested float64
	for _, pos := range pf.OpenPositions {
		invested += pos.CostBasis
	}
	available := math.Max(0, p.cfg.Capital+pf.RealizedPnL-invested)

	var exposure, heldCost float64
	if pos, ok := pf.Position(pair.String()); ok && pos.BaseAmount > 0 {
		heldCost = pos.CostBasis
		price := pos.AveragePrice()
		if pc, err := p.prices.Price(ctx, pair); err == nil {
			price = pc.Price
		} else {
			log.WithFields(log.Fields{"pair": pair.String(), "error": err.Error()}).
				Warn("Valuing position at cost basis")
		}
		exposure = pos.BaseAmount * price
	}

	return types.RiskConstraints{
		MaxExposurePct:   p.cfg.MaxExposurePct,
		AvailableCapital: available,
		MaxTradeSize:     p.cfg.MaxTradeSize,
		CurrentExposure:  exposure,
		PortfolioValue:   math.Max(0, available+invested-heldCost+exposure),
	}, nil
}
