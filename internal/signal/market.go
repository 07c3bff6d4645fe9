package signal

import (
	"context"
	"math"
	"sync"
	"time"

	"numerusx/internal/quote"
	"numerusx/internal/types"
)

// PriceSource is the price context the market provider samples.
type PriceSource interface {
	Price(ctx context.Context, pair types.Pair) (quote.PriceContext, error)
}

type sample struct {
	at    time.Time
	price float64
}

// JupiterMarketProvider builds a market snapshot from sampled aggregator prices.
// Each call records one price sample; candles are bucketed from the samples.
type JupiterMarketProvider struct {
	prices   PriceSource
	interval time.Duration
	window   int
	now      func() time.Time

	mu      sync.Mutex
	history map[string][]sample
}

// NewJupiterMarketProvider keeps window candles of candleInterval each.
func NewJupiterMarketProvider(prices PriceSource, candleInterval time.Duration, window int) *JupiterMarketProvider {
	if candleInterval <= 0 {
		candleInterval = time.Minute
	}
	if window <= 0 {
		window = 60
	}
	return &JupiterMarketProvider{
		prices:   prices,
		interval: candleInterval,
		window:   window,
		now:      time.Now,
		history:  make(map[string][]sample),
	}
}

// Market samples the current price and returns the snapshot.
func (p *JupiterMarketProvider) Market(ctx context.Context, pair types.Pair) (types.MarketSnapshot, error) {
	pc, err := p.prices.Price(ctx, pair)
	if err != nil {
		return types.MarketSnapshot{}, err
	}

	now := p.now().UTC()
	if !pc.Stale {
		p.record(pair.String(), sample{at: now, price: pc.Price})
	}
	candles := p.Candles(pair)

	var liquidity float64
	if pc.PriceImpact > 0 {
		// quote depth that would move the price by 100%, from a one-unit probe
		liquidity = pc.Price / pc.PriceImpact
	}
	return types.MarketSnapshot{
		Price:      pc.Price,
		Candles:    candles,
		Liquidity:  liquidity,
		Volatility: Volatility(candles),
	}, nil
}

// Candles returns the bucketed candle history of pair, oldest first.
func (p *JupiterMarketProvider) Candles(pair types.Pair) []types.Candle {
	p.mu.Lock()
	samples := append([]sample(nil), p.history[pair.String()]...)
	p.mu.Unlock()
	return bucket(samples, p.interval)
}

func (p *JupiterMarketProvider) record(key string, s sample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := append(p.history[key], s)
	cutoff := s.at.Add(-time.Duration(p.window) * p.interval)
	i := 0
	for i < len(h) && h[i].at.Before(cutoff) {
		i++
	}
	p.history[key] = h[i:]
}

func bucket(samples []sample, interval time.Duration) []types.Candle {
	var out []types.Candle
	for _, s := range samples {
		start := s.at.Truncate(interval)
		if n := len(out); n > 0 && out[n-1].Time.Equal(start) {
			c := &out[n-1]
			c.High = math.Max(c.High, s.price)
			c.Low = math.Min(c.Low, s.price)
			c.Close = s.price
			continue
		}
		out = append(out, types.Candle{Time: start, Open: s.price, High: s.price, Low: s.price, Close: s.price})
	}
	return out
}

// Volatility is the standard deviation of log close-to-close returns.
func Volatility(candles []types.Candle) float64 {
	if len(candles) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		returns = append(returns, math.Log(candles[i].Close/candles[i-1].Close))
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	return math.Sqrt(variance / float64(len(returns)-1))
}
