package signal

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"numerusx/internal/errs"
	"numerusx/internal/quote"
	"numerusx/internal/types"
	"numerusx/pkg/utils"
)

var pair = types.Pair{
	Base: "SOL", Quote: "USDC",
	BaseMint: "So11111111111111111111111111111111111111112", QuoteMint: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
	BaseDecimals: 9, QuoteDecimals: 6,
}

type marketFunc func(ctx context.Context, p types.Pair) (types.MarketSnapshot, error)

func (f marketFunc) Market(ctx context.Context, p types.Pair) (types.MarketSnapshot, error) {
	return f(ctx, p)
}

type riskFunc func(ctx context.Context, p types.Pair) (types.RiskConstraints, error)

func (f riskFunc) Risk(ctx context.Context, p types.Pair) (types.RiskConstraints, error) {
	return f(ctx, p)
}

type securityFunc func(ctx context.Context, p types.Pair) (types.SecurityAssessment, error)

func (f securityFunc) Security(ctx context.Context, p types.Pair) (types.SecurityAssessment, error) {
	return f(ctx, p)
}

type portfolioFunc func(ctx context.Context) (types.PortfolioSnapshot, error)

func (f portfolioFunc) Portfolio(ctx context.Context) (types.PortfolioSnapshot, error) {
	return f(ctx)
}

type namedSignal struct {
	name string
	fn   func(ctx context.Context) (types.SignalRecord, error)
}

func (n namedSignal) Name() string { return n.name }
func (n namedSignal) Signal(ctx context.Context, _ types.Pair) (types.SignalRecord, error) {
	return n.fn(ctx)
}

func okMarket() MarketProvider {
	return marketFunc(func(context.Context, types.Pair) (types.MarketSnapshot, error) {
		return types.MarketSnapshot{Price: 150, Liquidity: 1e6}, nil
	})
}

func bullish(name string) SignalProvider {
	return namedSignal{name: name, fn: func(context.Context) (types.SignalRecord, error) {
		return types.SignalRecord{SignalStrength: 0.8, Confidence: 0.9, Rationale: "up"}, nil
	}}
}

func mustAggregator(t *testing.T, p Providers, cfg Config) *Aggregator {
	t.Helper()
	agg, err := NewAggregator(p, cfg)
	require.NoError(t, err)
	return agg
}

func TestNewAggregatorRejectsAmbiguousNames(t *testing.T) {
	cases := map[string][]SignalProvider{
		"duplicate":  {bullish("rsi"), bullish("rsi")},
		"market":     {bullish("market")},
		"risk":       {bullish("risk")},
		"security":   {bullish("security")},
		"portfolio":  {bullish("portfolio")},
		"empty name": {bullish("")},
	}
	for name, signals := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewAggregator(Providers{Market: okMarket(), Signals: signals}, Config{})
			require.Error(t, err)
			assert.Equal(t, errs.KindInvalid, errs.KindOf(err))
		})
	}

	_, err := NewAggregator(Providers{Market: okMarket(), Signals: []SignalProvider{bullish("a"), bullish("b")}}, Config{})
	assert.NoError(t, err)
}

func TestCollectAllSources(t *testing.T) {
	agg := mustAggregator(t, Providers{
		Market: okMarket(),
		Risk: riskFunc(func(context.Context, types.Pair) (types.RiskConstraints, error) {
			return types.RiskConstraints{MaxExposurePct: 50, AvailableCapital: 1000, MaxTradeSize: 200}, nil
		}),
		Security: securityFunc(func(context.Context, types.Pair) (types.SecurityAssessment, error) {
			return types.SecurityAssessment{Score: 90}, nil
		}),
		Portfolio: portfolioFunc(func(context.Context) (types.PortfolioSnapshot, error) {
			return types.PortfolioSnapshot{RealizedPnL: 12}, nil
		}),
		Signals: []SignalProvider{bullish("a"), bullish("b")},
	}, Config{})

	in, err := agg.Collect(context.Background(), pair)
	require.NoError(t, err)
	assert.Equal(t, 150.0, in.Market.Price)
	assert.Equal(t, 200.0, in.Risk.MaxTradeSize)
	assert.Equal(t, 90.0, in.Security.Score)
	assert.Equal(t, 12.0, in.Portfolio.RealizedPnL)
	require.Len(t, in.Signals, 2)
	assert.Equal(t, "a", in.Signals[0].SourceName)
	assert.Equal(t, "b", in.Signals[1].SourceName)
	assert.Equal(t, "6/6 sources available", in.Coverage.String())
	assert.Empty(t, in.Coverage.Missing)
}

func TestCollectIsolatesProviders(t *testing.T) {
	agg := mustAggregator(t, Providers{
		Market: okMarket(),
		Risk: riskFunc(func(context.Context, types.Pair) (types.RiskConstraints, error) {
			return types.RiskConstraints{}, errors.New("ledger down")
		}),
		Security: securityFunc(func(context.Context, types.Pair) (types.SecurityAssessment, error) {
			panic("boom")
		}),
		Signals: []SignalProvider{
			bullish("good"),
			namedSignal{name: "slow", fn: func(ctx context.Context) (types.SignalRecord, error) {
				<-ctx.Done()
				return types.SignalRecord{}, ctx.Err()
			}},
			namedSignal{name: "invalid", fn: func(context.Context) (types.SignalRecord, error) {
				return types.SignalRecord{SignalStrength: 3, Confidence: 0.5}, nil
			}},
			namedSignal{name: "nan", fn: func(context.Context) (types.SignalRecord, error) {
				return types.SignalRecord{SignalStrength: 0.1, Confidence: math.NaN()}, nil
			}},
		},
	}, Config{ProviderTimeout: 50 * time.Millisecond})

	start := time.Now()
	in, err := agg.Collect(context.Background(), pair)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	require.Len(t, in.Signals, 1)
	assert.Equal(t, "good", in.Signals[0].SourceName)
	assert.Equal(t, "2/7 sources available", in.Coverage.String())
	assert.Equal(t, []string{"invalid", "nan", "risk", "security", "slow"}, in.Coverage.Missing)

	assert.Equal(t, types.RiskConstraints{}, in.Risk)
	assert.Equal(t, 0.0, in.Security.Score)
	require.Len(t, in.Security.Alerts, 1)
	assert.True(t, in.Security.Alerts[0].Blocking)
	assert.Equal(t, AlertSecurityUnavailable, in.Security.Alerts[0].Code)
}

func TestCollectRequiresMarket(t *testing.T) {
	agg := mustAggregator(t, Providers{
		Market: marketFunc(func(context.Context, types.Pair) (types.MarketSnapshot, error) {
			return types.MarketSnapshot{Price: 0}, nil
		}),
	}, Config{})
	_, err := agg.Collect(context.Background(), pair)
	require.Error(t, err)
	assert.Equal(t, errs.KindSignalUnavailable, errs.KindOf(err))

	_, err = mustAggregator(t, Providers{}, Config{}).Collect(context.Background(), pair)
	assert.Equal(t, errs.KindInvalid, errs.KindOf(err))
}

func TestCollectSnapshotIsIsolated(t *testing.T) {
	indicators := map[string]float64{"rsi": 70}
	agg := mustAggregator(t, Providers{
		Market: okMarket(),
		Signals: []SignalProvider{namedSignal{name: "rsi", fn: func(context.Context) (types.SignalRecord, error) {
			return types.SignalRecord{SignalStrength: -0.2, Confidence: 0.6, Indicators: indicators}, nil
		}}},
	}, Config{})

	in, err := agg.Collect(context.Background(), pair)
	require.NoError(t, err)
	indicators["rsi"] = 10
	assert.Equal(t, 70.0, in.Signals[0].Indicators["rsi"])
}

type stubPrices struct {
	pc  quote.PriceContext
	err error
}

func (s *stubPrices) Price(context.Context, types.Pair) (quote.PriceContext, error) {
	return s.pc, s.err
}

func TestJupiterMarketProvider(t *testing.T) {
	prices := &stubPrices{pc: quote.PriceContext{Price: 100, PriceImpact: 0.001}}
	p := NewJupiterMarketProvider(prices, time.Minute, 5)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	for i, price := range []float64{100, 102, 101, 105, 104, 108, 110} {
		prices.pc.Price = price
		clock = clock.Add(time.Minute)
		_, err := p.Market(context.Background(), pair)
		require.NoError(t, err, "sample %d", i)
	}
	// two samples in one bucket
	prices.pc.Price = 111
	clock = clock.Add(10 * time.Second)
	snap, err := p.Market(context.Background(), pair)
	require.NoError(t, err)

	assert.Equal(t, 111.0, snap.Price)
	assert.InDelta(t, 111/0.001, snap.Liquidity, 1e-6)
	require.NoError(t, types.ValidateMarket(snap))
	require.LessOrEqual(t, len(snap.Candles), 6)
	last := snap.Candles[len(snap.Candles)-1]
	assert.Equal(t, 110.0, last.Open)
	assert.Equal(t, 111.0, last.Close)
	assert.Equal(t, 111.0, last.High)
	assert.Greater(t, snap.Volatility, 0.0)

	t.Run("stale prices are not recorded", func(t *testing.T) {
		before := len(p.Candles(pair))
		prices.pc = quote.PriceContext{Price: 90, Stale: true}
		clock = clock.Add(time.Minute)
		snap, err := p.Market(context.Background(), pair)
		require.NoError(t, err)
		assert.Equal(t, 90.0, snap.Price)
		assert.Len(t, p.Candles(pair), before)
	})

	t.Run("price failure", func(t *testing.T) {
		prices.err = errors.New("down")
		_, err := p.Market(context.Background(), pair)
		assert.Error(t, err)
	})
}

type fixedCandles []types.Candle

func (f fixedCandles) Candles(types.Pair) []types.Candle { return f }

func closes(vals ...float64) fixedCandles {
	out := make(fixedCandles, len(vals))
	for i, v := range vals {
		out[i] = types.Candle{Time: time.Unix(int64(i*60), 0), Open: v, High: v, Low: v, Close: v}
	}
	return out
}

func TestMomentumProvider(t *testing.T) {
	up, err := NewMomentumProvider(closes(100, 101, 103, 106)).Signal(context.Background(), pair)
	require.NoError(t, err)
	assert.Greater(t, up.SignalStrength, 0.5)
	assert.InDelta(t, 0.06, up.Indicators["return"], 1e-9)
	require.NoError(t, types.ValidateSignal(up))

	down, err := NewMomentumProvider(closes(100, 98, 95)).Signal(context.Background(), pair)
	require.NoError(t, err)
	assert.Less(t, down.SignalStrength, 0.0)
	assert.InDelta(t, 0.1, down.Confidence, 1e-9)

	_, err = NewMomentumProvider(closes(100)).Signal(context.Background(), pair)
	assert.Error(t, err)
}

func TestLedgerRiskProvider(t *testing.T) {
	pf := types.PortfolioSnapshot{
		OpenPositions: []types.Position{
			{Pair: "SOL/USDC", BaseAmount: 2, CostBasis: 250},
			{Pair: "JUP/USDC", BaseAmount: 100, CostBasis: 100},
		},
		RealizedPnL: 50,
	}
	prices := &stubPrices{pc: quote.PriceContext{Price: 150}}
	p := NewLedgerRiskProvider(RiskSettings{MaxExposurePct: 40, MaxTradeSize: 200, Capital: 1000},
		portfolioFunc(func(context.Context) (types.PortfolioSnapshot, error) { return pf, nil }), prices)

	rc, err := p.Risk(context.Background(), pair)
	require.NoError(t, err)
	assert.Equal(t, 40.0, rc.MaxExposurePct)
	assert.Equal(t, 200.0, rc.MaxTradeSize)
	assert.InDelta(t, 700, rc.AvailableCapital, 1e-9)
	assert.InDelta(t, 300, rc.CurrentExposure, 1e-9)
	assert.InDelta(t, 700+350-250+300, rc.PortfolioValue, 1e-9)
	require.NoError(t, types.ValidateRisk(rc))

	t.Run("falls back to cost basis", func(t *testing.T) {
		prices.err = errors.New("down")
		rc, err := p.Risk(context.Background(), pair)
		require.NoError(t, err)
		assert.InDelta(t, 250, rc.CurrentExposure, 1e-9)
	})
}

type stubTokens struct {
	info utils.JupiterTokenInfo
	err  error
}

func (s stubTokens) TokenInfo(context.Context, string) (utils.JupiterTokenInfo, error) {
	return s.info, s.err
}

func TestTokenSecurityProvider(t *testing.T) {
	auth := "Auth1111"
	tests := []struct {
		name      string
		info      utils.JupiterTokenInfo
		wantScore float64
		blocking  bool
		codes     []string
	}{
		{name: "clean", info: utils.JupiterTokenInfo{Symbol: "SOL", Tags: []string{"verified"}, DailyVolume: 1e9}, wantScore: 100},
		{name: "freeze authority blocks", info: utils.JupiterTokenInfo{Symbol: "X", Tags: []string{"strict"}, DailyVolume: 1e9, FreezeAuthority: &auth}, wantScore: 50, blocking: true, codes: []string{"freeze_authority"}},
		{name: "penalties stack", info: utils.JupiterTokenInfo{Symbol: "Y", DailyVolume: 10, MintAuthority: &auth}, wantScore: 40, codes: []string{"mint_authority", "unverified", "low_volume"}},
		{name: "score floors at zero", info: utils.JupiterTokenInfo{Symbol: "Z", FreezeAuthority: &auth, PermanentDelegate: &auth, MintAuthority: &auth}, wantScore: 0, blocking: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sa, err := NewTokenSecurityProvider(stubTokens{info: tt.info}, 50_000).Security(context.Background(), pair)
			require.NoError(t, err)
			assert.Equal(t, tt.wantScore, sa.Score)
			var blocking bool
			var codes []string
			for _, a := range sa.Alerts {
				blocking = blocking || a.Blocking
				codes = append(codes, a.Code)
			}
			assert.Equal(t, tt.blocking, blocking)
			if tt.codes != nil {
				assert.Equal(t, tt.codes, codes)
			}
		})
	}

	_, err := NewTokenSecurityProvider(stubTokens{err: errors.New("404")}, 0).Security(context.Background(), pair)
	assert.Error(t, err)
}
