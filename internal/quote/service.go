// Package quote wraps the DEX aggregator: quotes, swap builds and token metadata.
package quote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"numerusx/internal/trace"
	"numerusx/internal/types"
	"numerusx/pkg/utils"
)

// Aggregator is the subset of the Jupiter client the service needs.
type Aggregator interface {
	GetQuote(ctx context.Context, p utils.QuoteParams) (*utils.JupiterQuoteResponse, error)
	BuildSwapTransaction(ctx context.Context, rawQuote json.RawMessage, userPublicKey string) (*utils.JupiterSwapResponse, error)
	GetTokenInfo(ctx context.Context, mint string) (*utils.JupiterTokenInfo, error)
}

// Config tunes caching and slippage.
type Config struct {
	SlippageBps int
	// PriceTTL is how long a price context quote is served from cache.
	PriceTTL time.Duration
	// MaxStale bounds how old a cached price may be when the aggregator fails.
	MaxStale time.Duration
	// TokenTTL is how long token metadata is cached.
	TokenTTL time.Duration
}

// BuiltSwap is an unsigned transaction and the block height it stays valid until.
type BuiltSwap struct {
	Tx                    []byte
	LastValidBlockHeight  uint64
	PrioritizationLamport uint64
}

// PriceContext is the price of one base unit in quote currency.
type PriceContext struct {
	Price       float64
	PriceImpact float64
	Stale       bool
}

type tokenEntry struct {
	info      utils.JupiterTokenInfo
	fetchedAt time.Time
}

// Service is the QuoteService.
type Service struct {
	agg    Aggregator
	cfg    Config
	prices *utils.PriceCache

	mu      sync.RWMutex
	impacts map[string]float64
	tokens  map[string]tokenEntry
}

// NewService builds a Service with defaults for zero config values.
func NewService(agg Aggregator, cfg Config) *Service {
	if cfg.SlippageBps <= 0 {
		cfg.SlippageBps = 50
	}
	if cfg.PriceTTL <= 0 {
		cfg.PriceTTL = 10 * time.Second
	}
	if cfg.MaxStale <= 0 {
		cfg.MaxStale = 2 * time.Minute
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	return &Service{
		agg:     agg,
		cfg:     cfg,
		prices:  utils.NewPriceCache(),
		impacts: make(map[string]float64),
		tokens:  make(map[string]tokenEntry),
	}
}

// Price returns the cached-or-fetched price of one whole base token.
// On aggregator failure a cached price younger than MaxStale is returned flagged Stale.
func (s *Service) Price(ctx context.Context, pair types.Pair) (PriceContext, error) {
	key := pair.BaseMint + ":" + pair.QuoteMint
	if price, age, ok := s.prices.Get(key); ok && age <= s.cfg.PriceTTL {
		return PriceContext{Price: price, PriceImpact: s.impact(key)}, nil
	}

	ctx, span := trace.StartSpan(ctx, "quote.price")
	defer span.End()

	oneBase := decimal.New(1, int32(pair.BaseDecimals))
	resp, err := s.agg.GetQuote(ctx, utils.QuoteParams{
		InputMint:   pair.BaseMint,
		OutputMint:  pair.QuoteMint,
		Amount:      oneBase.BigInt().Uint64(),
		SlippageBps: s.cfg.SlippageBps,
	})
	if err == nil {
		var price float64
		price, err = uiAmount(resp.OutAmount, pair.QuoteDecimals)
		if err == nil && price > 0 {
			impact := parseImpact(resp.PriceImpactPct)
			s.prices.Put(key, price)
			s.mu.Lock()
			s.impacts[key] = impact
			s.mu.Unlock()
			return PriceContext{Price: price, PriceImpact: impact}, nil
		}
		if err == nil {
			err = fmt.Errorf("aggregator returned zero output")
		}
	}

	if price, age, ok := s.prices.Get(key); ok && age <= s.cfg.MaxStale {
		log.WithFields(log.Fields{"pair": pair.String(), "age": age.String(), "error": err}).
			Warn("Price quote failed, serving cached price")
		return PriceContext{Price: price, PriceImpact: s.impact(key), Stale: true}, nil
	}
	return PriceContext{}, fmt.Errorf("price for %s: %w", pair.String(), err)
}

// FreshQuote fetches a new quote for a trade of amountQuote quote-currency units.
// It never consults a cache for the quote itself, and every call returns a new quote ID.
func (s *Service) FreshQuote(ctx context.Context, pair types.Pair, action types.Action, amountQuote float64) (types.SwapQuote, error) {
	if amountQuote <= 0 {
		return types.SwapQuote{}, fmt.Errorf("amount %v must be > 0", amountQuote)
	}

	params := utils.QuoteParams{SlippageBps: s.cfg.SlippageBps}
	switch action {
	case types.ActionBuy:
		params.InputMint, params.OutputMint = pair.QuoteMint, pair.BaseMint
		params.Amount = baseUnits(decimal.NewFromFloat(amountQuote), pair.QuoteDecimals)
	case types.ActionSell:
		pc, err := s.Price(ctx, pair)
		if err != nil {
			return types.SwapQuote{}, err
		}
		baseAmount := decimal.NewFromFloat(amountQuote).Div(decimal.NewFromFloat(pc.Price))
		params.InputMint, params.OutputMint = pair.BaseMint, pair.QuoteMint
		params.Amount = baseUnits(baseAmount, pair.BaseDecimals)
	default:
		return types.SwapQuote{}, fmt.Errorf("action %s is not tradable", action)
	}
	if params.Amount == 0 {
		return types.SwapQuote{}, fmt.Errorf("amount %v rounds to zero base units", amountQuote)
	}

	ctx, span := trace.StartSpan(ctx, "quote.fresh")
	defer span.End()

	resp, err := s.agg.GetQuote(ctx, params)
	if err != nil {
		return types.SwapQuote{}, fmt.Errorf("quote %s %s: %w", action, pair.String(), err)
	}
	return toSwapQuote(resp, params)
}

// BuildSwap builds the unsigned transaction for quote with payer as fee payer.
func (s *Service) BuildSwap(ctx context.Context, q types.SwapQuote, payer string) (BuiltSwap, error) {
	ctx, span := trace.StartSpan(ctx, "quote.build_swap")
	defer span.End()

	resp, err := s.agg.BuildSwapTransaction(ctx, q.Raw, payer)
	if err != nil {
		return BuiltSwap{}, err
	}
	tx, err := base64.StdEncoding.DecodeString(resp.SwapTransaction)
	if err != nil {
		return BuiltSwap{}, fmt.Errorf("failed to decode swap transaction: %w", err)
	}
	if resp.LastValidBlockHeight == 0 {
		return BuiltSwap{}, fmt.Errorf("swap response has no validity bound")
	}
	return BuiltSwap{Tx: tx, LastValidBlockHeight: resp.LastValidBlockHeight, PrioritizationLamport: resp.PrioritizationFeeLamports}, nil
}

// TokenInfo returns cached token metadata.
func (s *Service) TokenInfo(ctx context.Context, mint string) (utils.JupiterTokenInfo, error) {
	s.mu.RLock()
	entry, ok := s.tokens[mint]
	s.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) <= s.cfg.TokenTTL {
		return entry.info, nil
	}
	info, err := s.agg.GetTokenInfo(ctx, mint)
	if err != nil {
		return utils.JupiterTokenInfo{}, fmt.Errorf("token info %s: %w", mint, err)
	}
	s.mu.Lock()
	s.tokens[mint] = tokenEntry{info: *info, fetchedAt: time.Now()}
	s.mu.Unlock()
	return *info, nil
}

// EstimatedSettlement derives UI amounts and price from a quote's expected amounts.
func EstimatedSettlement(pair types.Pair, action types.Action, q types.SwapQuote) types.Settlement {
	s := Settle(pair, action, q.InputAmount, q.ExpectedOutputAmount)
	s.Estimated = true
	return s
}

// Settle converts raw input/output amounts into a Settlement priced in quote per base.
func Settle(pair types.Pair, action types.Action, in, out uint64) types.Settlement {
	inDec, outDec := pair.QuoteDecimals, pair.BaseDecimals
	if action == types.ActionSell {
		inDec, outDec = pair.BaseDecimals, pair.QuoteDecimals
	}
	inUI := decimal.NewFromUint64(in).Shift(-int32(inDec))
	outUI := decimal.NewFromUint64(out).Shift(-int32(outDec))

	var price decimal.Decimal
	switch {
	case action == types.ActionBuy && outUI.IsPositive():
		price = inUI.Div(outUI)
	case action == types.ActionSell && inUI.IsPositive():
		price = outUI.Div(inUI)
	}
	return types.Settlement{
		InputAmount:   inUI.InexactFloat64(),
		OutputAmount:  outUI.InexactFloat64(),
		RealizedPrice: price.InexactFloat64(),
	}
}

func (s *Service) impact(key string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.impacts[key]
}

func toSwapQuote(resp *utils.JupiterQuoteResponse, params utils.QuoteParams) (types.SwapQuote, error) {
	in, err := strconv.ParseUint(resp.InAmount, 10, 64)
	if err != nil {
		return types.SwapQuote{}, fmt.Errorf("failed to parse inAmount: %w", err)
	}
	out, err := strconv.ParseUint(resp.OutAmount, 10, 64)
	if err != nil {
		return types.SwapQuote{}, fmt.Errorf("failed to parse outAmount: %w", err)
	}
	if out == 0 {
		return types.SwapQuote{}, fmt.Errorf("quote has zero output")
	}
	route := make([]types.RouteHop, 0, len(resp.RoutePlan))
	for _, rp := range resp.RoutePlan {
		route = append(route, types.RouteHop{
			AMMKey:     rp.SwapInfo.AmmKey,
			Label:      rp.SwapInfo.Label,
			InputMint:  rp.SwapInfo.InputMint,
			OutputMint: rp.SwapInfo.OutputMint,
			Percent:    rp.Percent,
		})
	}
	slippage := resp.SlippageBps
	if slippage == 0 {
		slippage = params.SlippageBps
	}
	return types.SwapQuote{
		ID:                   types.NewQuoteID(),
		InputMint:            params.InputMint,
		OutputMint:           params.OutputMint,
		InputAmount:          in,
		ExpectedOutputAmount: out,
		PriceImpact:          parseImpact(resp.PriceImpactPct),
		SlippageBps:          slippage,
		Route:                route,
		FetchedAt:            time.Now().UTC(),
		Raw:                  resp.Raw(),
	}, nil
}

func baseUnits(ui decimal.Decimal, decimals uint8) uint64 {
	units := ui.Shift(int32(decimals)).Floor()
	if !units.IsPositive() {
		return 0
	}
	return units.BigInt().Uint64()
}

func uiAmount(raw string, decimals uint8) (float64, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("failed to parse amount %q: %w", raw, err)
	}
	return d.Shift(-int32(decimals)).InexactFloat64(), nil
}

func parseImpact(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
