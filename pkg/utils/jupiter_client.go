package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const (
	// DefaultJupiterBaseURL is the public lite API host.
	DefaultJupiterBaseURL = "https://lite-api.jup.ag"
	// WrappedSOLMint is the native SOL mint used by the aggregator.
	WrappedSOLMint = "So11111111111111111111111111111111111111112"
)

// JupiterQuoteResponse represents the response structure from Jupiter API
type JupiterQuoteResponse struct {
	InputMint            string      `json:"inputMint"`
	InAmount             string      `json:"inAmount"`
	OutputMint           string      `json:"outputMint"`
	OutAmount            string      `json:"outAmount"`
	OtherAmountThreshold string      `json:"otherAmountThreshold"`
	SwapMode             string      `json:"swapMode"`
	SlippageBps          int         `json:"slippageBps"`
	PriceImpactPct       string      `json:"priceImpactPct"`
	RoutePlan            []RoutePlan `json:"routePlan"`
	ContextSlot          int         `json:"contextSlot"`
	TimeTaken            float64     `json:"timeTaken"`

	// raw keeps the untouched body; the swap endpoint wants it echoed back.
	raw json.RawMessage
}

// Raw returns the quote body exactly as Jupiter sent it.
func (q *JupiterQuoteResponse) Raw() json.RawMessage {
	return q.raw
}

// RoutePlan represents a route plan in the Jupiter response
type RoutePlan struct {
	SwapInfo SwapInfo `json:"swapInfo"`
	Percent  int      `json:"percent"`
}

// SwapInfo represents swap information in a route plan
type SwapInfo struct {
	AmmKey     string `json:"ammKey"`
	Label      string `json:"label"`
	InputMint  string `json:"inputMint"`
	OutputMint string `json:"outputMint"`
	InAmount   string `json:"inAmount"`
	OutAmount  string `json:"outAmount"`
	FeeAmount  string `json:"feeAmount"`
	FeeMint    string `json:"feeMint"`
}

// JupiterSwapResponse is the body of /swap/v1/swap.
type JupiterSwapResponse struct {
	SwapTransaction           string `json:"swapTransaction"`
	LastValidBlockHeight      uint64 `json:"lastValidBlockHeight"`
	PrioritizationFeeLamports uint64 `json:"prioritizationFeeLamports"`
}

// JupiterTokenInfo is the token metadata served by /tokens/v1/token/{mint}.
type JupiterTokenInfo struct {
	Address           string   `json:"address"`
	Name              string   `json:"name"`
	Symbol            string   `json:"symbol"`
	Decimals          uint8    `json:"decimals"`
	Tags              []string `json:"tags"`
	DailyVolume       float64  `json:"daily_volume"`
	FreezeAuthority   *string  `json:"freeze_authority"`
	MintAuthority     *string  `json:"mint_authority"`
	PermanentDelegate *string  `json:"permanent_delegate"`
}

// HasTag reports whether the token carries tag.
func (t JupiterTokenInfo) HasTag(tag string) bool {
	for _, v := range t.Tags {
		if v == tag {
			return true
		}
	}
	return false
}

// QuoteParams are the query parameters of a quote request.
type QuoteParams struct {
	InputMint  string
	OutputMint string
	// Amount is in input-token base units.
	Amount      uint64
	SlippageBps int
	// RestrictIntermediateTokens defaults to true when nil.
	RestrictIntermediateTokens *bool
}

// JupiterClient talks to the Jupiter aggregator API.
type JupiterClient struct {
	http    *resty.Client
	limiter *rate.Limiter
}

// NewJupiterClient creates a client for baseURL limited to rps requests per second.
func NewJupiterClient(baseURL string, rps float64, timeout time.Duration) *JupiterClient {
	if baseURL == "" {
		baseURL = DefaultJupiterBaseURL
	}
	if rps <= 0 {
		rps = 1
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(timeout)
	client.SetHeader("Accept", "application/json")

	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &JupiterClient{
		http:    client,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// GetQuote retrieves a swap quote.
func (c *JupiterClient) GetQuote(ctx context.Context, p QuoteParams) (*JupiterQuoteResponse, error) {
	if p.Amount == 0 {
		return nil, fmt.Errorf("quote amount must be > 0")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	restrict := true
	if p.RestrictIntermediateTokens != nil {
		restrict = *p.RestrictIntermediateTokens
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"inputMint":                  p.InputMint,
			"outputMint":                 p.OutputMint,
			"amount":                     strconv.FormatUint(p.Amount, 10),
			"slippageBps":                strconv.Itoa(p.SlippageBps),
			"restrictIntermediateTokens": strconv.FormatBool(restrict),
		}).
		Get("/swap/v1/quote")
	if err != nil {
		return nil, fmt.Errorf("failed to make HTTP request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("quote request failed with status %d: %s", resp.StatusCode(), resp.String())
	}

	var quote JupiterQuoteResponse
	if err := json.Unmarshal(resp.Body(), &quote); err != nil {
		return nil, fmt.Errorf("failed to decode quote response: %w", err)
	}
	quote.raw = append(json.RawMessage(nil), resp.Body()...)
	return &quote, nil
}

// BuildSwapTransaction asks Jupiter for an unsigned swap transaction for quote.
func (c *JupiterClient) BuildSwapTransaction(ctx context.Context, rawQuote json.RawMessage, userPublicKey string) (*JupiterSwapResponse, error) {
	if len(rawQuote) == 0 {
		return nil, fmt.Errorf("quote response is required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	body := map[string]any{
		"quoteResponse":             rawQuote,
		"userPublicKey":             userPublicKey,
		"wrapAndUnwrapSol":          true,
		"dynamicComputeUnitLimit":   true,
		"prioritizationFeeLamports": "auto",
	}
	var out JupiterSwapResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&out).
		Post("/swap/v1/swap")
	if err != nil {
		return nil, fmt.Errorf("failed to make HTTP request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("swap request failed with status %d: %s", resp.StatusCode(), resp.String())
	}
	if out.SwapTransaction == "" {
		return nil, fmt.Errorf("swap response has no transaction")
	}
	return &out, nil
}

// GetTokenInfo fetches token metadata.
func (c *JupiterClient) GetTokenInfo(ctx context.Context, mint string) (*JupiterTokenInfo, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}
	var info JupiterTokenInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("mint", mint).
		SetResult(&info).
		Get("/tokens/v1/token/{mint}")
	if err != nil {
		return nil, fmt.Errorf("failed to make HTTP request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("token request failed with status %d", resp.StatusCode())
	}
	return &info, nil
}

// token price cache (in-memory)
type tokenPriceCacheEntry struct {
	price     float64
	updatedAt time.Time
}

// PriceCache remembers the last good price per mint pair.
type PriceCache struct {
	mu      sync.RWMutex
	entries map[string]tokenPriceCacheEntry
}

// NewPriceCache creates an empty cache.
func NewPriceCache() *PriceCache {
	return &PriceCache{entries: make(map[string]tokenPriceCacheEntry)}
}

// Get returns the cached price and its age.
func (c *PriceCache) Get(key string) (float64, time.Duration, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return 0, 0, false
	}
	return entry.price, time.Since(entry.updatedAt), true
}

// Put stores a price.
func (c *PriceCache) Put(key string, price float64) {
	c.mu.Lock()
	c.entries[key] = tokenPriceCacheEntry{price: price, updatedAt: time.Now()}
	c.mu.Unlock()
}
