package decision

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"numerusx/internal/types"
)

var pair = types.Pair{
	Base: "SOL", Quote: "USDC",
	BaseMint: "So11111111111111111111111111111111111111112", QuoteMint: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
	BaseDecimals: 9, QuoteDecimals: 6,
}

func input(t *testing.T, candles, signals int) types.DecisionInput {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cs := make([]types.Candle, candles)
	for i := range cs {
		p := 100 + float64(i)
		cs[i] = types.Candle{Time: start.Add(time.Duration(i) * time.Minute), Open: p, High: p + 1, Low: p - 1, Close: p, Volume: 10}
	}
	ss := make([]types.SignalRecord, signals)
	for i := range ss {
		ss[i] = types.SignalRecord{
			SourceName:     "s" + string(rune('a'+i%26)),
			SignalStrength: 0.5,
			Confidence:     float64(i%10) / 10,
			Indicators:     map[string]float64{"rsi": 60, "macd": 1.2},
			Rationale:      "bullish crossover",
		}
	}
	in, err := types.NewDecisionInput(start, pair,
		types.MarketSnapshot{Price: 150, Candles: cs, Liquidity: 1e6, Volatility: 0.02},
		ss,
		types.RiskConstraints{MaxExposurePct: 50, AvailableCapital: 1000, MaxTradeSize: 300, PortfolioValue: 1000},
		types.SecurityAssessment{Score: 90},
		types.PortfolioSnapshot{},
		types.SourceCoverage{Available: signals + 1, Total: signals + 2, Missing: []string{"risk"}},
	)
	require.NoError(t, err)
	return in
}

type scriptedReasoner struct {
	mu      sync.Mutex
	replies []func(ctx context.Context) (string, error)
	reqs    []Request
}

func (s *scriptedReasoner) Complete(ctx context.Context, req Request) (string, error) {
	s.mu.Lock()
	i := len(s.reqs)
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	if i >= len(s.replies) {
		return "", errors.New("unexpected call")
	}
	return s.replies[i](ctx)
}

func say(s string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return s, nil }
}

func hang(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

const buyReply = `{"action":"BUY","pair":"SOL/USDC","amount_quote_currency":200,"confidence":0.9,"rationale":"all sources bullish"}`

func TestDecide(t *testing.T) {
	in := input(t, 5, 3)

	t.Run("valid reply", func(t *testing.T) {
		r := &scriptedReasoner{replies: []func(context.Context) (string, error){say(buyReply)}}
		d := NewEngine(r, Config{}).Decide(context.Background(), in)
		assert.Equal(t, types.ActionBuy, d.Action)
		assert.Equal(t, 200.0, d.AmountValue())
		assert.Len(t, r.reqs, 1)
	})

	t.Run("timeout twice falls back to hold", func(t *testing.T) {
		r := &scriptedReasoner{replies: []func(context.Context) (string, error){hang, hang}}
		d := NewEngine(r, Config{Timeout: 20 * time.Millisecond}).Decide(context.Background(), in)
		assert.Equal(t, types.FallbackDecision("SOL/USDC"), d)
		assert.NoError(t, d.Validate())
		assert.Len(t, r.reqs, 2)
	})

	t.Run("retry uses reworded prompt", func(t *testing.T) {
		r := &scriptedReasoner{replies: []func(context.Context) (string, error){say("I think you should buy"), say(buyReply)}}
		d := NewEngine(r, Config{}).Decide(context.Background(), in)
		assert.Equal(t, types.ActionBuy, d.Action)
		require.Len(t, r.reqs, 2)
		assert.NotEqual(t, r.reqs[0].System, r.reqs[1].System)
		assert.Equal(t, r.reqs[0].User, r.reqs[1].User)
	})

	t.Run("content filter then invalid schema", func(t *testing.T) {
		r := &scriptedReasoner{replies: []func(context.Context) (string, error){
			func(context.Context) (string, error) { return "", ErrContentFiltered },
			say(`{"action":"BUY","pair":"SOL/USDC","confidence":0.9,"rationale":"no amount"}`),
		}}
		d := NewEngine(r, Config{}).Decide(context.Background(), in)
		assert.Equal(t, types.ActionHold, d.Action)
		assert.Equal(t, types.FallbackRationale, d.Rationale)
		assert.Len(t, r.reqs, 2)
	})

	t.Run("over budget input is not retried", func(t *testing.T) {
		r := &scriptedReasoner{}
		d := NewEngine(r, Config{Budget: Budget{MaxInputBytes: 10}}).Decide(context.Background(), in)
		assert.Equal(t, types.FallbackRationale, d.Rationale)
		assert.Empty(t, r.reqs)
	})
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    types.Action
		wantErr bool
	}{
		{name: "buy", content: buyReply, want: types.ActionBuy},
		{name: "fenced", content: "```json\n" + buyReply + "\n```", want: types.ActionBuy},
		{name: "lowercase action", content: `{"action":"hold","pair":"sol/usdc","confidence":0.4,"rationale":"flat"}`, want: types.ActionHold},
		{name: "hold drops amount", content: `{"action":"HOLD","pair":"SOL/USDC","amount_quote_currency":50,"confidence":0.4,"rationale":"flat"}`, want: types.ActionHold},
		{name: "unknown key", content: `{"action":"HOLD","pair":"SOL/USDC","confidence":0.4,"rationale":"x","leverage":10}`, wantErr: true},
		{name: "foreign pair", content: `{"action":"HOLD","pair":"BTC/USDC","confidence":0.4,"rationale":"x"}`, wantErr: true},
		{name: "bad enum", content: `{"action":"SHORT","pair":"SOL/USDC","confidence":0.4,"rationale":"x"}`, wantErr: true},
		{name: "confidence out of range", content: `{"action":"HOLD","pair":"SOL/USDC","confidence":1.4,"rationale":"x"}`, wantErr: true},
		{name: "missing confidence", content: `{"action":"HOLD","pair":"SOL/USDC","rationale":"x"}`, wantErr: true},
		{name: "empty rationale", content: `{"action":"HOLD","pair":"SOL/USDC","confidence":0.4,"rationale":"  "}`, wantErr: true},
		{name: "negative stop loss", content: `{"action":"BUY","pair":"SOL/USDC","amount_quote_currency":20,"confidence":0.4,"stop_loss":-1,"rationale":"x"}`, wantErr: true},
		{name: "prose", content: `Sure! Here is the decision.`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseDecision(tt.content, pair)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Action)
			assert.Equal(t, "SOL/USDC", d.Pair)
			if d.Action == types.ActionHold {
				assert.Nil(t, d.Amount)
			}
		})
	}
}

func TestBuildRequest(t *testing.T) {
	t.Run("within budget keeps everything", func(t *testing.T) {
		req, err := BuildRequest(input(t, 5, 3), Budget{}, false)
		require.NoError(t, err)
		assert.Equal(t, systemPrompt, req.System)
		assert.Contains(t, req.User, `"coverage":"4/5 sources available"`)
		assert.NotContains(t, req.User, "candle_summary")
	})

	t.Run("truncation keeps most recent candles and top signals", func(t *testing.T) {
		in := input(t, 200, 40)
		req, err := BuildRequest(in, Budget{MaxInputBytes: 6000, CandleWindow: 50, MaxSignals: 8}, true)
		require.NoError(t, err)
		assert.Equal(t, rewordedSystemPrompt, req.System)
		assert.LessOrEqual(t, len(strings.TrimPrefix(req.User, "Snapshot:\n")), 6000)

		var payload promptPayload
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(req.User, "Snapshot:\n")), &payload))
		require.NotNil(t, payload.Market.CandleSeries)
		assert.Equal(t, 200, payload.Market.CandleSeries.Count)
		if n := len(payload.Market.Candles); n > 0 {
			assert.True(t, payload.Market.Candles[n-1].Time.Equal(in.Market.Candles[199].Time))
		}
		require.NotNil(t, payload.SignalSummary)
		assert.Equal(t, 40, payload.SignalSummary.Count)
		require.NotEmpty(t, payload.Signals)
		assert.Equal(t, 0.9, payload.Signals[0].Confidence)
	})

	t.Run("impossible budget errors", func(t *testing.T) {
		_, err := BuildRequest(input(t, 5, 3), Budget{MaxInputBytes: 50}, false)
		assert.Error(t, err)
	})
}

func TestChatClient(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		switch got.Messages[1].Content {
		case "filtered":
			_, _ = io.WriteString(w, `{"choices":[{"message":{"content":""},"finish_reason":"content_filter"}]}`)
		case "policy":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":{"message":"flagged","code":"content_policy_violation"}}`)
		case "broken":
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, `{"error":{"message":"upstream"}}`)
		default:
			_, _ = io.WriteString(w, `{"choices":[{"message":{"content":" {\"action\":\"HOLD\"} "},"finish_reason":"stop"}]}`)
		}
	}))
	defer srv.Close()

	c := NewChatClient(ClientConfig{BaseURL: srv.URL + "/v1/", APIKey: "key", Model: "gpt-test", Temperature: 0.2, MaxTokens: 100})
	ctx := context.Background()

	out, err := c.Complete(ctx, Request{System: "sys", User: "hello"})
	require.NoError(t, err)
	assert.Equal(t, `{"action":"HOLD"}`, out)
	assert.Equal(t, "gpt-test", got.Model)
	assert.Equal(t, "json_object", got.ResponseFormat["type"])
	assert.Equal(t, "sys", got.Messages[0].Content)

	_, err = c.Complete(ctx, Request{User: "filtered"})
	assert.ErrorIs(t, err, ErrContentFiltered)
	_, err = c.Complete(ctx, Request{User: "policy"})
	assert.ErrorIs(t, err, ErrContentFiltered)
	_, err = c.Complete(ctx, Request{User: "broken"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
