package decision

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"numerusx/internal/types"
)

// Budget bounds the serialized snapshot sent to the reasoning service.
type Budget struct {
	// MaxInputBytes is the size the user message must fit in.
	MaxInputBytes int
	// CandleWindow is how many most-recent candles are sent verbatim.
	CandleWindow int
	// MaxSignals is how many highest-confidence signals are sent verbatim.
	MaxSignals int
}

func (b Budget) withDefaults() Budget {
	if b.MaxInputBytes <= 0 {
		b.MaxInputBytes = 16 * 1024
	}
	if b.CandleWindow <= 0 {
		b.CandleWindow = 30
	}
	if b.MaxSignals <= 0 {
		b.MaxSignals = 10
	}
	return b
}

const systemPrompt = `You are the decision engine of an automated spot trading agent on Solana.
You receive one market snapshot as JSON and reply with exactly one JSON object and nothing else.
Reply schema:
{"action": "BUY" | "SELL" | "HOLD",
 "pair": string (must equal the snapshot pair),
 "amount_quote_currency": number > 0 (required for BUY and SELL, omitted for HOLD),
 "confidence": number in [0,1],
 "stop_loss": number > 0 (optional),
 "take_profit": number > 0 (optional),
 "rationale": non-empty string}
No other keys are allowed. Never exceed risk.max_trade_size or risk.available_capital.`

const rewordedSystemPrompt = `Return one JSON object describing a spot trade decision for the given snapshot.
Keys: action (BUY, SELL or HOLD), pair (copy the snapshot pair), amount_quote_currency (positive number, only for BUY or SELL),
confidence (0 to 1), stop_loss and take_profit (optional positive numbers), rationale (short text).
Do not add other keys or any text outside the JSON object. If unsure, answer HOLD.`

type candleStats struct {
	Count     int       `json:"count"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	MinLow    float64   `json:"min_low"`
	MaxHigh   float64   `json:"max_high"`
	MeanClose float64   `json:"mean_close"`
	Return    float64   `json:"return"`
}

type signalStats struct {
	Count            int     `json:"count"`
	WeightedStrength float64 `json:"weighted_strength"`
	MeanConfidence   float64 `json:"mean_confidence"`
	Bullish          int     `json:"bullish"`
	Bearish          int     `json:"bearish"`
}

type promptMarket struct {
	Price        float64        `json:"price"`
	Liquidity    float64        `json:"liquidity"`
	Volatility   float64        `json:"volatility"`
	Candles      []types.Candle `json:"recent_candles"`
	CandleSeries *candleStats   `json:"candle_summary,omitempty"`
}

type promptPayload struct {
	Timestamp     time.Time                `json:"timestamp"`
	Pair          string                   `json:"pair"`
	Coverage      string                   `json:"coverage"`
	Missing       []string                 `json:"missing_sources,omitempty"`
	Market        promptMarket             `json:"market"`
	Signals       []types.SignalRecord     `json:"signals"`
	SignalSummary *signalStats             `json:"signal_summary,omitempty"`
	Risk          types.RiskConstraints    `json:"risk"`
	Security      types.SecurityAssessment `json:"security"`
	Portfolio     types.PortfolioSnapshot  `json:"portfolio"`
}

// BuildRequest serializes in within the budget. Candles keep the most recent
// entries and signals keep the highest-confidence ones; everything dropped is
// folded into summary statistics. Reworded selects the alternate instruction.
func BuildRequest(in types.DecisionInput, b Budget, reworded bool) (Request, error) {
	b = b.withDefaults()

	signals := append([]types.SignalRecord(nil), in.Signals...)
	sort.SliceStable(signals, func(i, j int) bool { return signals[i].Confidence > signals[j].Confidence })

	candleWindow, signalWindow := b.CandleWindow, b.MaxSignals
	dropIndicators := false
	for {
		payload := buildPayload(in, signals, candleWindow, signalWindow, dropIndicators)
		body, err := json.Marshal(payload)
		if err != nil {
			return Request{}, fmt.Errorf("failed to encode decision input: %w", err)
		}
		if len(body) <= b.MaxInputBytes {
			system := systemPrompt
			if reworded {
				system = rewordedSystemPrompt
			}
			return Request{System: system, User: "Snapshot:\n" + string(body)}, nil
		}

		switch {
		case candleWindow > 0:
			candleWindow /= 2
		case !dropIndicators:
			dropIndicators = true
		case signalWindow > 1:
			signalWindow /= 2
		default:
			return Request{}, fmt.Errorf("decision input is %d bytes, budget %d", len(body), b.MaxInputBytes)
		}
	}
}

func buildPayload(in types.DecisionInput, bySignalConfidence []types.SignalRecord, candleWindow, signalWindow int, dropIndicators bool) promptPayload {
	candles := in.Market.Candles
	var summary *candleStats
	if len(candles) > candleWindow {
		s := summarizeCandles(candles)
		summary = &s
		candles = candles[len(candles)-candleWindow:]
	}

	signals := bySignalConfidence
	var sigSummary *signalStats
	if len(signals) > signalWindow {
		s := summarizeSignals(signals)
		sigSummary = &s
		signals = signals[:signalWindow]
	}
	if dropIndicators {
		stripped := make([]types.SignalRecord, len(signals))
		for i, s := range signals {
			s.Indicators = nil
			stripped[i] = s
		}
		signals = stripped
	}

	return promptPayload{
		Timestamp: in.Timestamp,
		Pair:      in.Pair.String(),
		Coverage:  in.Coverage.String(),
		Missing:   in.Coverage.Missing,
		Market: promptMarket{
			Price:        in.Market.Price,
			Liquidity:    in.Market.Liquidity,
			Volatility:   in.Market.Volatility,
			Candles:      append([]types.Candle{}, candles...),
			CandleSeries: summary,
		},
		Signals:       append([]types.SignalRecord{}, signals...),
		SignalSummary: sigSummary,
		Risk:          in.Risk,
		Security:      in.Security,
		Portfolio:     in.Portfolio,
	}
}

func summarizeCandles(candles []types.Candle) candleStats {
	s := candleStats{
		Count:   len(candles),
		From:    candles[0].Time,
		To:      candles[len(candles)-1].Time,
		MinLow:  math.Inf(1),
		MaxHigh: math.Inf(-1),
	}
	for _, c := range candles {
		s.MinLow = math.Min(s.MinLow, c.Low)
		s.MaxHigh = math.Max(s.MaxHigh, c.High)
		s.MeanClose += c.Close
	}
	s.MeanClose /= float64(len(candles))
	s.Return = candles[len(candles)-1].Close/candles[0].Close - 1
	return s
}

func summarizeSignals(signals []types.SignalRecord) signalStats {
	s := signalStats{Count: len(signals)}
	var weight float64
	for _, sig := range signals {
		s.WeightedStrength += sig.SignalStrength * sig.Confidence
		weight += sig.Confidence
		s.MeanConfidence += sig.Confidence
		switch {
		case sig.SignalStrength > 0:
			s.Bullish++
		case sig.SignalStrength < 0:
			s.Bearish++
		}
	}
	if weight > 0 {
		s.WeightedStrength /= weight
	}
	s.MeanConfidence /= float64(len(signals))
	return s
}
