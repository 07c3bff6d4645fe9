package signal

import (
	"context"
	"fmt"
	"math"

	"numerusx/internal/types"
)

// CandleSource exposes a pair's recent candles.
type CandleSource interface {
	Candles(pair types.Pair) []types.Candle
}

// MomentumProvider signals the signed return over the candle window.
type MomentumProvider struct {
	candles CandleSource
	// Gain scales the return before squashing into [-1,1].
	Gain float64
	// MinCandles is the history below which the provider reports an error.
	MinCandles int
	// FullConfidence is the candle count at which confidence saturates.
	FullConfidence int
}

// NewMomentumProvider reads candles from src.
func NewMomentumProvider(src CandleSource) *MomentumProvider {
	return &MomentumProvider{candles: src, Gain: 20, MinCandles: 3, FullConfidence: 30}
}

func (m *MomentumProvider) Name() string { return "momentum" }

func (m *MomentumProvider) Signal(_ context.Context, pair types.Pair) (types.SignalRecord, error) {
	candles := m.candles.Candles(pair)
	if len(candles) < m.MinCandles {
		return types.SignalRecord{}, fmt.Errorf("momentum needs %d candles, have %d", m.MinCandles, len(candles))
	}

	first, last := candles[0].Close, candles[len(candles)-1].Close
	ret := last/first - 1
	strength := math.Tanh(ret * m.Gain)
	confidence := math.Min(1, float64(len(candles))/float64(m.FullConfidence))

	direction := "flat"
	switch {
	case strength > 0.05:
		direction = "up"
	case strength < -0.05:
		direction = "down"
	}
	return types.SignalRecord{
		SourceName:     m.Name(),
		SignalStrength: strength,
		Confidence:     confidence,
		Indicators: map[string]float64{
			"return":     ret,
			"candles":    float64(len(candles)),
			"volatility": Volatility(candles),
		},
		Rationale: fmt.Sprintf("price %s %.2f%% over %d candles", direction, ret*100, len(candles)),
	}, nil
}
