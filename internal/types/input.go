package types

import (
	"fmt"
	"math"
	"time"
)

// Candle is one OHLCV bar in quote-currency prices.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// MarketSnapshot is the price context of a pair at collection time.
type MarketSnapshot struct {
	Price      float64  `json:"price"`
	Candles    []Candle `json:"candles"`
	Liquidity  float64  `json:"liquidity"`
	Volatility float64  `json:"volatility"`
}

// SignalRecord is the output contract of one signal provider.
// SignalStrength is in [-1,1] (bearish to bullish), Confidence in [0,1].
type SignalRecord struct {
	SourceName     string             `json:"source_name"`
	SignalStrength float64            `json:"signal_strength"`
	Confidence     float64            `json:"confidence"`
	Indicators     map[string]float64 `json:"indicators,omitempty"`
	Rationale      string             `json:"rationale"`
}

// RiskConstraints bound the size of one trade. Amounts are quote currency.
type RiskConstraints struct {
	MaxExposurePct   float64 `json:"max_exposure_pct"`
	AvailableCapital float64 `json:"available_capital"`
	MaxTradeSize     float64 `json:"max_trade_size"`
	// CurrentExposure is the pair's open position valued in quote currency.
	CurrentExposure float64 `json:"current_exposure"`
	// PortfolioValue is the total value max_exposure_pct is measured against.
	PortfolioValue float64 `json:"portfolio_value"`
}

// SecurityAlert is one finding of the security assessment.
type SecurityAlert struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Blocking bool   `json:"blocking"`
}

// SecurityAssessment scores the traded token in [0,100].
type SecurityAssessment struct {
	Score  float64         `json:"score"`
	Alerts []SecurityAlert `json:"alerts"`
}

// Position is an open holding of a pair.
type Position struct {
	Pair string `json:"pair"`
	// BaseAmount is the held base token quantity in UI units.
	BaseAmount float64 `json:"base_amount"`
	// CostBasis is the quote currency spent on the remaining BaseAmount.
	CostBasis float64 `json:"cost_basis"`
}

// AveragePrice is the cost basis per base unit.
func (p Position) AveragePrice() float64 {
	if p.BaseAmount <= 0 {
		return 0
	}
	return p.CostBasis / p.BaseAmount
}

// PortfolioSnapshot is the ledger-derived portfolio state.
type PortfolioSnapshot struct {
	OpenPositions []Position `json:"open_positions"`
	RealizedPnL   float64    `json:"realized_pnl"`
}

// Position returns the open position for pair, if any.
func (p PortfolioSnapshot) Position(pair string) (Position, bool) {
	for _, pos := range p.OpenPositions {
		if pos.Pair == pair {
			return pos, true
		}
	}
	return Position{}, false
}

// SourceCoverage records how many signal providers contributed.
type SourceCoverage struct {
	Available int      `json:"available"`
	Total     int      `json:"total"`
	Missing   []string `json:"missing,omitempty"`
}

// String renders "N/M sources available".
func (c SourceCoverage) String() string {
	return fmt.Sprintf("%d/%d sources available", c.Available, c.Total)
}

// DecisionInput is the per-cycle snapshot handed to the decision engine.
// It is built once by NewDecisionInput and must be treated as read-only.
type DecisionInput struct {
	Timestamp time.Time          `json:"timestamp"`
	Pair      Pair               `json:"pair"`
	Market    MarketSnapshot     `json:"market"`
	Signals   []SignalRecord     `json:"signals"`
	Risk      RiskConstraints    `json:"risk"`
	Security  SecurityAssessment `json:"security"`
	Portfolio PortfolioSnapshot  `json:"portfolio"`
	Coverage  SourceCoverage     `json:"coverage"`
}

// NewDecisionInput validates parts and returns a snapshot that shares no
// backing arrays or maps with the caller.
func NewDecisionInput(ts time.Time, pair Pair, market MarketSnapshot, signals []SignalRecord,
	risk RiskConstraints, security SecurityAssessment, portfolio PortfolioSnapshot, coverage SourceCoverage) (DecisionInput, error) {
	in := DecisionInput{
		Timestamp: ts.UTC(),
		Pair:      pair,
		Market:    cloneMarket(market),
		Signals:   cloneSignals(signals),
		Risk:      risk,
		Security:  cloneSecurity(security),
		Portfolio: clonePortfolio(portfolio),
		Coverage: SourceCoverage{
			Available: coverage.Available,
			Total:     coverage.Total,
			Missing:   append([]string(nil), coverage.Missing...),
		},
	}
	if err := in.Validate(); err != nil {
		return DecisionInput{}, err
	}
	return in, nil
}

// Validate checks every numeric field is finite and inside its domain.
func (in DecisionInput) Validate() error {
	if in.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if err := in.Pair.Validate(); err != nil {
		return err
	}
	if err := ValidateMarket(in.Market); err != nil {
		return err
	}
	for _, s := range in.Signals {
		if err := ValidateSignal(s); err != nil {
			return err
		}
	}
	if err := ValidateRisk(in.Risk); err != nil {
		return err
	}
	if !finite(in.Security.Score) || in.Security.Score < 0 || in.Security.Score > 100 {
		return fmt.Errorf("security score %v outside [0,100]", in.Security.Score)
	}
	if !finite(in.Portfolio.RealizedPnL) {
		return fmt.Errorf("realized pnl is not finite")
	}
	for _, p := range in.Portfolio.OpenPositions {
		if !finite(p.BaseAmount) || !finite(p.CostBasis) || p.BaseAmount < 0 {
			return fmt.Errorf("position %s has invalid amounts", p.Pair)
		}
	}
	if in.Coverage.Available < 0 || in.Coverage.Available > in.Coverage.Total {
		return fmt.Errorf("coverage %s is inconsistent", in.Coverage.String())
	}
	return nil
}

// ValidateMarket checks the market snapshot: price > 0, candle prices > 0.
func ValidateMarket(m MarketSnapshot) error {
	if !finite(m.Price) || m.Price <= 0 {
		return fmt.Errorf("market price %v must be > 0", m.Price)
	}
	if !finite(m.Liquidity) || m.Liquidity < 0 {
		return fmt.Errorf("liquidity %v must be >= 0", m.Liquidity)
	}
	if !finite(m.Volatility) || m.Volatility < 0 {
		return fmt.Errorf("volatility %v must be >= 0", m.Volatility)
	}
	for _, c := range m.Candles {
		if err := ValidateCandle(c); err != nil {
			return err
		}
	}
	return nil
}

// ValidateCandle checks a candle carries positive finite prices.
func ValidateCandle(c Candle) error {
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close} {
		if !finite(v) || v <= 0 {
			return fmt.Errorf("candle at %s has non-positive price", c.Time.Format(time.RFC3339))
		}
	}
	if !finite(c.Volume) || c.Volume < 0 {
		return fmt.Errorf("candle at %s has invalid volume", c.Time.Format(time.RFC3339))
	}
	return nil
}

// ValidateSignal checks a provider's record.
func ValidateSignal(s SignalRecord) error {
	if s.SourceName == "" {
		return fmt.Errorf("signal source name is required")
	}
	if !finite(s.SignalStrength) || s.SignalStrength < -1 || s.SignalStrength > 1 {
		return fmt.Errorf("signal %s strength %v outside [-1,1]", s.SourceName, s.SignalStrength)
	}
	if !finite(s.Confidence) || s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("signal %s confidence %v outside [0,1]", s.SourceName, s.Confidence)
	}
	for k, v := range s.Indicators {
		if !finite(v) {
			return fmt.Errorf("signal %s indicator %s is not finite", s.SourceName, k)
		}
	}
	return nil
}

// ValidateRisk checks risk constraints are finite and non-negative.
func ValidateRisk(r RiskConstraints) error {
	for name, v := range map[string]float64{
		"max_exposure_pct":  r.MaxExposurePct,
		"available_capital": r.AvailableCapital,
		"max_trade_size":    r.MaxTradeSize,
		"current_exposure":  r.CurrentExposure,
		"portfolio_value":   r.PortfolioValue,
	} {
		if !finite(v) || v < 0 {
			return fmt.Errorf("risk %s %v must be finite and >= 0", name, v)
		}
	}
	if r.MaxExposurePct > 100 {
		return fmt.Errorf("risk max_exposure_pct %v above 100", r.MaxExposurePct)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func cloneMarket(m MarketSnapshot) MarketSnapshot {
	m.Candles = append([]Candle(nil), m.Candles...)
	return m
}

func cloneSignals(in []SignalRecord) []SignalRecord {
	out := make([]SignalRecord, len(in))
	for i, s := range in {
		if s.Indicators != nil {
			ind := make(map[string]float64, len(s.Indicators))
			for k, v := range s.Indicators {
				ind[k] = v
			}
			s.Indicators = ind
		}
		out[i] = s
	}
	return out
}

func cloneSecurity(s SecurityAssessment) SecurityAssessment {
	s.Alerts = append([]SecurityAlert(nil), s.Alerts...)
	return s
}

func clonePortfolio(p PortfolioSnapshot) PortfolioSnapshot {
	p.OpenPositions = append([]Position(nil), p.OpenPositions...)
	return p
}
