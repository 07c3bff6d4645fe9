// Package gate narrows trade decisions against hard risk and security limits.
// Gates are pure: they never mutate their input and never widen a decision.
package gate

import (
	"fmt"
	"math"
	"strings"

	"numerusx/internal/types"
)

const (
	// DefaultMinTradeSize is the minimum viable trade in quote currency.
	DefaultMinTradeSize = 10
	// DefaultMinScore is the minimum security score on the [0,100] scale.
	DefaultMinScore = 60

	riskReason     = "risk limit"
	securityReason = "security"
)

// RiskGate sizes a trade to the risk constraints.
type RiskGate struct {
	// MinTradeSize is the threshold at or below which a trade is not worth executing.
	MinTradeSize float64
}

// Apply returns the decision sized to min(amount, max_trade_size, available_capital),
// additionally capped by current exposure for SELL. A size at or below MinTradeSize,
// or a BUY that would push exposure over max_exposure_pct, becomes HOLD "risk limit".
func (g RiskGate) Apply(d types.TradeDecision, rc types.RiskConstraints) types.TradeDecision {
	if !d.IsTrade() {
		return d.Clone()
	}
	amount := d.AmountValue()
	if d.Amount == nil || !finite(amount) || amount <= 0 {
		return d.Hold(riskReason + ": missing amount")
	}

	allowed := math.Min(amount, math.Min(nonNeg(rc.MaxTradeSize), nonNeg(rc.AvailableCapital)))
	if d.Action == types.ActionSell {
		allowed = math.Min(allowed, nonNeg(rc.CurrentExposure))
	}

	if allowed <= g.MinTradeSize {
		return d.Hold(fmt.Sprintf("%s: allowed size %s not above minimum %s", riskReason, num(allowed), num(g.MinTradeSize)))
	}

	if d.Action == types.ActionBuy && rc.MaxExposurePct > 0 {
		base := rc.PortfolioValue
		if base <= 0 {
			base = nonNeg(rc.AvailableCapital) + nonNeg(rc.CurrentExposure)
		}
		limit := base * rc.MaxExposurePct / 100
		if nonNeg(rc.CurrentExposure)+allowed > limit {
			return d.Hold(fmt.Sprintf("%s: exposure %s would exceed %s%% of portfolio (%s)",
				riskReason, num(nonNeg(rc.CurrentExposure)+allowed), num(rc.MaxExposurePct), num(limit)))
		}
	}

	if allowed < amount {
		return d.WithAmount(allowed, fmt.Sprintf("%s: amount reduced from %s to %s", riskReason, num(amount), num(allowed)))
	}
	return d.Clone()
}

// SecurityGate blocks trades on low-scoring or flagged tokens.
type SecurityGate struct {
	MinScore float64
}

// Apply forces HOLD when the score is below MinScore or any alert is blocking,
// regardless of the decision's confidence.
func (g SecurityGate) Apply(d types.TradeDecision, sa types.SecurityAssessment) types.TradeDecision {
	if !d.IsTrade() {
		return d.Clone()
	}

	var blocking []string
	for _, a := range sa.Alerts {
		if a.Blocking {
			blocking = append(blocking, a.Code+": "+a.Message)
		}
	}
	if len(blocking) > 0 {
		return d.Hold(fmt.Sprintf("%s: blocking alert %s", securityReason, strings.Join(blocking, "; ")))
	}
	if !finite(sa.Score) || sa.Score < g.MinScore {
		return d.Hold(fmt.Sprintf("%s: score %s below %s", securityReason, num(sa.Score), num(g.MinScore)))
	}
	return d.Clone()
}

// Chain runs the risk gate then the security gate and enforces that the
// result is never wider than the proposal.
type Chain struct {
	Risk     RiskGate
	Security SecurityGate
}

// NewChain returns a Chain, applying defaults for non-positive thresholds.
func NewChain(minTradeSize, minScore float64) Chain {
	if minTradeSize <= 0 {
		minTradeSize = DefaultMinTradeSize
	}
	if minScore <= 0 {
		minScore = DefaultMinScore
	}
	return Chain{Risk: RiskGate{MinTradeSize: minTradeSize}, Security: SecurityGate{MinScore: minScore}}
}

// Apply gates proposed against the snapshot it was decided on.
func (c Chain) Apply(proposed types.TradeDecision, in types.DecisionInput) types.TradeDecision {
	afterRisk := narrow(proposed, c.Risk.Apply(proposed, in.Risk))
	return narrow(afterRisk, c.Security.Apply(afterRisk, in.Security))
}

// narrow keeps next only if it does not widen prev.
func narrow(prev, next types.TradeDecision) types.TradeDecision {
	if !prev.IsTrade() && next.IsTrade() {
		return prev
	}
	if next.IsTrade() && (next.Action != prev.Action || next.AmountValue() > prev.AmountValue()) {
		return prev
	}
	return next
}

func nonNeg(v float64) float64 {
	if !finite(v) || v < 0 {
		return 0
	}
	return v
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func num(v float64) string {
	return fmt.Sprintf("%.6g", v)
}
