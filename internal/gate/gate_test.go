package gate

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"numerusx/internal/types"
)

func f(v float64) *float64 { return &v }

func buy(amount float64) types.TradeDecision {
	return types.TradeDecision{Action: types.ActionBuy, Pair: "SOL/USDC", Amount: f(amount), Confidence: 0.95, Rationale: "bullish"}
}

var ample = types.RiskConstraints{MaxExposurePct: 50, AvailableCapital: 10_000, MaxTradeSize: 1_000, PortfolioValue: 10_000}

func TestRiskGate(t *testing.T) {
	g := RiskGate{MinTradeSize: 10}

	tests := []struct {
		name       string
		decision   types.TradeDecision
		risk       types.RiskConstraints
		wantAction types.Action
		wantAmount float64
		reason     string
	}{
		{name: "passes unchanged", decision: buy(200), risk: ample, wantAction: types.ActionBuy, wantAmount: 200},
		{name: "capped by max trade size", decision: buy(500), risk: types.RiskConstraints{AvailableCapital: 10_000, MaxTradeSize: 100}, wantAction: types.ActionBuy, wantAmount: 100, reason: "risk limit"},
		{name: "capped by capital", decision: buy(500), risk: types.RiskConstraints{AvailableCapital: 50, MaxTradeSize: 1_000}, wantAction: types.ActionBuy, wantAmount: 50, reason: "risk limit"},
		{name: "below minimum holds", decision: buy(500), risk: types.RiskConstraints{AvailableCapital: 10_000, MaxTradeSize: 8}, wantAction: types.ActionHold, reason: "risk limit"},
		{name: "exactly minimum holds", decision: buy(10), risk: ample, wantAction: types.ActionHold, reason: "risk limit"},
		{name: "no capital holds", decision: buy(100), risk: types.RiskConstraints{MaxTradeSize: 1_000}, wantAction: types.ActionHold, reason: "risk limit"},
		{
			name:     "exposure limit rejects buy",
			decision: buy(300),
			risk: types.RiskConstraints{
				MaxExposurePct: 20, AvailableCapital: 5_000, MaxTradeSize: 1_000, CurrentExposure: 1_900, PortfolioValue: 10_000,
			},
			wantAction: types.ActionHold,
			reason:     "exposure",
		},
		{
			name:       "sell capped by holdings",
			decision:   types.TradeDecision{Action: types.ActionSell, Pair: "SOL/USDC", Amount: f(400), Confidence: 0.8, Rationale: "bearish"},
			risk:       types.RiskConstraints{MaxExposurePct: 20, AvailableCapital: 5_000, MaxTradeSize: 1_000, CurrentExposure: 150, PortfolioValue: 10_000},
			wantAction: types.ActionSell,
			wantAmount: 150,
			reason:     "risk limit",
		},
		{
			name:       "sell with nothing held holds",
			decision:   types.TradeDecision{Action: types.ActionSell, Pair: "SOL/USDC", Amount: f(400), Confidence: 0.8, Rationale: "bearish"},
			risk:       ample,
			wantAction: types.ActionHold,
			reason:     "risk limit",
		},
		{name: "trade without amount holds", decision: types.TradeDecision{Action: types.ActionBuy, Pair: "SOL/USDC", Confidence: 1, Rationale: "x"}, risk: ample, wantAction: types.ActionHold, reason: "risk limit"},
		{name: "hold passes through", decision: types.TradeDecision{Action: types.ActionHold, Pair: "SOL/USDC", Confidence: 0.5, Rationale: "flat"}, risk: ample, wantAction: types.ActionHold},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := g.Apply(tt.decision, tt.risk)
			assert.Equal(t, tt.wantAction, got.Action)
			if tt.wantAction != types.ActionHold {
				assert.InDelta(t, tt.wantAmount, got.AmountValue(), 1e-9)
			} else {
				assert.Nil(t, got.Amount)
			}
			if tt.reason != "" {
				assert.Contains(t, got.Rationale, tt.reason)
			}
			require.NoError(t, got.Validate())
		})
	}
}

func TestRiskGateDoesNotMutateInput(t *testing.T) {
	d := buy(500)
	_ = RiskGate{MinTradeSize: 10}.Apply(d, types.RiskConstraints{AvailableCapital: 1_000, MaxTradeSize: 100})
	assert.Equal(t, 500.0, d.AmountValue())
	assert.Equal(t, "bullish", d.Rationale)
}

func TestSecurityGate(t *testing.T) {
	g := SecurityGate{MinScore: 60}

	t.Run("low score forces hold regardless of confidence", func(t *testing.T) {
		got := g.Apply(buy(200), types.SecurityAssessment{Score: 42})
		assert.Equal(t, types.ActionHold, got.Action)
		assert.Contains(t, got.Rationale, "score 42 below 60")
	})

	t.Run("blocking alert is cited", func(t *testing.T) {
		got := g.Apply(buy(200), types.SecurityAssessment{Score: 95, Alerts: []types.SecurityAlert{
			{Code: "mint_authority", Message: "mint authority set"},
			{Code: "freeze_authority", Message: "token can be frozen", Blocking: true},
		}})
		assert.Equal(t, types.ActionHold, got.Action)
		assert.Contains(t, got.Rationale, "freeze_authority: token can be frozen")
		assert.NotContains(t, got.Rationale, "mint_authority")
	})

	t.Run("clean token passes", func(t *testing.T) {
		got := g.Apply(buy(200), types.SecurityAssessment{Score: 80})
		assert.Equal(t, types.ActionBuy, got.Action)
		assert.Equal(t, 200.0, got.AmountValue())
		assert.Equal(t, "bullish", got.Rationale)
	})
}

func TestChain(t *testing.T) {
	c := NewChain(0, 0)
	assert.Equal(t, float64(DefaultMinTradeSize), c.Risk.MinTradeSize)
	assert.Equal(t, float64(DefaultMinScore), c.Security.MinScore)

	in := types.DecisionInput{Risk: types.RiskConstraints{AvailableCapital: 10_000, MaxTradeSize: 100}, Security: types.SecurityAssessment{Score: 90}}
	got := c.Apply(buy(500), in)
	assert.Equal(t, types.ActionBuy, got.Action)
	assert.Equal(t, 100.0, got.AmountValue())

	in.Security.Score = 10
	got = c.Apply(buy(500), in)
	assert.Equal(t, types.ActionHold, got.Action)
	assert.Contains(t, got.Rationale, "risk limit")
	assert.Contains(t, got.Rationale, "security")
}

func TestNarrow(t *testing.T) {
	hold := types.TradeDecision{Action: types.ActionHold, Pair: "SOL/USDC", Confidence: 0.5, Rationale: "h"}
	assert.Equal(t, hold, narrow(hold, buy(10)))
	assert.Equal(t, 50.0, narrow(buy(50), buy(80)).AmountValue())
	assert.Equal(t, 30.0, narrow(buy(50), buy(30)).AmountValue())
}

// Random inputs: the gated amount never exceeds the proposal, and a score
// below threshold always ends in HOLD.
func TestChainProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	c := NewChain(10, 60)
	actions := []types.Action{types.ActionBuy, types.ActionSell, types.ActionHold}

	for i := 0; i < 2_000; i++ {
		action := actions[rng.Intn(len(actions))]
		d := types.TradeDecision{Action: action, Pair: "SOL/USDC", Confidence: rng.Float64(), Rationale: "r"}
		if action != types.ActionHold {
			d.Amount = f(rng.Float64() * 2_000)
		}
		in := types.DecisionInput{
			Risk: types.RiskConstraints{
				MaxExposurePct:   rng.Float64() * 100,
				AvailableCapital: rng.Float64() * 5_000,
				MaxTradeSize:     rng.Float64() * 1_500,
				CurrentExposure:  rng.Float64() * 3_000,
				PortfolioValue:   rng.Float64() * 20_000,
			},
			Security: types.SecurityAssessment{Score: rng.Float64() * 100},
		}

		got := c.Apply(d, in)
		assert.LessOrEqual(t, got.AmountValue(), d.AmountValue())
		if got.IsTrade() {
			assert.Equal(t, d.Action, got.Action)
		}
		if in.Security.Score < 60 {
			assert.Equal(t, types.ActionHold, got.Action)
		}
	}
}
