package types

import (
	"fmt"
	"strings"
)

// Action is the exhaustive set of trade directions.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// ParseAction accepts the three actions case-insensitively.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToUpper(strings.TrimSpace(s))) {
	case ActionBuy:
		return ActionBuy, nil
	case ActionSell:
		return ActionSell, nil
	case ActionHold:
		return ActionHold, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

const (
	// FallbackRationale is the rationale of the engine's deterministic HOLD.
	FallbackRationale = "decision engine unavailable"
	// FallbackConfidence is the confidence of the engine's deterministic HOLD.
	FallbackConfidence = 0.1
)

// TradeDecision is the engine's verdict for one cycle. Gates derive new
// values from it rather than mutating it. Amount is in quote currency.
type TradeDecision struct {
	Action     Action   `json:"action"`
	Pair       string   `json:"pair"`
	Amount     *float64 `json:"amount_quote_currency,omitempty"`
	Confidence float64  `json:"confidence"`
	StopLoss   *float64 `json:"stop_loss,omitempty"`
	TakeProfit *float64 `json:"take_profit,omitempty"`
	Rationale  string   `json:"rationale"`
}

// FallbackDecision is the always-valid HOLD returned when the engine fails.
func FallbackDecision(pair string) TradeDecision {
	return TradeDecision{
		Action:     ActionHold,
		Pair:       pair,
		Confidence: FallbackConfidence,
		Rationale:  FallbackRationale,
	}
}

// AmountValue returns the amount or 0 when unset.
func (d TradeDecision) AmountValue() float64 {
	if d.Amount == nil {
		return 0
	}
	return *d.Amount
}

// IsTrade reports whether the decision requires execution.
func (d TradeDecision) IsTrade() bool {
	return d.Action == ActionBuy || d.Action == ActionSell
}

// Validate enforces the decision schema.
func (d TradeDecision) Validate() error {
	if _, err := ParseAction(string(d.Action)); err != nil {
		return err
	}
	if d.Pair == "" {
		return fmt.Errorf("pair is required")
	}
	if !finite(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", d.Confidence)
	}
	if strings.TrimSpace(d.Rationale) == "" {
		return fmt.Errorf("rationale is required")
	}
	if d.IsTrade() {
		if d.Amount == nil {
			return fmt.Errorf("%s requires amount_quote_currency", d.Action)
		}
		if !finite(*d.Amount) || *d.Amount <= 0 {
			return fmt.Errorf("amount %v must be > 0", *d.Amount)
		}
	}
	for name, v := range map[string]*float64{"stop_loss": d.StopLoss, "take_profit": d.TakeProfit} {
		if v != nil && (!finite(*v) || *v <= 0) {
			return fmt.Errorf("%s %v must be > 0", name, *v)
		}
	}
	return nil
}

// Hold returns a copy forced to HOLD with reason appended to the rationale.
// The proposed amount is dropped since a HOLD carries none.
func (d TradeDecision) Hold(reason string) TradeDecision {
	out := d.Clone()
	out.Action = ActionHold
	out.Amount = nil
	out.Rationale = appendReason(d.Rationale, reason)
	return out
}

// WithAmount returns a copy with a new amount and reason appended.
func (d TradeDecision) WithAmount(amount float64, reason string) TradeDecision {
	out := d.Clone()
	out.Amount = &amount
	out.Rationale = appendReason(d.Rationale, reason)
	return out
}

// Clone returns a copy that shares no pointers with d.
func (d TradeDecision) Clone() TradeDecision {
	out := d
	out.Amount = copyFloat(d.Amount)
	out.StopLoss = copyFloat(d.StopLoss)
	out.TakeProfit = copyFloat(d.TakeProfit)
	return out
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func appendReason(rationale, reason string) string {
	rationale = strings.TrimSpace(rationale)
	if reason == "" {
		return rationale
	}
	if rationale == "" {
		return reason
	}
	return rationale + " [" + reason + "]"
}
