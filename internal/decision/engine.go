// Package decision asks the external reasoning service for a TradeDecision
// and always returns a valid one.
package decision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"numerusx/internal/errs"
	"numerusx/internal/types"
)

// Config tunes the engine.
type Config struct {
	// Timeout bounds each reasoning call.
	Timeout time.Duration
	// RetryDelay is the pause before the single retry.
	RetryDelay time.Duration
	Budget     Budget
}

// Engine is the DecisionEngine.
type Engine struct {
	reasoner Reasoner
	cfg      Config
}

// NewEngine returns an Engine with defaults for zero config values.
func NewEngine(r Reasoner, cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	return &Engine{reasoner: r, cfg: cfg}
}

// maxTries is one call plus one bounded retry.
const maxTries = 2

// Decide returns the service's decision for in, or the fallback HOLD when both
// the call and its retry fail. It never returns an invalid decision.
func (e *Engine) Decide(ctx context.Context, in types.DecisionInput) types.TradeDecision {
	const op = "decision.decide"
	pair := in.Pair.String()
	logger := log.WithField("pair", pair)

	try := 0
	decision, err := backoff.Retry(ctx, func() (types.TradeDecision, error) {
		try++
		req, err := BuildRequest(in, e.cfg.Budget, try > 1)
		if err != nil {
			// the same input will not fit on a retry either
			return types.TradeDecision{}, backoff.Permanent(err)
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
		reply, err := e.reasoner.Complete(callCtx, req)
		if err != nil {
			return types.TradeDecision{}, err
		}
		return ParseDecision(reply, in.Pair)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(e.cfg.RetryDelay)),
		backoff.WithMaxTries(maxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.WithFields(log.Fields{"attempt": try, "error": err.Error(), "retry_in": wait.String()}).
				Warn("Reasoning call failed, retrying once")
		}),
	)
	if err != nil {
		logger.WithFields(log.Fields{
			"attempts": try,
			"kind":     errs.KindDecisionEngine,
			"error":    errs.Wrap(op, errs.KindDecisionEngine, err).Error(),
		}).Error("Decision engine unavailable, falling back to HOLD")
		return types.FallbackDecision(pair)
	}
	return decision
}

// reply mirrors TradeDecision with every field optional so that missing
// required fields can be told apart from zero values.
type reply struct {
	Action     *string  `json:"action"`
	Pair       *string  `json:"pair"`
	Amount     *float64 `json:"amount_quote_currency"`
	Confidence *float64 `json:"confidence"`
	StopLoss   *float64 `json:"stop_loss"`
	TakeProfit *float64 `json:"take_profit"`
	Rationale  *string  `json:"rationale"`
}

// ParseDecision strictly decodes a reply for pair. Unknown keys, missing
// required keys, a foreign pair or a schema violation are errors.
func ParseDecision(content string, pair types.Pair) (types.TradeDecision, error) {
	const op = "decision.parse"

	body, err := extractObject(content)
	if err != nil {
		return types.TradeDecision{}, errs.Wrap(op, errs.KindDecisionEngine, err)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	var r reply
	if err := dec.Decode(&r); err != nil {
		return types.TradeDecision{}, errs.Wrap(op, errs.KindDecisionEngine, fmt.Errorf("invalid reply json: %w", err))
	}

	switch {
	case r.Action == nil:
		return types.TradeDecision{}, errs.New(op, errs.KindDecisionEngine, "reply has no action")
	case r.Pair == nil:
		return types.TradeDecision{}, errs.New(op, errs.KindDecisionEngine, "reply has no pair")
	case r.Confidence == nil:
		return types.TradeDecision{}, errs.New(op, errs.KindDecisionEngine, "reply has no confidence")
	case r.Rationale == nil:
		return types.TradeDecision{}, errs.New(op, errs.KindDecisionEngine, "reply has no rationale")
	}

	action, err := types.ParseAction(*r.Action)
	if err != nil {
		return types.TradeDecision{}, errs.Wrap(op, errs.KindDecisionEngine, err)
	}
	if !strings.EqualFold(strings.TrimSpace(*r.Pair), pair.String()) {
		return types.TradeDecision{}, errs.New(op, errs.KindDecisionEngine,
			fmt.Sprintf("reply pair %q does not match %s", *r.Pair, pair.String()))
	}

	d := types.TradeDecision{
		Action:     action,
		Pair:       pair.String(),
		Amount:     r.Amount,
		Confidence: *r.Confidence,
		StopLoss:   r.StopLoss,
		TakeProfit: r.TakeProfit,
		Rationale:  strings.TrimSpace(*r.Rationale),
	}
	if action == types.ActionHold {
		d.Amount = nil
	}
	if err := d.Validate(); err != nil {
		return types.TradeDecision{}, errs.Wrap(op, errs.KindDecisionEngine, err)
	}
	return d, nil
}

// extractObject returns the single JSON object in content, allowing a
// surrounding markdown code fence.
func extractObject(content string) ([]byte, error) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return nil, errors.New("reply is not a single json object")
	}
	return []byte(s), nil
}
