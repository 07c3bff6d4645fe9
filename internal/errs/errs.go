// Package errs defines the failure taxonomy shared by the decision pipeline.
package errs

import (
	"errors"
	"strings"
)

// Kind identifies a pipeline failure class.
type Kind string

const (
	// KindSignalUnavailable marks a provider that errored or timed out. Non-fatal.
	KindSignalUnavailable Kind = "signal_unavailable"
	// KindDecisionEngine covers reasoning-service timeouts, transport and schema failures.
	KindDecisionEngine Kind = "decision_engine"
	// KindRiskRejection marks a decision forced to HOLD by the risk gate.
	KindRiskRejection Kind = "risk_rejection"
	// KindSecurityRejection marks a decision forced to HOLD by the security gate.
	KindSecurityRejection Kind = "security_rejection"
	// KindQuoteExpired marks an attempt whose quote or blockhash validity window passed.
	KindQuoteExpired Kind = "quote_expired"
	// KindQuoteUnavailable marks a quote or swap build the aggregator could not serve.
	KindQuoteUnavailable Kind = "quote_unavailable"
	// KindSimulation marks a transaction rejected by simulation.
	KindSimulation Kind = "transaction_simulation"
	// KindBroadcast marks a transaction the network refused to accept.
	KindBroadcast Kind = "transaction_broadcast"
	// KindSubmitUnknown marks a submit whose reply never arrived. The
	// transaction may have been accepted.
	KindSubmitUnknown Kind = "transaction_submit_unknown"
	// KindConfirmationTimeout marks a submitted transaction whose status is unknown.
	KindConfirmationTimeout Kind = "transaction_confirmation_timeout"
	// KindTransactionFailed marks a transaction that landed with an execution error.
	KindTransactionFailed Kind = "transaction_failed"
	// KindRPCUnreachable makes the whole cycle unsafe and pauses the pair.
	KindRPCUnreachable Kind = "rpc_unreachable"
	// KindInvalid marks invalid input.
	KindInvalid Kind = "invalid"
)

// E is the error envelope carried through the pipeline.
type E struct {
	Kind    Kind
	Op      string
	Message string

	cause error
}

// New constructs an error of the given kind.
func New(op string, kind Kind, message string) *E {
	return &E{Kind: kind, Op: strings.TrimSpace(op), Message: strings.TrimSpace(message)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(op string, kind Kind, err error) *E {
	if err == nil {
		return nil
	}
	return &E{Kind: kind, Op: strings.TrimSpace(op), cause: err}
}

// Error implements the error interface.
func (e *E) Error() string {
	if e == nil {
		return ""
	}
	parts := make([]string, 0, 4)
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	parts = append(parts, string(e.Kind))
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.cause != nil {
		parts = append(parts, e.cause.Error())
	}
	return strings.Join(parts, ": ")
}

// Unwrap exposes the underlying cause.
func (e *E) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches another *E by kind so errors.Is(err, errs.New("", kind, "")) works.
func (e *E) Is(target error) bool {
	var t *E
	if !errors.As(target, &t) || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf returns the kind of the first *E in the chain, or "" when none is present.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retriable reports whether the lifecycle manager may re-quote after this kind by default.
// Only expiry qualifies; broader retry is opt-in through configuration.
func Retriable(kind Kind) bool {
	return kind == KindQuoteExpired
}
