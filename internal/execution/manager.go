// Package execution turns a gated trade decision into an on-chain swap and
// reconciles submissions whose outcome was left unknown.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"numerusx/internal/errs"
	"numerusx/internal/quote"
	"numerusx/internal/trace"
	"numerusx/internal/types"
	"numerusx/pkg/solana"
)

// Quoter fetches fresh quotes and builds unsigned swaps.
type Quoter interface {
	FreshQuote(ctx context.Context, pair types.Pair, action types.Action, amountQuote float64) (types.SwapQuote, error)
	BuildSwap(ctx context.Context, q types.SwapQuote, payer string) (quote.BuiltSwap, error)
}

// Signer signs with the controlled key.
type Signer interface {
	PublicKey() string
	Sign(raw []byte) (signed []byte, signature string, err error)
}

// Chain is the blockchain RPC surface the manager drives.
type Chain interface {
	BlockHeight(ctx context.Context) (uint64, error)
	Simulate(ctx context.Context, signedTx []byte) error
	Submit(ctx context.Context, signedTx []byte) (string, error)
	SignatureStatus(ctx context.Context, signature string) (solana.SignatureStatus, error)
}

// SettlementReader reads realized amounts of a confirmed swap. Optional.
type SettlementReader interface {
	Settlement(ctx context.Context, signature, owner, inputMint, outputMint string) (solana.Settlement, error)
}

// Watcher is an optional push notification of confirmation.
type Watcher interface {
	Wait(ctx context.Context, signature string) (solana.SignatureStatus, error)
}

// Config bounds the lifecycle.
type Config struct {
	// MaxRetries is how many re-quotes follow the first attempt.
	MaxRetries int
	// ConfirmTimeout bounds the wait for confirmation of one attempt.
	ConfirmTimeout time.Duration
	// PollInterval is the signature status polling period.
	PollInterval time.Duration
	// CallTimeout bounds each quote, build, simulate and submit call.
	CallTimeout time.Duration
	// RetryNonExpiry lists failure kinds that may also be re-quoted.
	// Confirmation timeouts and on-chain failures are never retried.
	RetryNonExpiry []errs.Kind
}

const (
	DefaultMaxRetries     = 2
	defaultConfirmTimeout = 60 * time.Second
	defaultPollInterval   = 2 * time.Second
	defaultCallTimeout    = 15 * time.Second

	ReasonExpiredMaxRetries = "expired after max retries"
	ReasonShutdownBefore    = "shutdown before submit"
	ReasonShutdownDuring    = "shutdown during confirmation, needs reconciliation"
)

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = defaultConfirmTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	return c
}

// Manager is the TransactionLifecycleManager.
type Manager struct {
	quoter  Quoter
	signer  Signer
	chain   Chain
	watcher Watcher
	cfg     Config
	now     func() time.Time
}

// NewManager wires a manager. A zero MaxRetries is kept as zero; use
// DefaultMaxRetries for the default bound.
func NewManager(q Quoter, s Signer, c Chain, cfg Config) *Manager {
	return &Manager{quoter: q, signer: s, chain: c, cfg: cfg.withDefaults(), now: time.Now}
}

// WithWatcher enables the websocket confirmation fast path.
func (m *Manager) WithWatcher(w Watcher) *Manager {
	m.watcher = w
	return m
}

// attemptResult is the outcome of one pass through the state machine.
type attemptResult struct {
	attempt types.TransactionAttempt
	// unknown is set when the transaction may have landed.
	unknown bool
	// fatal carries an rpc_unreachable error that must stop the pair.
	fatal error
}

// Execute runs attempts until one confirms, a non-retriable failure occurs or
// the attempt bound is hit. The returned entry carries Pair, Decision,
// Attempts, Status, Reason, Signature and Settlement. The error is non-nil
// only for rpc_unreachable; the entry is valid in that case too.
func (m *Manager) Execute(ctx context.Context, pair types.Pair, d types.TradeDecision) (types.LedgerEntry, error) {
	entry := types.LedgerEntry{Pair: pair.String(), Decision: d}
	if !d.IsTrade() {
		entry.Status = types.LedgerHold
		entry.Reason = d.Rationale
		entry.Timestamp = m.now().UTC()
		return entry, nil
	}

	ctx, span := trace.StartSpan(ctx, "execution.execute")
	defer span.End()

	logger := log.WithFields(log.Fields{"pair": pair.String(), "action": d.Action, "amount": d.AmountValue()})
	maxAttempts := m.cfg.MaxRetries + 1

	for n := 1; n <= maxAttempts; n++ {
		res := m.attempt(ctx, pair, d, n)
		entry.Attempts = append(entry.Attempts, res.attempt)
		a := res.attempt
		alog := logger.WithFields(log.Fields{"attempt": n, "status": a.Status, "signature": a.Signature})

		switch {
		case a.Status == types.AttemptConfirmed:
			entry.Status = types.LedgerConfirmed
			entry.Reason = "confirmed"
			entry.Signature = a.Signature
			entry.ValidUntilBlockHeight = a.Quote.ValidUntilBlockHeight
			settlement := m.settle(ctx, pair, d.Action, a)
			entry.Settlement = &settlement
			alog.Info("Swap confirmed")
			return m.finish(entry), nil

		case res.unknown:
			entry.Status = types.LedgerUnknown
			entry.Reason = a.Reason
			entry.Signature = a.Signature
			entry.ValidUntilBlockHeight = a.Quote.ValidUntilBlockHeight
			alog.WithField("kind", a.FailureKind).Warn("Swap outcome unknown, reconciling next cycle")
			return m.finish(entry), res.fatal

		case res.fatal != nil:
			entry.Status = types.LedgerFailed
			entry.Reason = a.Reason
			alog.WithField("error", res.fatal.Error()).Error("RPC unreachable, aborting execution")
			return m.finish(entry), res.fatal

		case a.Status == types.AttemptExpired:
			if n == maxAttempts {
				entry.Status = types.LedgerFailed
				entry.Reason = ReasonExpiredMaxRetries
				alog.Warn("Swap expired on final attempt")
				return m.finish(entry), nil
			}
			alog.Warn("Swap expired, re-quoting")

		default:
			if n < maxAttempts && m.retryNonExpiry(a.FailureKind) && ctx.Err() == nil {
				alog.WithFields(log.Fields{"kind": a.FailureKind, "reason": a.Reason}).Warn("Attempt failed, re-quoting per retry policy")
				continue
			}
			entry.Status = types.LedgerFailed
			entry.Reason = a.Reason
			alog.WithFields(log.Fields{"kind": a.FailureKind, "reason": a.Reason}).Warn("Swap failed")
			return m.finish(entry), nil
		}
	}

	// only reachable when every attempt was a policy-retried failure
	last := entry.Attempts[len(entry.Attempts)-1]
	entry.Status = types.LedgerFailed
	entry.Reason = last.Reason
	return m.finish(entry), nil
}

func (m *Manager) finish(e types.LedgerEntry) types.LedgerEntry {
	e.Timestamp = m.now().UTC()
	return e
}

func (m *Manager) retryNonExpiry(kind errs.Kind) bool {
	switch kind {
	case errs.KindConfirmationTimeout, errs.KindSubmitUnknown, errs.KindTransactionFailed, errs.KindRPCUnreachable, "":
		return false
	}
	for _, k := range m.cfg.RetryNonExpiry {
		if k == kind {
			return true
		}
	}
	return false
}

// attempt drives one BUILT → SUBMITTED → CONFIRMED/EXPIRED/FAILED pass with
// a freshly fetched quote.
func (m *Manager) attempt(ctx context.Context, pair types.Pair, d types.TradeDecision, n int) attemptResult {
	a := types.TransactionAttempt{Number: n, StartedAt: m.now().UTC()}
	fail := func(kind errs.Kind, reason string) attemptResult {
		a.Status = types.AttemptFailed
		a.FailureKind = kind
		a.Reason = reason
		a.CompletedAt = m.now().UTC()
		return attemptResult{attempt: a}
	}
	fatal := func(err error) attemptResult {
		r := fail(errs.KindRPCUnreachable, err.Error())
		r.fatal = err
		return r
	}

	if ctx.Err() != nil {
		return fail(errs.KindInvalid, ReasonShutdownBefore)
	}

	qctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	q, err := m.quoter.FreshQuote(qctx, pair, d.Action, d.AmountValue())
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return fail(errs.KindInvalid, ReasonShutdownBefore)
		}
		return fail(errs.KindQuoteUnavailable, "quote unavailable: "+err.Error())
	}
	a.Quote = q

	bctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	built, err := m.quoter.BuildSwap(bctx, q, m.signer.PublicKey())
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return fail(errs.KindInvalid, ReasonShutdownBefore)
		}
		return fail(errs.KindQuoteUnavailable, "swap build failed: "+err.Error())
	}
	a.Quote.ValidUntilBlockHeight = built.LastValidBlockHeight
	a.BuiltTx = built.Tx
	a.Status = types.AttemptBuilt

	signed, sig, err := m.signer.Sign(built.Tx)
	if err != nil {
		return fail(errs.KindInvalid, "signing failed: "+err.Error())
	}
	a.Signature = sig

	height, err := m.chain.BlockHeight(ctx)
	if err != nil {
		if errs.IsKind(err, errs.KindRPCUnreachable) {
			return fatal(err)
		}
		if ctx.Err() != nil {
			return fail(errs.KindInvalid, ReasonShutdownBefore)
		}
		return fail(errs.KindBroadcast, "block height unavailable: "+err.Error())
	}
	if height > a.Quote.ValidUntilBlockHeight {
		return m.expired(a, fmt.Sprintf("validity window passed before submit (height %d > %d)", height, a.Quote.ValidUntilBlockHeight))
	}

	sctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	err = m.chain.Simulate(sctx, signed)
	cancel()
	if err != nil {
		switch {
		case errs.IsKind(err, errs.KindRPCUnreachable):
			return fatal(err)
		case ctx.Err() != nil:
			return fail(errs.KindInvalid, ReasonShutdownBefore)
		case blockhashExpired(err):
			return m.expired(a, "blockhash expired during simulation")
		}
		return fail(errs.KindSimulation, "simulation rejected: "+err.Error())
	}

	// last point at which shutdown can abandon the trade safely
	if ctx.Err() != nil {
		return fail(errs.KindInvalid, ReasonShutdownBefore)
	}

	// submission is not abandoned on shutdown
	subctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CallTimeout)
	submitted, err := m.chain.Submit(subctx, signed)
	cancel()
	if err != nil {
		if errs.IsKind(err, errs.KindSubmitUnknown) || errors.Is(err, context.DeadlineExceeded) {
			// the request left the client unanswered; its signature is known
			r := fail(errs.KindSubmitUnknown, "submit outcome unknown: "+err.Error())
			r.unknown = true
			return r
		}
		if errs.IsKind(err, errs.KindRPCUnreachable) {
			r := fail(errs.KindConfirmationTimeout, "submit outcome unknown: "+err.Error())
			r.unknown = true
			r.fatal = err
			return r
		}
		if blockhashExpired(err) {
			return m.expired(a, "blockhash expired at submit")
		}
		return fail(errs.KindBroadcast, "broadcast rejected: "+err.Error())
	}
	if submitted != "" {
		a.Signature = submitted
	}
	a.Status = types.AttemptSubmitted

	return m.confirm(ctx, a)
}

func (m *Manager) expired(a types.TransactionAttempt, reason string) attemptResult {
	a.Status = types.AttemptExpired
	a.FailureKind = errs.KindQuoteExpired
	a.Reason = reason
	a.CompletedAt = m.now().UTC()
	return attemptResult{attempt: a}
}

// confirm polls the signature until confirmed, failed, expired, timed out or
// shut down. Expiry requires the block height to pass the validity bound
// while the signature is still unknown to the cluster.
func (m *Manager) confirm(ctx context.Context, a types.TransactionAttempt) attemptResult {
	ctx, span := trace.StartSpan(ctx, "execution.confirm")
	defer span.End()

	done := func(status types.AttemptStatus, kind errs.Kind, reason string) attemptResult {
		a.Status = status
		a.FailureKind = kind
		a.Reason = reason
		a.CompletedAt = m.now().UTC()
		return attemptResult{attempt: a}
	}
	unknown := func(reason string, fatal error) attemptResult {
		r := done(types.AttemptFailed, errs.KindConfirmationTimeout, reason)
		r.unknown = true
		r.fatal = fatal
		return r
	}

	wctx, stopWatch := context.WithTimeout(ctx, m.cfg.ConfirmTimeout)
	defer stopWatch()
	hint := make(chan struct{}, 1)
	if m.watcher != nil {
		go func() {
			if _, err := m.watcher.Wait(wctx, a.Signature); err == nil {
				hint <- struct{}{}
			}
		}()
	}

	deadline := time.NewTimer(m.cfg.ConfirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	// polls use a context that survives shutdown so the last check can still run
	pollCtx := context.WithoutCancel(ctx)
	var lastErr error
	for {
		st, err := m.pollOnce(pollCtx, a.Signature)
		switch {
		case err != nil:
			lastErr = err
		case st.Found && st.Err != "":
			return done(types.AttemptFailed, errs.KindTransactionFailed, "transaction failed on chain: "+st.Err)
		case st.Confirmed:
			return done(types.AttemptConfirmed, "", "")
		case !st.Found:
			lastErr = nil
			height, herr := m.chain.BlockHeight(pollCtx)
			if herr != nil {
				lastErr = herr
				break
			}
			if height > a.Quote.ValidUntilBlockHeight {
				return done(types.AttemptExpired, errs.KindQuoteExpired,
					fmt.Sprintf("not confirmed before block height %d", a.Quote.ValidUntilBlockHeight))
			}
		default:
			lastErr = nil
		}

		select {
		case <-ctx.Done():
			return unknown(ReasonShutdownDuring, nil)
		case <-deadline.C:
			if lastErr != nil && errs.IsKind(lastErr, errs.KindRPCUnreachable) {
				return unknown("confirmation unknown: "+lastErr.Error(), lastErr)
			}
			return unknown(fmt.Sprintf("not confirmed within %s", m.cfg.ConfirmTimeout), nil)
		case <-hint:
		case <-ticker.C:
		}
	}
}

func (m *Manager) pollOnce(ctx context.Context, sig string) (solana.SignatureStatus, error) {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	return m.chain.SignatureStatus(cctx, sig)
}

// settle reads realized amounts, falling back to the quote's expectation.
func (m *Manager) settle(ctx context.Context, pair types.Pair, action types.Action, a types.TransactionAttempt) types.Settlement {
	if sr, ok := m.chain.(SettlementReader); ok {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CallTimeout)
		defer cancel()
		s, err := sr.Settlement(cctx, a.Signature, m.signer.PublicKey(), a.Quote.InputMint, a.Quote.OutputMint)
		if err == nil {
			return quote.Settle(pair, action, s.InputAmount, s.OutputAmount)
		}
		log.WithFields(log.Fields{"signature": a.Signature, "error": err.Error()}).
			Warn("Settlement unavailable, using quote estimate")
	}
	return quote.EstimatedSettlement(pair, action, a.Quote)
}

func blockhashExpired(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "blockhashnotfound") || strings.Contains(msg, "blockhash not found") ||
		strings.Contains(msg, "block height exceeded")
}
