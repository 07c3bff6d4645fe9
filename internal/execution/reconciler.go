package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"numerusx/internal/errs"
	"numerusx/internal/quote"
	"numerusx/internal/types"
)

// ReasonNeverLanded resolves an UNKNOWN entry whose validity window passed
// without the signature ever being seen.
const ReasonNeverLanded = "expired, never landed"

// Reconciler checks the chain for a previously UNKNOWN submission.
type Reconciler struct {
	chain Chain
	owner string
	now   func() time.Time
}

// NewReconciler returns a reconciler reading settlements for owner.
func NewReconciler(c Chain, owner string) *Reconciler {
	return &Reconciler{chain: c, owner: owner, now: time.Now}
}

// Resolve queries the signature of entry. pending is true when the outcome
// is still undetermined and the entry must stay UNKNOWN. Errors are returned
// only when the chain could not be queried.
func (r *Reconciler) Resolve(ctx context.Context, pair types.Pair, entry types.LedgerEntry) (res types.Resolution, pending bool, err error) {
	const op = "execution.reconcile"
	if !entry.NeedsReconciliation() {
		return types.Resolution{}, false, errs.New(op, errs.KindInvalid,
			fmt.Sprintf("entry %s is %s, nothing to reconcile", entry.ID, entry.Status))
	}
	logger := log.WithFields(log.Fields{"pair": entry.Pair, "entry": entry.ID, "signature": entry.Signature})

	st, err := r.chain.SignatureStatus(ctx, entry.Signature)
	if err != nil {
		return types.Resolution{}, true, err
	}

	res = types.Resolution{EntryID: entry.ID, Pair: entry.Pair, Signature: entry.Signature}
	switch {
	case st.Found && st.Err != "":
		res.Status = types.LedgerFailed
		res.Reason = "transaction failed on chain: " + st.Err
	case st.Found && st.Confirmed:
		res.Status = types.LedgerConfirmed
		res.Reason = "confirmed on reconciliation"
		s := r.settlement(ctx, pair, entry)
		res.Settlement = &s
	case st.Found:
		logger.Info("Signature seen but not yet confirmed")
		return types.Resolution{}, true, nil
	default:
		height, err := r.chain.BlockHeight(ctx)
		if err != nil {
			return types.Resolution{}, true, err
		}
		if entry.ValidUntilBlockHeight == 0 || height <= entry.ValidUntilBlockHeight {
			logger.WithField("block_height", height).Info("Signature not found, validity window still open")
			return types.Resolution{}, true, nil
		}
		res.Status = types.LedgerFailed
		res.Reason = ReasonNeverLanded
	}
	res.ResolvedAt = r.now().UTC()
	logger.WithFields(log.Fields{"status": res.Status, "reason": res.Reason}).Info("Reconciled unknown submission")
	return res, false, nil
}

func (r *Reconciler) settlement(ctx context.Context, pair types.Pair, entry types.LedgerEntry) types.Settlement {
	var last types.TransactionAttempt
	if n := len(entry.Attempts); n > 0 {
		last = entry.Attempts[n-1]
	}
	if sr, ok := r.chain.(SettlementReader); ok {
		s, err := sr.Settlement(ctx, entry.Signature, r.owner, last.Quote.InputMint, last.Quote.OutputMint)
		if err == nil {
			return quote.Settle(pair, entry.Decision.Action, s.InputAmount, s.OutputAmount)
		}
		if !errors.Is(err, context.Canceled) {
			log.WithFields(log.Fields{"signature": entry.Signature, "error": err.Error()}).
				Warn("Settlement unavailable, using quote estimate")
		}
	}
	return quote.EstimatedSettlement(pair, entry.Decision.Action, last.Quote)
}
