// Package cycle runs the per-pair decision cycle: reconcile, collect, decide,
// gate, execute, record. Each pair has a single writer.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	log "github.com/sirupsen/logrus"

	"numerusx/internal/errs"
	"numerusx/internal/types"
)

// Collector builds the cycle's DecisionInput.
type Collector interface {
	Collect(ctx context.Context, pair types.Pair) (types.DecisionInput, error)
}

// Decider returns a schema-valid decision, falling back to HOLD on failure.
type Decider interface {
	Decide(ctx context.Context, in types.DecisionInput) types.TradeDecision
}

// Gate narrows a proposed decision.
type Gate interface {
	Apply(proposed types.TradeDecision, in types.DecisionInput) types.TradeDecision
}

// Executor runs a trade decision to a ledger outcome.
type Executor interface {
	Execute(ctx context.Context, pair types.Pair, d types.TradeDecision) (types.LedgerEntry, error)
}

// Reconciler checks UNKNOWN entries on chain.
type Reconciler interface {
	Resolve(ctx context.Context, pair types.Pair, entry types.LedgerEntry) (types.Resolution, bool, error)
}

// Ledger is the append-only record the runner writes to.
type Ledger interface {
	Record(ctx context.Context, e types.LedgerEntry) (types.LedgerEntry, error)
	Resolve(ctx context.Context, res types.Resolution) (types.Resolution, bool, error)
	Pending(pair string) []types.LedgerEntry
}

// Publisher fans ledger entries out to the message bus.
type Publisher interface {
	Publish(queueName string, message interface{}) error
}

// LedgerQueue receives every recorded entry.
const LedgerQueue = "ledger_entries"

const (
	ReasonPendingReconciliation = "pending reconciliation"
	ReasonSignalUnavailable     = "signal unavailable"
	ReasonLedgerWriteFailed     = "ledger write failed"
)

// recordTries bounds ledger write attempts per entry.
const recordTries = 4

var (
	ErrUnknownPair = errors.New("unknown pair")
	ErrBusy        = errors.New("cycle already in flight for pair")
	ErrPaused      = errors.New("pair is paused")
)

// Deps are the pipeline stages. Publisher may be nil.
type Deps struct {
	Collector  Collector
	Decider    Decider
	Gate       Gate
	Executor   Executor
	Reconciler Reconciler
	Ledger     Ledger
	Publisher  Publisher
}

// State is the lifecycle of one pair's loop.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
	// StateUnknown is reported by readers outside the worker process.
	StateUnknown State = "unknown"
)

// Snapshot is a read-only view of one pair for the dashboard.
type Snapshot struct {
	Pair         string             `json:"pair"`
	State        State              `json:"state"`
	PausedReason string             `json:"paused_reason,omitempty"`
	Cycles       int64              `json:"cycles"`
	LastCycleID  string             `json:"last_cycle_id,omitempty"`
	LastEntryID  string             `json:"last_entry_id,omitempty"`
	LastStatus   types.LedgerStatus `json:"last_status,omitempty"`
	LastReason   string             `json:"last_reason,omitempty"`
	LastRunAt    time.Time          `json:"last_run_at,omitempty"`
}

type pairState struct {
	pair types.Pair
	// inflight is held for the whole cycle
	inflight sync.Mutex
	snap     Snapshot
}

// Runner owns every pair's state. Only RunCycle mutates a pair.
type Runner struct {
	deps Deps
	// RecordTimeout bounds ledger writes, which outlive cancellation.
	RecordTimeout time.Duration
	// RecordRetryDelay is the first pause between ledger write attempts.
	RecordRetryDelay time.Duration

	mu    sync.RWMutex
	pairs map[string]*pairState
}

func NewRunner(deps Deps, pairs []types.Pair) *Runner {
	r := &Runner{deps: deps, RecordTimeout: 10 * time.Second, RecordRetryDelay: 250 * time.Millisecond, pairs: make(map[string]*pairState, len(pairs))}
	for _, p := range pairs {
		r.pairs[p.String()] = &pairState{pair: p, snap: Snapshot{Pair: p.String(), State: StateIdle}}
	}
	return r
}

// Pairs returns the configured pair symbols in sorted order.
func (r *Runner) Pairs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.pairs))
	for k := range r.pairs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Snapshots returns a copy of every pair's state.
func (r *Runner) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.pairs))
	for _, ps := range r.pairs {
		out = append(out, ps.snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair < out[j].Pair })
	return out
}

// Pause stops scheduling cycles for symbol until Resume.
func (r *Runner) Pause(symbol, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps, ok := r.pairs[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPair, symbol)
	}
	ps.snap.State = StatePaused
	ps.snap.PausedReason = reason
	log.WithFields(log.Fields{"pair": symbol, "reason": reason}).Warn("Pair paused")
	return nil
}

// Resume clears a pause. A running cycle is unaffected.
func (r *Runner) Resume(symbol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps, ok := r.pairs[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPair, symbol)
	}
	if ps.snap.State == StatePaused {
		ps.snap.State = StateIdle
		ps.snap.PausedReason = ""
		log.WithField("pair", symbol).Info("Pair resumed")
	}
	return nil
}

// RunCycle runs one full cycle for symbol and returns its recorded entry.
// It refuses to start while another cycle for the pair is in flight or the
// pair is paused. The returned error is non-nil with a valid entry only when
// the blockchain RPC became unreachable, in which case the pair is paused.
func (r *Runner) RunCycle(ctx context.Context, symbol string) (types.LedgerEntry, error) {
	r.mu.Lock()
	ps, ok := r.pairs[symbol]
	if !ok {
		r.mu.Unlock()
		return types.LedgerEntry{}, fmt.Errorf("%w: %s", ErrUnknownPair, symbol)
	}
	if ps.snap.State == StatePaused {
		r.mu.Unlock()
		return types.LedgerEntry{}, fmt.Errorf("%w: %s", ErrPaused, symbol)
	}
	if !ps.inflight.TryLock() {
		r.mu.Unlock()
		return types.LedgerEntry{}, fmt.Errorf("%w: %s", ErrBusy, symbol)
	}
	ps.snap.State = StateRunning
	r.mu.Unlock()
	defer ps.inflight.Unlock()

	cycleID := types.NewCycleID()
	logger := log.WithFields(log.Fields{"pair": symbol, "cycle_id": cycleID})
	start := time.Now()

	entry, fatal := r.cycle(ctx, ps.pair, logger)
	entry.CycleID = cycleID

	recorded, err := r.record(ctx, entry)
	if err != nil {
		pause := ""
		if fatal != nil {
			pause = fatal.Error()
		}
		if entry.Status != types.LedgerHold {
			// an unrecorded trade outcome would be invisible to reconciliation
			pause = ReasonLedgerWriteFailed
		}
		logger.WithFields(log.Fields{
			"error":     err.Error(),
			"status":    entry.Status,
			"signature": entry.Signature,
			"reason":    entry.Reason,
		}).Error("Failed to record ledger entry")
		r.finish(ps, entry, pause)
		if fatal != nil {
			return entry, fatal
		}
		return entry, err
	}
	r.publish(recorded, logger)
	pause := ""
	if fatal != nil {
		pause = fatal.Error()
	}
	r.finish(ps, recorded, pause)

	logger.WithFields(log.Fields{
		"entry":    recorded.ID,
		"action":   recorded.Decision.Action,
		"status":   recorded.Status,
		"reason":   recorded.Reason,
		"attempts": len(recorded.Attempts),
		"duration": time.Since(start).String(),
	}).Info("Cycle completed")

	if fatal != nil {
		logger.WithFields(log.Fields{"kind": errs.KindOf(fatal), "error": fatal.Error()}).
			Error("Blockchain RPC unreachable, pair paused until restarted")
		return recorded, fatal
	}
	return recorded, nil
}

// cycle produces the unrecorded entry. fatal is set only for rpc_unreachable.
func (r *Runner) cycle(ctx context.Context, pair types.Pair, logger *log.Entry) (types.LedgerEntry, error) {
	symbol := pair.String()

	pending, fatal := r.reconcile(ctx, pair, logger)
	if fatal != nil {
		return holdEntry(symbol, ReasonPendingReconciliation+": "+fatal.Error()), fatal
	}
	if pending > 0 {
		logger.WithField("pending", pending).Warn("Unknown submissions unresolved, holding")
		return holdEntry(symbol, ReasonPendingReconciliation), nil
	}

	in, err := r.deps.Collector.Collect(ctx, pair)
	if err != nil {
		logger.WithFields(log.Fields{"kind": errs.KindOf(err), "error": err.Error()}).Warn("Decision input unavailable, holding")
		return holdEntry(symbol, ReasonSignalUnavailable+": "+err.Error()), nil
	}
	logger.WithField("coverage", in.Coverage.String()).Debug("Decision input collected")

	proposed := r.deps.Decider.Decide(ctx, in)
	gated := r.deps.Gate.Apply(proposed, in)
	if gated.Action != proposed.Action || gated.AmountValue() != proposed.AmountValue() {
		logger.WithFields(log.Fields{
			"proposed": proposed.Action, "proposed_amount": proposed.AmountValue(),
			"gated": gated.Action, "gated_amount": gated.AmountValue(),
		}).Info("Decision narrowed by gates")
	}

	entry := types.LedgerEntry{Pair: symbol, Input: &in, ProposedDecision: proposed, Decision: gated}
	if !gated.IsTrade() {
		entry.Status = types.LedgerHold
		entry.Reason = gated.Rationale
		return entry, nil
	}

	result, execErr := r.deps.Executor.Execute(ctx, pair, gated)
	entry.Attempts = result.Attempts
	entry.Status = result.Status
	entry.Reason = result.Reason
	entry.Signature = result.Signature
	entry.Settlement = result.Settlement
	entry.ValidUntilBlockHeight = result.ValidUntilBlockHeight
	entry.Timestamp = result.Timestamp
	if execErr != nil && !errs.IsKind(execErr, errs.KindRPCUnreachable) {
		// executor contract allows only rpc_unreachable
		logger.WithField("error", execErr.Error()).Error("Unexpected execution error")
		execErr = nil
	}
	return entry, execErr
}

// reconcile resolves the pair's UNKNOWN entries and returns how many remain.
func (r *Runner) reconcile(ctx context.Context, pair types.Pair, logger *log.Entry) (int, error) {
	if r.deps.Reconciler == nil {
		return len(r.deps.Ledger.Pending(pair.String())), nil
	}
	remaining := 0
	for _, e := range r.deps.Ledger.Pending(pair.String()) {
		elog := logger.WithFields(log.Fields{"entry": e.ID, "signature": e.Signature})
		res, pending, err := r.deps.Reconciler.Resolve(ctx, pair, e)
		if err != nil {
			if errs.IsKind(err, errs.KindRPCUnreachable) {
				return remaining + 1, err
			}
			elog.WithField("error", err.Error()).Warn("Reconciliation check failed")
			remaining++
			continue
		}
		if pending {
			remaining++
			continue
		}
		wctx, cancel := r.writeContext(ctx)
		stored, applied, err := r.deps.Ledger.Resolve(wctx, res)
		cancel()
		if err != nil {
			elog.WithField("error", err.Error()).Error("Failed to store resolution")
			remaining++
			continue
		}
		if applied {
			elog.WithFields(log.Fields{"status": stored.Status, "reason": stored.Reason}).Info("Unknown submission resolved")
		}
	}
	return remaining, nil
}

// record retries the write until RecordTimeout, so a brief store outage does
// not lose the entry.
func (r *Runner) record(ctx context.Context, e types.LedgerEntry) (types.LedgerEntry, error) {
	wctx, cancel := r.writeContext(ctx)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.RecordRetryDelay
	return backoff.Retry(wctx, func() (types.LedgerEntry, error) {
		recorded, err := r.deps.Ledger.Record(wctx, e)
		if errs.IsKind(err, errs.KindInvalid) {
			return recorded, backoff.Permanent(err)
		}
		return recorded, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(recordTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.WithFields(log.Fields{"pair": e.Pair, "error": err.Error(), "retry_in": wait.String()}).
				Warn("Ledger write failed, retrying")
		}),
	)
}

// writeContext survives shutdown so terminal entries are still written.
func (r *Runner) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.RecordTimeout)
}

func (r *Runner) publish(e types.LedgerEntry, logger *log.Entry) {
	if r.deps.Publisher == nil {
		return
	}
	if err := r.deps.Publisher.Publish(LedgerQueue, e); err != nil {
		logger.WithField("error", err.Error()).Warn("Failed to publish ledger entry")
	}
}

// finish updates the snapshot. A non-empty pause leaves the pair paused.
func (r *Runner) finish(ps *pairState, e types.LedgerEntry, pause string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps.snap.Cycles++
	ps.snap.LastCycleID = e.CycleID
	ps.snap.LastEntryID = e.ID
	ps.snap.LastStatus = e.Status
	ps.snap.LastReason = e.Reason
	ps.snap.LastRunAt = time.Now().UTC()
	if ps.snap.State == StateRunning {
		ps.snap.State = StateIdle
	}
	if pause != "" {
		ps.snap.State = StatePaused
		ps.snap.PausedReason = pause
	}
}

func holdEntry(pair, reason string) types.LedgerEntry {
	return types.LedgerEntry{
		Pair:     pair,
		Decision: types.TradeDecision{Action: types.ActionHold, Pair: pair, Rationale: reason},
		Status:   types.LedgerHold,
		Reason:   reason,
	}
}
