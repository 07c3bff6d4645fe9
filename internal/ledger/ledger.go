// Package ledger is the append-only record of cycle outcomes and the
// portfolio projection derived from it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"numerusx/internal/errs"
	"numerusx/internal/types"
)

// dust is the base amount below which a position counts as closed.
const dust = 1e-9

// Ledger records entries and resolutions and keeps the portfolio projection.
// All mutation happens under one mutex shared by every pair.
type Ledger struct {
	store Store
	now   func() time.Time

	mu        sync.Mutex
	positions map[string]types.Position
	realized  float64
	pending   map[string]types.LedgerEntry
	resolved  map[string]types.Resolution
	lastTS    map[string]time.Time
}

// New returns an empty ledger over store. Call Load to replay existing records.
func New(store Store) *Ledger {
	return &Ledger{
		store:     store,
		now:       time.Now,
		positions: make(map[string]types.Position),
		pending:   make(map[string]types.LedgerEntry),
		resolved:  make(map[string]types.Resolution),
		lastTS:    make(map[string]time.Time),
	}
}

// Load rebuilds the projection from the store.
func (l *Ledger) Load(ctx context.Context) error {
	entries, resolutions, err := l.store.Replay(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]types.LedgerEntry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}

	type event struct {
		at  time.Time
		e   *types.LedgerEntry
		res *types.Resolution
	}
	events := make([]event, 0, len(entries)+len(resolutions))
	for i := range entries {
		events = append(events, event{at: entries[i].Timestamp, e: &entries[i]})
	}
	for i := range resolutions {
		events = append(events, event{at: resolutions[i].ResolvedAt, res: &resolutions[i]})
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].at.Before(events[j].at) })

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range events {
		if ev.e != nil {
			l.applyEntry(*ev.e)
			continue
		}
		entry, ok := byID[ev.res.EntryID]
		if !ok {
			log.WithField("entry", ev.res.EntryID).Warn("Resolution without entry, skipping")
			continue
		}
		l.applyResolution(entry, *ev.res)
	}
	log.WithFields(log.Fields{
		"entries":     len(entries),
		"resolutions": len(resolutions),
		"pending":     len(l.pending),
	}).Info("Ledger loaded")
	return nil
}

// Record appends e, assigning an ID and timestamp when missing, and applies it
// to the projection. Timestamps never move backwards within a pair.
func (l *Ledger) Record(ctx context.Context, e types.LedgerEntry) (types.LedgerEntry, error) {
	const op = "ledger.record"
	if err := validateEntry(e); err != nil {
		return types.LedgerEntry{}, errs.Wrap(op, errs.KindInvalid, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	if last := l.lastTS[e.Pair]; e.Timestamp.Before(last) {
		e.Timestamp = last
	}

	if err := l.store.AppendEntry(ctx, e); err != nil {
		return types.LedgerEntry{}, fmt.Errorf("%s: %w", op, err)
	}
	l.applyEntry(e)
	return e, nil
}

// Resolve stores res for its UNKNOWN entry. A second resolution of the same
// entry is ignored and the first one is returned with applied=false.
func (l *Ledger) Resolve(ctx context.Context, res types.Resolution) (stored types.Resolution, applied bool, err error) {
	const op = "ledger.resolve"
	if res.Status != types.LedgerConfirmed && res.Status != types.LedgerFailed {
		return types.Resolution{}, false, errs.New(op, errs.KindInvalid,
			fmt.Sprintf("resolution status %q must be CONFIRMED or FAILED", res.Status))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.resolved[res.EntryID]; ok {
		return prev, false, nil
	}
	entry, ok := l.pending[res.EntryID]
	if !ok {
		return types.Resolution{}, false, fmt.Errorf("%s: entry %s is not awaiting reconciliation: %w", op, res.EntryID, ErrNotFound)
	}
	if res.ResolvedAt.IsZero() {
		res.ResolvedAt = l.now().UTC()
	}
	res.Pair = entry.Pair
	res.Signature = entry.Signature

	if err := l.store.AppendResolution(ctx, res); err != nil {
		if errors.Is(err, ErrDuplicate) {
			// written by another process; adopt the stored one
			prev, found, gerr := l.store.GetResolution(ctx, res.EntryID)
			if gerr == nil && found {
				l.applyResolution(entry, prev)
				return prev, false, nil
			}
		}
		return types.Resolution{}, false, fmt.Errorf("%s: %w", op, err)
	}
	l.applyResolution(entry, res)
	return res, true, nil
}

// Pending returns pair's entries still awaiting reconciliation, oldest first.
func (l *Ledger) Pending(pair string) []types.LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []types.LedgerEntry
	for _, e := range l.pending {
		if e.Pair == pair {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Portfolio returns a copy of the current projection.
func (l *Ledger) Portfolio(context.Context) (types.PortfolioSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := types.PortfolioSnapshot{OpenPositions: make([]types.Position, 0, len(l.positions)), RealizedPnL: l.realized}
	for _, p := range l.positions {
		snap.OpenPositions = append(snap.OpenPositions, p)
	}
	sort.Slice(snap.OpenPositions, func(i, j int) bool { return snap.OpenPositions[i].Pair < snap.OpenPositions[j].Pair })
	return snap, nil
}

// Project replays store into a throwaway ledger and returns its portfolio.
// Readers in other processes use it to see the writer's current state.
func Project(ctx context.Context, store Store) (types.PortfolioSnapshot, error) {
	l := New(store)
	if err := l.Load(ctx); err != nil {
		return types.PortfolioSnapshot{}, err
	}
	return l.Portfolio(ctx)
}

// View pairs a stored entry with its resolution, if any.
type View struct {
	types.LedgerEntry
	Resolution *types.Resolution `json:"resolution,omitempty"`
}

// List pages through the stored entries.
func (l *Ledger) List(ctx context.Context, f Filter) ([]types.LedgerEntry, int64, error) {
	return l.store.ListEntries(ctx, f)
}

// Get returns one entry with its resolution.
func (l *Ledger) Get(ctx context.Context, id string) (View, error) {
	e, err := l.store.GetEntry(ctx, id)
	if err != nil {
		return View{}, err
	}
	res, ok, err := l.store.GetResolution(ctx, id)
	if err != nil {
		return View{}, err
	}
	v := View{LedgerEntry: e}
	if ok {
		v.Resolution = &res
	}
	return v, nil
}

func (l *Ledger) applyEntry(e types.LedgerEntry) {
	if e.Timestamp.After(l.lastTS[e.Pair]) {
		l.lastTS[e.Pair] = e.Timestamp
	}
	switch {
	case e.Status == types.LedgerConfirmed && e.Settlement != nil:
		l.applyFill(e.Pair, e.Decision.Action, *e.Settlement)
	case e.NeedsReconciliation():
		l.pending[e.ID] = e
	}
}

func (l *Ledger) applyResolution(entry types.LedgerEntry, res types.Resolution) {
	if _, done := l.resolved[res.EntryID]; done {
		return
	}
	l.resolved[res.EntryID] = res
	delete(l.pending, res.EntryID)
	if res.Status == types.LedgerConfirmed && res.Settlement != nil {
		l.applyFill(entry.Pair, entry.Decision.Action, *res.Settlement)
	}
}

// applyFill moves the position by a settled swap. Sells release cost basis
// pro rata and book the difference as realized PnL.
func (l *Ledger) applyFill(pair string, action types.Action, s types.Settlement) {
	pos := l.positions[pair]
	pos.Pair = pair
	switch action {
	case types.ActionBuy:
		pos.BaseAmount += s.OutputAmount
		pos.CostBasis += s.InputAmount
	case types.ActionSell:
		sold := math.Min(s.InputAmount, pos.BaseAmount)
		var released float64
		if pos.BaseAmount > 0 {
			released = pos.CostBasis * sold / pos.BaseAmount
		}
		l.realized += s.OutputAmount - released
		pos.BaseAmount -= sold
		pos.CostBasis -= released
	default:
		return
	}
	if pos.BaseAmount <= dust {
		delete(l.positions, pair)
		return
	}
	l.positions[pair] = pos
}

func validateEntry(e types.LedgerEntry) error {
	if strings.TrimSpace(e.Pair) == "" {
		return errors.New("entry has no pair")
	}
	switch e.Status {
	case types.LedgerConfirmed, types.LedgerFailed, types.LedgerHold, types.LedgerUnknown:
	default:
		return fmt.Errorf("unknown ledger status %q", e.Status)
	}
	if strings.TrimSpace(e.Reason) == "" {
		return errors.New("entry has no reason")
	}
	if e.Status == types.LedgerUnknown && e.Signature == "" {
		return errors.New("unknown entry has no signature to reconcile")
	}
	if err := e.Decision.Validate(); err != nil {
		return fmt.Errorf("entry decision: %w", err)
	}
	return nil
}

// Projector serves Project results cached for TTL.
type Projector struct {
	Store Store
	TTL   time.Duration

	mu      sync.Mutex
	cached  types.PortfolioSnapshot
	builtAt time.Time
	now     func() time.Time
}

// Portfolio returns the cached projection, rebuilding it once TTL elapsed.
func (p *Projector) Portfolio(ctx context.Context) (types.PortfolioSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.now == nil {
		p.now = time.Now
	}
	if !p.builtAt.IsZero() && p.now().Sub(p.builtAt) < p.TTL {
		return p.cached, nil
	}
	snap, err := Project(ctx, p.Store)
	if err != nil {
		return types.PortfolioSnapshot{}, err
	}
	p.cached, p.builtAt = snap, p.now()
	return snap, nil
}
