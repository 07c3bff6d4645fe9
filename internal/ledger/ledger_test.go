package ledger

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"numerusx/internal/errs"
	"numerusx/internal/models"
	"numerusx/internal/types"
)

func amount(v float64) *float64 { return &v }

func trade(action types.Action, pair string, amt float64) types.TradeDecision {
	return types.TradeDecision{Action: action, Pair: pair, Amount: amount(amt), Confidence: 0.7, Rationale: "signal"}
}

func hold(pair string) types.TradeDecision {
	return types.TradeDecision{Action: types.ActionHold, Pair: pair, Confidence: 0.2, Rationale: "flat"}
}

func filled(action types.Action, pair string, in, out float64) types.LedgerEntry {
	return types.LedgerEntry{
		Pair: pair, Decision: trade(action, pair, in), Status: types.LedgerConfirmed, Reason: "confirmed",
		Signature:  "sig-" + string(action),
		Attempts:   []types.TransactionAttempt{{Number: 1, Status: types.AttemptConfirmed}},
		Settlement: &types.Settlement{InputAmount: in, OutputAmount: out},
	}
}

func unknown(pair, sig string) types.LedgerEntry {
	return types.LedgerEntry{
		Pair: pair, Decision: trade(types.ActionBuy, pair, 100), Status: types.LedgerUnknown,
		Reason: "not confirmed within 1m0s", Signature: sig, ValidUntilBlockHeight: 500,
		Attempts: []types.TransactionAttempt{{Number: 1, Status: types.AttemptFailed, Signature: sig}},
	}
}

func TestRecordAndPortfolio(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())

	_, err := l.Record(ctx, filled(types.ActionBuy, "SOL/USDC", 300, 2))
	require.NoError(t, err)
	_, err = l.Record(ctx, filled(types.ActionBuy, "SOL/USDC", 100, 1))
	require.NoError(t, err)
	_, err = l.Record(ctx, types.LedgerEntry{Pair: "SOL/USDC", Decision: hold("SOL/USDC"), Status: types.LedgerHold, Reason: "flat"})
	require.NoError(t, err)

	pf, err := l.Portfolio(ctx)
	require.NoError(t, err)
	pos, ok := pf.Position("SOL/USDC")
	require.True(t, ok)
	assert.InDelta(t, 3.0, pos.BaseAmount, 1e-9)
	assert.InDelta(t, 400.0, pos.CostBasis, 1e-9)

	// sell a third at 150 against an average cost of 133.33
	_, err = l.Record(ctx, filled(types.ActionSell, "SOL/USDC", 1, 150))
	require.NoError(t, err)
	pf, _ = l.Portfolio(ctx)
	pos, _ = pf.Position("SOL/USDC")
	assert.InDelta(t, 2.0, pos.BaseAmount, 1e-9)
	assert.InDelta(t, 266.6666666, pos.CostBasis, 1e-6)
	assert.InDelta(t, 16.6666666, pf.RealizedPnL, 1e-6)

	// selling more than held closes the position
	_, err = l.Record(ctx, filled(types.ActionSell, "SOL/USDC", 5, 260))
	require.NoError(t, err)
	pf, _ = l.Portfolio(ctx)
	_, ok = pf.Position("SOL/USDC")
	assert.False(t, ok)
	assert.InDelta(t, 10.0, pf.RealizedPnL, 1e-6)
}

func TestRecordValidates(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	tests := []struct {
		name  string
		entry types.LedgerEntry
	}{
		{"no pair", types.LedgerEntry{Decision: hold("SOL/USDC"), Status: types.LedgerHold, Reason: "x"}},
		{"no reason", types.LedgerEntry{Pair: "SOL/USDC", Decision: hold("SOL/USDC"), Status: types.LedgerHold}},
		{"bad status", types.LedgerEntry{Pair: "SOL/USDC", Decision: hold("SOL/USDC"), Status: "DONE", Reason: "x"}},
		{"unknown without signature", types.LedgerEntry{Pair: "SOL/USDC", Decision: hold("SOL/USDC"), Status: types.LedgerUnknown, Reason: "x"}},
		{"invalid decision", types.LedgerEntry{Pair: "SOL/USDC", Decision: types.TradeDecision{Action: types.ActionBuy}, Status: types.LedgerFailed, Reason: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Record(ctx, tt.entry)
			assert.True(t, errs.IsKind(err, errs.KindInvalid), "got %v", err)
		})
	}
}

func TestRecordTimestampsMonotonicPerPair(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := types.LedgerEntry{Pair: "SOL/USDC", Decision: hold("SOL/USDC"), Status: types.LedgerHold, Reason: "a", Timestamp: now}
	_, err := l.Record(ctx, first)
	require.NoError(t, err)

	second := first
	second.Timestamp = now.Add(-time.Second)
	got, err := l.Record(ctx, second)
	require.NoError(t, err)
	assert.True(t, got.Timestamp.Equal(now))
	assert.NotEqual(t, "", got.ID)

	other := first
	other.Pair, other.Decision = "JUP/USDC", hold("JUP/USDC")
	other.Timestamp = now.Add(-time.Hour)
	got, err = l.Record(ctx, other)
	require.NoError(t, err)
	assert.True(t, got.Timestamp.Equal(now.Add(-time.Hour)))
}

func TestResolveIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := New(store)

	e, err := l.Record(ctx, unknown("SOL/USDC", "sig-1"))
	require.NoError(t, err)
	require.Len(t, l.Pending("SOL/USDC"), 1)
	assert.Empty(t, l.Pending("JUP/USDC"))

	res := types.Resolution{EntryID: e.ID, Status: types.LedgerConfirmed, Reason: "confirmed on reconciliation",
		Settlement: &types.Settlement{InputAmount: 100, OutputAmount: 0.5}}
	first, applied, err := l.Resolve(ctx, res)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "sig-1", first.Signature)
	assert.Empty(t, l.Pending("SOL/USDC"))

	again := types.Resolution{EntryID: e.ID, Status: types.LedgerFailed, Reason: neverLanded}
	second, applied, err := l.Resolve(ctx, again)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, first, second)

	pf, _ := l.Portfolio(ctx)
	pos, ok := pf.Position("SOL/USDC")
	require.True(t, ok)
	assert.InDelta(t, 0.5, pos.BaseAmount, 1e-9)

	_, _, rerr := l.Resolve(ctx, types.Resolution{EntryID: "missing", Status: types.LedgerFailed, Reason: "x"})
	assert.ErrorIs(t, rerr, ErrNotFound)
	_, _, rerr = l.Resolve(ctx, types.Resolution{EntryID: e.ID, Status: types.LedgerHold})
	assert.True(t, errs.IsKind(rerr, errs.KindInvalid))

	v, err := l.Get(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, v.Resolution)
	assert.Equal(t, types.LedgerConfirmed, v.Resolution.Status)
	assert.Equal(t, types.LedgerUnknown, v.Status)
}

const neverLanded = "expired, never landed"

func TestResolveConcurrent(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	e, err := l.Record(ctx, unknown("SOL/USDC", "sig-1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	appliedCount := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, applied, err := l.Resolve(ctx, types.Resolution{EntryID: e.ID, Status: types.LedgerConfirmed, Reason: "ok",
				Settlement: &types.Settlement{InputAmount: 100, OutputAmount: 0.5}})
			assert.NoError(t, err)
			if applied {
				mu.Lock()
				appliedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, appliedCount)
	pf, _ := l.Portfolio(ctx)
	pos, _ := pf.Position("SOL/USDC")
	assert.InDelta(t, 0.5, pos.BaseAmount, 1e-9)
}

func TestLoadReplays(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := New(store)

	_, err := l.Record(ctx, filled(types.ActionBuy, "SOL/USDC", 200, 1))
	require.NoError(t, err)
	u1, err := l.Record(ctx, unknown("SOL/USDC", "sig-1"))
	require.NoError(t, err)
	_, err = l.Record(ctx, unknown("SOL/USDC", "sig-2"))
	require.NoError(t, err)
	_, _, err = l.Resolve(ctx, types.Resolution{EntryID: u1.ID, Status: types.LedgerFailed, Reason: neverLanded})
	require.NoError(t, err)

	reloaded := New(store)
	require.NoError(t, reloaded.Load(ctx))
	pending := reloaded.Pending("SOL/USDC")
	require.Len(t, pending, 1)
	assert.Equal(t, "sig-2", pending[0].Signature)

	before, _ := l.Portfolio(ctx)
	after, _ := reloaded.Portfolio(ctx)
	assert.Equal(t, before, after)

	projected, err := Project(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, before, projected)

	_, applied, err := reloaded.Resolve(ctx, types.Resolution{EntryID: u1.ID, Status: types.LedgerConfirmed, Reason: "late"})
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestMemoryStoreList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		pair := "SOL/USDC"
		if i%5 == 0 {
			pair = "JUP/USDC"
		}
		require.NoError(t, s.AppendEntry(ctx, types.LedgerEntry{
			ID: string(rune('a' + i)), Pair: pair, Status: types.LedgerHold, Reason: "flat",
			Timestamp: start.Add(time.Duration(i) * time.Minute),
		}))
	}
	assert.ErrorIs(t, s.AppendEntry(ctx, types.LedgerEntry{ID: "a"}), ErrDuplicate)

	page, total, err := s.ListEntries(ctx, Filter{Pair: "SOL/USDC", PageSize: 15})
	require.NoError(t, err)
	assert.EqualValues(t, 20, total)
	require.Len(t, page, 15)
	assert.True(t, page[0].Timestamp.After(page[1].Timestamp))

	page, _, err = s.ListEntries(ctx, Filter{Pair: "SOL/USDC", Page: 2, PageSize: 15})
	require.NoError(t, err)
	assert.Len(t, page, 5)

	page, total, err = s.ListEntries(ctx, Filter{Status: types.LedgerConfirmed})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, page)

	_, err = s.GetEntry(ctx, "zz")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.AppendResolution(ctx, types.Resolution{EntryID: "zz"}), ErrNotFound)
}

func TestGormStore(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.Migrator().DropTable(&models.LedgerResolution{}, &models.LedgerEntry{}))
	require.NoError(t, db.AutoMigrate(&models.LedgerEntry{}, &models.LedgerResolution{}))

	ctx := context.Background()
	store := NewGormStore(db)
	l := New(store)

	e, err := l.Record(ctx, unknown("SOL/USDC", "sig-db"))
	require.NoError(t, err)
	assert.ErrorIs(t, store.AppendEntry(ctx, e), ErrDuplicate)

	_, applied, err := l.Resolve(ctx, types.Resolution{EntryID: e.ID, Status: types.LedgerFailed, Reason: neverLanded})
	require.NoError(t, err)
	assert.True(t, applied)
	err = store.AppendResolution(ctx, types.Resolution{EntryID: e.ID, Status: types.LedgerConfirmed, Reason: "dup"})
	assert.True(t, errors.Is(err, ErrDuplicate))

	v, err := l.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "sig-db", v.Signature)
	require.NotNil(t, v.Resolution)
	assert.Equal(t, neverLanded, v.Resolution.Reason)

	list, total, err := l.List(ctx, Filter{Pair: "SOL/USDC"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, list, 1)
	assert.Equal(t, e.ID, list[0].ID)
}

func TestProjectorCaches(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := New(store)
	_, err := l.Record(ctx, filled(types.ActionBuy, "SOL/USDC", 100, 1))
	require.NoError(t, err)

	now := time.Now()
	p := &Projector{Store: store, TTL: time.Minute, now: func() time.Time { return now }}
	pf, err := p.Portfolio(ctx)
	require.NoError(t, err)
	require.Len(t, pf.OpenPositions, 1)

	_, err = l.Record(ctx, filled(types.ActionBuy, "JUP/USDC", 50, 100))
	require.NoError(t, err)
	pf, _ = p.Portfolio(ctx)
	assert.Len(t, pf.OpenPositions, 1)

	now = now.Add(2 * time.Minute)
	pf, _ = p.Portfolio(ctx)
	assert.Len(t, pf.OpenPositions, 2)
}
