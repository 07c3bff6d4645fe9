package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"numerusx/internal/cycle"
	"numerusx/internal/handlers"
	"numerusx/internal/ledger"
	"numerusx/internal/middleware"
	"numerusx/internal/types"
)

type staticPairs []cycle.Snapshot

func (s staticPairs) Snapshots() []cycle.Snapshot { return s }

func amount(v float64) *float64 { return &v }

func setup(t *testing.T) (*gin.Engine, *ledger.Ledger, []types.LedgerEntry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore())

	var recorded []types.LedgerEntry
	for _, e := range []types.LedgerEntry{
		{
			Pair: "SOL/USDC", Status: types.LedgerConfirmed, Reason: "confirmed", Signature: "sig-1",
			Decision:   types.TradeDecision{Action: types.ActionBuy, Pair: "SOL/USDC", Amount: amount(150), Confidence: 0.8, Rationale: "bullish"},
			Settlement: &types.Settlement{InputAmount: 150, OutputAmount: 1},
		},
		{
			Pair: "SOL/USDC", Status: types.LedgerHold, Reason: "flat",
			Decision: types.TradeDecision{Action: types.ActionHold, Pair: "SOL/USDC", Confidence: 0.3, Rationale: "flat"},
		},
		{
			Pair: "JUP/USDC", Status: types.LedgerUnknown, Reason: "not confirmed", Signature: "sig-3",
			Decision: types.TradeDecision{Action: types.ActionBuy, Pair: "JUP/USDC", Amount: amount(50), Confidence: 0.6, Rationale: "up"},
		},
	} {
		rec, err := l.Record(ctx, e)
		require.NoError(t, err)
		recorded = append(recorded, rec)
	}

	h := &handlers.Handler{
		Ledger:    l,
		Portfolio: l,
		Pairs:     staticPairs{{Pair: "SOL/USDC", State: cycle.StateIdle, Cycles: 2}},
	}
	r := SetupRouter(h, Config{
		AllowedOrigins: []string{"http://localhost:3000"},
		RateLimit:      middleware.RateLimiterConfig{RequestsPerSecond: 1000, Burst: 1000},
	})
	return r, l, recorded
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Origin", "http://localhost:3000")
	r.ServeHTTP(w, req)
	return w
}

type listResponse struct {
	Data       []types.LedgerEntry `json:"data"`
	Pagination struct {
		CurrentPage int   `json:"current_page"`
		PageSize    int   `json:"page_size"`
		TotalPages  int64 `json:"total_pages"`
		TotalCount  int64 `json:"total_count"`
		HasNext     bool  `json:"has_next"`
	} `json:"pagination"`
}

func TestHealth(t *testing.T) {
	r, _, _ := setup(t)
	w := get(r, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestListLedger(t *testing.T) {
	r, _, recorded := setup(t)

	tests := []struct {
		name      string
		path      string
		wantCount int64
		wantLen   int
		firstID   string
	}{
		{"all", "/ledger", 3, 3, recorded[2].ID},
		{"by pair", "/ledger?pair=sol/usdc", 2, 2, recorded[1].ID},
		{"by status", "/ledger?status=unknown", 1, 1, recorded[2].ID},
		{"paged", "/ledger?page=2&page_size=2", 3, 1, recorded[0].ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(r, tt.path)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))

			var resp listResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantCount, resp.Pagination.TotalCount)
			require.Len(t, resp.Data, tt.wantLen)
			assert.Equal(t, tt.firstID, resp.Data[0].ID)
		})
	}

	assert.Equal(t, http.StatusBadRequest, get(r, "/ledger?status=LOST").Code)
	assert.Equal(t, http.StatusBadRequest, get(r, "/ledger?pair=SOLUSDC").Code)
}

func TestGetLedgerEntry(t *testing.T) {
	r, l, recorded := setup(t)

	_, _, err := l.Resolve(context.Background(), types.Resolution{EntryID: recorded[2].ID, Status: types.LedgerFailed, Reason: "expired, never landed"})
	require.NoError(t, err)

	w := get(r, "/ledger/"+recorded[2].ID)
	require.Equal(t, http.StatusOK, w.Code)
	var v ledger.View
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	assert.Equal(t, recorded[2].ID, v.ID)
	require.NotNil(t, v.Resolution)
	assert.Equal(t, types.LedgerFailed, v.Resolution.Status)

	assert.Equal(t, http.StatusNotFound, get(r, "/ledger/missing").Code)
}

func TestPairsAndPortfolio(t *testing.T) {
	r, _, _ := setup(t)

	w := get(r, "/pairs")
	require.Equal(t, http.StatusOK, w.Code)
	var snaps []cycle.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, cycle.StateIdle, snaps[0].State)

	w = get(r, "/portfolio")
	require.Equal(t, http.StatusOK, w.Code)
	var pf types.PortfolioSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pf))
	pos, ok := pf.Position("SOL/USDC")
	require.True(t, ok)
	assert.Equal(t, 1.0, pos.BaseAmount)
	assert.Equal(t, 150.0, pos.CostBasis)
}

func TestPreflight(t *testing.T) {
	r, _, _ := setup(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/ledger", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}
