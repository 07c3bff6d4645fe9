package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"numerusx/internal/cycle"
	"numerusx/internal/ledger"
	"numerusx/internal/types"
)

// LedgerReader is the read side of the ledger.
type LedgerReader interface {
	List(ctx context.Context, f ledger.Filter) ([]types.LedgerEntry, int64, error)
	Get(ctx context.Context, id string) (ledger.View, error)
}

// PortfolioReader returns the current portfolio projection.
type PortfolioReader interface {
	Portfolio(ctx context.Context) (types.PortfolioSnapshot, error)
}

// PairReader exposes the per-pair loop state.
type PairReader interface {
	Snapshots() []cycle.Snapshot
}

// Handler serves the read-only audit API.
type Handler struct {
	Ledger    LedgerReader
	Portfolio PortfolioReader
	Pairs     PairReader
}

// ListLedgerEntries returns paginated ledger entries, newest first, with
// optional pair and status filters.
func (h *Handler) ListLedgerEntries(c *gin.Context) {
	page := 1
	if p := c.Query("page"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil && parsed > 0 {
			page = parsed
		}
	}
	pageSize := 20
	if ps := c.Query("page_size"); ps != "" {
		if parsed, err := strconv.Atoi(ps); err == nil && parsed > 0 && parsed <= 200 {
			pageSize = parsed
		}
	}

	filter := ledger.Filter{Page: page, PageSize: pageSize}
	if pair := strings.TrimSpace(c.Query("pair")); pair != "" {
		base, quote, err := types.ParsePairSymbol(pair)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter.Pair = base + "/" + quote
	}
	if status := strings.TrimSpace(c.Query("status")); status != "" {
		st := types.LedgerStatus(strings.ToUpper(status))
		switch st {
		case types.LedgerConfirmed, types.LedgerFailed, types.LedgerHold, types.LedgerUnknown:
			filter.Status = st
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status, expected CONFIRMED, FAILED, HOLD or UNKNOWN"})
			return
		}
	}

	entries, total, err := h.Ledger.List(c.Request.Context(), filter)
	if err != nil {
		log.WithField("error", err.Error()).Error("Failed to list ledger entries")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []types.LedgerEntry{}
	}

	totalPages := (total + int64(pageSize) - 1) / int64(pageSize)
	c.JSON(http.StatusOK, gin.H{
		"data": entries,
		"pagination": gin.H{
			"current_page": page,
			"page_size":    pageSize,
			"total_pages":  totalPages,
			"total_count":  total,
			"has_next":     page < int(totalPages),
			"has_prev":     page > 1,
		},
	})
}

// GetLedgerEntry returns one entry with its reconciliation outcome, if any.
func (h *Handler) GetLedgerEntry(c *gin.Context) {
	id := c.Param("id")
	v, err := h.Ledger.Get(c.Request.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, v)
}

// ListPairs returns the state of every pair loop.
func (h *Handler) ListPairs(c *gin.Context) {
	if h.Pairs == nil {
		c.JSON(http.StatusOK, []cycle.Snapshot{})
		return
	}
	c.JSON(http.StatusOK, h.Pairs.Snapshots())
}

// GetPortfolio returns open positions and realized PnL.
func (h *Handler) GetPortfolio(c *gin.Context) {
	pf, err := h.Portfolio.Portfolio(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if pf.OpenPositions == nil {
		pf.OpenPositions = []types.Position{}
	}
	c.JSON(http.StatusOK, pf)
}
