package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"numerusx/internal/errs"
)

// RouteHop is one leg of an aggregator route.
type RouteHop struct {
	AMMKey     string `json:"amm_key"`
	Label      string `json:"label"`
	InputMint  string `json:"input_mint"`
	OutputMint string `json:"output_mint"`
	Percent    int    `json:"percent"`
}

// SwapQuote is a priced, time-bounded swap estimate. Amounts are base units.
// ValidUntilBlockHeight is zero until a transaction is built from the quote.
type SwapQuote struct {
	ID                    string          `json:"id"`
	InputMint             string          `json:"input_mint"`
	OutputMint            string          `json:"output_mint"`
	InputAmount           uint64          `json:"input_amount"`
	ExpectedOutputAmount  uint64          `json:"expected_output_amount"`
	PriceImpact           float64         `json:"price_impact"`
	SlippageBps           int             `json:"slippage_bps"`
	Route                 []RouteHop      `json:"route"`
	ValidUntilBlockHeight uint64          `json:"valid_until_block_height"`
	FetchedAt             time.Time       `json:"fetched_at"`
	Raw                   json.RawMessage `json:"-"`
}

// NewQuoteID returns a unique identifier for a freshly fetched quote.
func NewQuoteID() string {
	return uuid.NewString()
}

// AttemptStatus is the per-attempt state machine.
type AttemptStatus string

const (
	AttemptBuilt     AttemptStatus = "BUILT"
	AttemptSubmitted AttemptStatus = "SUBMITTED"
	AttemptConfirmed AttemptStatus = "CONFIRMED"
	AttemptExpired   AttemptStatus = "EXPIRED"
	AttemptFailed    AttemptStatus = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s AttemptStatus) Terminal() bool {
	return s == AttemptConfirmed || s == AttemptExpired || s == AttemptFailed
}

// TransactionAttempt is one quote→build→sign→submit→confirm pass.
type TransactionAttempt struct {
	Number      int           `json:"number"`
	Quote       SwapQuote     `json:"quote"`
	BuiltTx     []byte        `json:"built_tx,omitempty"`
	Signature   string        `json:"signature,omitempty"`
	Status      AttemptStatus `json:"status"`
	FailureKind errs.Kind     `json:"failure_kind,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
}

// LedgerStatus is the final outcome of one cycle.
type LedgerStatus string

const (
	LedgerConfirmed LedgerStatus = "CONFIRMED"
	LedgerFailed    LedgerStatus = "FAILED"
	LedgerHold      LedgerStatus = "HOLD"
	// LedgerUnknown marks a submitted transaction awaiting reconciliation.
	LedgerUnknown LedgerStatus = "UNKNOWN"
)

// Settlement carries the realized swap amounts in UI units.
type Settlement struct {
	InputAmount   float64 `json:"input_amount"`
	OutputAmount  float64 `json:"output_amount"`
	RealizedPrice float64 `json:"realized_price"`
	// Estimated is true when amounts come from the quote, not the chain.
	Estimated bool `json:"estimated"`
}

// LedgerEntry is the immutable audit record of one cycle.
type LedgerEntry struct {
	ID               string               `json:"id"`
	CycleID          string               `json:"cycle_id"`
	Pair             string               `json:"pair"`
	Timestamp        time.Time            `json:"timestamp"`
	Input            *DecisionInput       `json:"input,omitempty"`
	ProposedDecision TradeDecision        `json:"proposed_decision"`
	Decision         TradeDecision        `json:"decision"`
	Attempts         []TransactionAttempt `json:"attempts"`
	Status           LedgerStatus         `json:"status"`
	Reason           string               `json:"reason"`
	Signature        string               `json:"signature,omitempty"`
	Settlement       *Settlement          `json:"settlement,omitempty"`
	// ValidUntilBlockHeight is the last attempt's validity bound, used by reconciliation.
	ValidUntilBlockHeight uint64 `json:"valid_until_block_height,omitempty"`
}

// NeedsReconciliation reports whether the outcome still has to be checked on chain.
func (e LedgerEntry) NeedsReconciliation() bool {
	return e.Status == LedgerUnknown && e.Signature != ""
}

// Resolution settles an UNKNOWN entry after reconciliation. One per entry.
type Resolution struct {
	EntryID    string       `json:"entry_id"`
	Pair       string       `json:"pair"`
	Status     LedgerStatus `json:"status"`
	Reason     string       `json:"reason"`
	Signature  string       `json:"signature"`
	Settlement *Settlement  `json:"settlement,omitempty"`
	ResolvedAt time.Time    `json:"resolved_at"`
}

// NewCycleID returns a unique cycle identifier.
func NewCycleID() string {
	return uuid.NewString()
}
