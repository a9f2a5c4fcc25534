package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists market metadata and lifecycle fields. Status
// transitions beyond pause/resume belong to the SettlementStore so they stay
// atomic with their monetary consequences.
type MarketStore interface {
	Create(ctx context.Context, m Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	GetBySlug(ctx context.Context, slug string) (Market, error)
	List(ctx context.Context, status MarketStatus, opts ListOpts) ([]Market, error)
	// ListExpired returns open markets whose closing time is at or before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Market, error)
	// ListScheduledDue returns closed markets whose scheduled resolution is due.
	ListScheduledDue(ctx context.Context, now time.Time, limit int) ([]Market, error)
	Pause(ctx context.Context, id, reason string) (Market, error)
	Resume(ctx context.Context, id string) (Market, error)
	ScheduleResolution(ctx context.Context, id string, at time.Time, outcome string) (Market, error)
}

// OrderStore provides read access to orders. All writes go through the
// SettlementStore so every status transition is one atomic unit with its
// refunds.
type OrderStore interface {
	GetByID(ctx context.Context, id string) (Order, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]Order, error)
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]Order, error)
	ListOpenByUser(ctx context.Context, userID string) ([]Order, error)
	ListOpenByMarket(ctx context.Context, marketID string) ([]Order, error)
	// ListConditionalOpen returns dormant STOP_*/TAKE_PROFIT orders for
	// trigger evaluation.
	ListConditionalOpen(ctx context.Context, marketID string) ([]Order, error)
	// ListSiblings returns non-terminal orders sharing the parent, excluding
	// the order itself. Used for one-cancels-other cascades.
	ListSiblings(ctx context.Context, parentID, excludeID string) ([]Order, error)
	// ListExpiredGTD returns OPEN GTD orders whose expiry has passed.
	ListExpiredGTD(ctx context.Context, now time.Time, limit int) ([]Order, error)
}

// PositionStore provides read access to share positions.
type PositionStore interface {
	Get(ctx context.Context, userID, marketID, outcome string) (Position, error)
	ListByUser(ctx context.Context, userID string) ([]Position, error)
	// ListNonZeroByMarket returns every position with quantity > 0, the input
	// to payout computation.
	ListNonZeroByMarket(ctx context.Context, marketID string) ([]Position, error)
}

// LedgerStore reads the append-only monetary log and its materialized balance
// cache. Append is the only write: it inserts the entry and moves the cached
// balance in the same transaction, which is also how external deposit and
// withdrawal flows feed this system.
type LedgerStore interface {
	Append(ctx context.Context, e LedgerEntry) (LedgerEntry, error)
	GetBalance(ctx context.Context, userID string) (int64, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]LedgerEntry, error)
	ListByMarket(ctx context.Context, marketID string) ([]LedgerEntry, error)
	// FindDrift compares every cached balance against the ledger sum and
	// returns the users whose two numbers disagree.
	FindDrift(ctx context.Context) ([]BalanceDrift, error)
}

// ResolutionStore reads resolution history. Rows are appended only by the
// SettlementStore's resolve and correction paths.
type ResolutionStore interface {
	ListByMarket(ctx context.Context, marketID string) ([]ResolutionRecord, error)
	Latest(ctx context.Context, marketID string) (ResolutionRecord, error)
}

// DisputeStore persists disputes against resolved markets.
type DisputeStore interface {
	// Create inserts a pending dispute; it fails with ErrDuplicateDispute if
	// the user already has an open dispute for the market.
	Create(ctx context.Context, d Dispute) (Dispute, error)
	GetByID(ctx context.Context, id string) (Dispute, error)
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]Dispute, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]Dispute, error)
	ListByStatus(ctx context.Context, status DisputeStatus, opts ListOpts) ([]Dispute, error)
	// Upvote increments the counter and applies priority escalation
	// atomically. escalated reports whether the priority changed.
	Upvote(ctx context.Context, id string) (d Dispute, escalated bool, err error)
	StartReview(ctx context.Context, id, reviewer string) (Dispute, error)
	// Review closes an under-review dispute with the given verdict.
	Review(ctx context.Context, id, reviewer string, verdict DisputeStatus, notes, action string) (Dispute, error)
}

// PlaceResult reports a committed order placement.
type PlaceResult struct {
	Order            Order
	ReservedMicros   int64 // BUY: funds debited as stake
	ReservedShares   int64 // SELL: shares moved out of the position
	NewBalanceMicros int64
}

// CancelResult reports one order's cancellation (or expiry) and what it
// refunded. Skipped is set when the order was already terminal, which a
// concurrent cancel race produces; no refund happened in that case.
type CancelResult struct {
	Order            Order
	Reason           CancelReason
	RefundType       RefundType
	RefundMicros     int64
	SharesReturned   int64
	NewBalanceMicros int64
	Skipped          bool
}

// FillResult reports a committed fill application.
type FillResult struct {
	Order            Order
	AppliedQuantity  int64
	ProceedsMicros   int64 // SELL: credited at the fill price
	AdjustmentMicros int64 // BUY: reserve released by price improvement
	NewBalanceMicros int64
	Complete         bool
}

// AmendResult reports a committed amendment and the reservation delta it
// settled against the balance or position.
type AmendResult struct {
	Order              Order
	ReserveDeltaMicros int64
	ShareDelta         int64
	NewBalanceMicros   int64
}

// CloseResult reports a committed market close. Skipped is set when the
// market was no longer open (another sweep or an admin got there first).
type CloseResult struct {
	Market        Market
	Cancellations []CancelResult
	Skipped       bool
}

// ResolveRequest asks for a market to be resolved to a final outcome.
type ResolveRequest struct {
	MarketID              string
	Outcome               string
	ResolvedBy            string
	Notes                 string
	SettlementValueMicros int64
}

// CorrectionRequest re-resolves an already-resolved market to a new outcome.
type CorrectionRequest struct {
	MarketID              string
	NewOutcome            string
	ResolvedBy            string
	Reason                string // mandatory
	SettlementValueMicros int64
}

// ResolveResult reports a committed resolution or correction.
type ResolveResult struct {
	Market        Market
	Record        ResolutionRecord
	Summary       ResolutionSummary
	Reversals     []PayoutLine // corrections: prior payouts taken back
	Cancellations []CancelResult
}

// SettlementStore is the transactional core: every method is one atomic unit
// covering all order, position, ledger and market mutations it implies, with
// the owner's balance row exclusively locked for the duration of any balance
// change. Status transitions are conditioned on the current status read
// within the same transaction, so races produce exactly one terminal
// transition and at most one refund.
type SettlementStore interface {
	// PlaceOrder validates funds or shares and reserves them: a BUY debits
	// quantity x reserve price as a stake entry, a SELL moves the quantity
	// out of the position. The market must be open.
	PlaceOrder(ctx context.Context, o Order) (PlaceResult, error)

	// AmendOrder changes the remaining quantity and/or limit price of an OPEN
	// order owned by userID, settling the reservation difference.
	AmendOrder(ctx context.Context, orderID, userID string, quantity int64, priceTicks *int64) (AmendResult, error)

	// CancelOrder cancels an OPEN or TRIGGERED order and refunds the unfilled
	// remainder. When requestedBy is non-empty it must match the owner.
	CancelOrder(ctx context.Context, orderID, requestedBy string, reason CancelReason) (CancelResult, error)

	// ExpireOrder moves a GTD order past its expiry to EXPIRED with the same
	// refund rule as cancellation.
	ExpireOrder(ctx context.Context, orderID string) (CancelResult, error)

	// ApplyFill applies an externally matched fill: filled quantity grows (never
	// past Quantity), a BUY gains shares and releases price improvement, a
	// SELL is credited proceeds at the fill price.
	ApplyFill(ctx context.Context, orderID string, quantity, priceTicks int64) (FillResult, error)

	// MarkTriggered transitions a dormant conditional order OPEN -> TRIGGERED.
	MarkTriggered(ctx context.Context, orderID string) (Order, error)

	// ActivateTriggered transitions TRIGGERED -> OPEN as the underlying order
	// type, ready for the matching engine.
	ActivateTriggered(ctx context.Context, orderID string) (Order, error)

	// CloseMarket force-closes an open market: status open -> closed and every
	// open order cancelled with reason market_closed, all in one transaction.
	CloseMarket(ctx context.Context, marketID string) (CloseResult, error)

	// ResolveMarket settles a closed (or open, closing it first) market:
	// payouts per winning position, residual orders cancelled, resolution
	// fields set, one ResolutionRecord appended.
	ResolveMarket(ctx context.Context, req ResolveRequest) (ResolveResult, error)

	// ApplyCorrection re-resolves to a new outcome: prior payouts reversed,
	// new ones applied, one correction ResolutionRecord appended.
	ApplyCorrection(ctx context.Context, req CorrectionRequest) (ResolveResult, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
