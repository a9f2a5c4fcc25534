package domain

import "time"

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryTypeStake      EntryType = "stake"      // funds reserved by a BUY placement (negative)
	EntryTypeRefund     EntryType = "refund"     // reservation returned on cancel/expiry (positive)
	EntryTypeProceeds   EntryType = "proceeds"   // SELL fill proceeds (positive)
	EntryTypePayout     EntryType = "payout"     // winning-position settlement (positive)
	EntryTypeReversal   EntryType = "reversal"   // correction: prior payout taken back (negative)
	EntryTypeAdjustment EntryType = "adjustment" // price-improvement and other deltas
)

// LedgerEntry is one immutable row of the append-only monetary log. The sum
// of a user's entries equals their balance; the balance column on the user
// row is a materialized cache mutated only alongside an appended entry in the
// same transaction.
type LedgerEntry struct {
	ID           int64
	UserID       string
	MarketID     *string
	OrderID      *string
	Type         EntryType
	AmountMicros int64 // signed
	Description  string
	CreatedAt    time.Time
}

// BalanceDrift is a reconciliation finding: a user whose cached balance
// disagrees with the ledger sum.
type BalanceDrift struct {
	UserID          string
	BalanceMicros   int64
	LedgerSumMicros int64
}

// Delta is the cached balance minus the ledger sum.
func (d BalanceDrift) Delta() int64 {
	return d.BalanceMicros - d.LedgerSumMicros
}
