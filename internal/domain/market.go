// Package domain defines the core entities of the settlement engine (markets,
// orders, positions, ledger entries, resolutions, disputes) together with the
// store interfaces that persistence layers implement. All monetary amounts are
// fixed-point int64 micros (1e6 micros = 1 unit of currency); prices are micros
// per share.
package domain

import "time"

// MicrosPerUnit is the fixed-point scale for money and prices.
const MicrosPerUnit int64 = 1_000_000

// DefaultSettlementValueMicros is what one winning share pays out unless the
// deployment overrides it: 1 unit of currency.
const DefaultSettlementValueMicros = MicrosPerUnit

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusOpen     MarketStatus = "open"
	MarketStatusClosed   MarketStatus = "closed"
	MarketStatusPaused   MarketStatus = "paused"
	MarketStatusResolved MarketStatus = "resolved"
)

// Market is a tradable prediction question with a closing time and an
// eventual outcome. Outcome is non-nil iff Status is resolved.
type Market struct {
	ID       string
	Question string
	Slug     string
	Outcomes []string // outcome ids, e.g. ["yes","no"]
	Status   MarketStatus

	ClosingAt time.Time
	Outcome   *string

	PausedAt    *time.Time
	PauseReason string

	ResolvedAt      *time.Time
	ResolvedBy      string
	ResolutionNotes string

	// A future resolution the scheduler executes when due.
	ScheduledResolutionAt *time.Time
	ScheduledOutcome      *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasOutcome reports whether id is one of the market's outcome ids.
func (m Market) HasOutcome(id string) bool {
	for _, o := range m.Outcomes {
		if o == id {
			return true
		}
	}
	return false
}

// Expired reports whether an open market is past its closing time.
func (m Market) Expired(now time.Time) bool {
	return m.Status == MarketStatusOpen && !m.ClosingAt.After(now)
}
