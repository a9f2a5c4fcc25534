package domain

import "time"

// ResolutionRecord is one append-only row per resolution or correction event
// for a market. Correction rows carry the previous outcome and a mandatory
// reason.
type ResolutionRecord struct {
	ID       int64
	MarketID string
	Outcome  string

	Correction       bool
	PreviousOutcome  *string
	CorrectionReason string

	ResolvedBy string
	Notes      string

	HoldersCount      int
	WinnersCount      int
	LosersCount       int
	TotalPayoutMicros int64
	CancelledOrders   int

	CreatedAt time.Time
}

// PayoutLine is one user's settlement credit for a resolution.
type PayoutLine struct {
	UserID       string
	Quantity     int64 // winning shares
	AmountMicros int64
}

// ResolutionSummary is the pure result of the payout computation, shared by
// resolve, preview and correction-delta paths.
type ResolutionSummary struct {
	MarketID          string
	Outcome           string
	Payouts           []PayoutLine
	HoldersCount      int
	WinnersCount      int
	LosersCount       int
	TotalPayoutMicros int64
}

// ComputeResolution computes per-user payouts for resolving the market to the
// given outcome: each winning share pays settlementValueMicros, losing
// positions pay zero. Positions with zero quantity are ignored. The input
// order does not matter; payouts are aggregated per user and returned in
// first-seen order so the computation is deterministic for a given input.
func ComputeResolution(marketID, outcome string, positions []Position, settlementValueMicros int64) ResolutionSummary {
	sum := ResolutionSummary{MarketID: marketID, Outcome: outcome}

	type userTally struct {
		winQty  int64
		loseQty int64
	}
	tallies := make(map[string]*userTally)
	var order []string

	for _, p := range positions {
		if p.MarketID != marketID || p.Quantity <= 0 {
			continue
		}
		t, ok := tallies[p.UserID]
		if !ok {
			t = &userTally{}
			tallies[p.UserID] = t
			order = append(order, p.UserID)
		}
		if p.Outcome == outcome {
			t.winQty += p.Quantity
		} else {
			t.loseQty += p.Quantity
		}
	}

	for _, userID := range order {
		t := tallies[userID]
		sum.HoldersCount++
		if t.winQty > 0 {
			sum.WinnersCount++
			line := PayoutLine{
				UserID:       userID,
				Quantity:     t.winQty,
				AmountMicros: t.winQty * settlementValueMicros,
			}
			sum.Payouts = append(sum.Payouts, line)
			sum.TotalPayoutMicros += line.AmountMicros
		} else {
			sum.LosersCount++
		}
	}

	return sum
}
