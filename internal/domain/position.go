package domain

import "time"

// Position is a user's held share quantity for one outcome of one market.
// Quantity is never negative: SELL orders reserve shares out of the position
// at placement and cancellations return them.
type Position struct {
	UserID    string
	MarketID  string
	Outcome   string
	Quantity  int64
	UpdatedAt time.Time
}
