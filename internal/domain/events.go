package domain

import "time"

// Signal bus channels. Post-commit notifications go out on these; the
// WebSocket hub relays them to subscribed clients, and the matcher publishes
// inbound fills and trades on the last two.
const (
	ChannelBalances = "balances"
	ChannelOrders   = "orders"
	ChannelMarkets  = "markets"
	ChannelDisputes = "disputes"
	ChannelFills    = "fills"
	ChannelTrades   = "trades"
)

// BalanceUpdatedEvent is published once per affected user after a committed
// operation changed their balance.
type BalanceUpdatedEvent struct {
	Event         string `json:"event"` // "balance_updated"
	UserID        string `json:"user_id"`
	BalanceMicros int64  `json:"balance_micros"`
	Cause         string `json:"cause"` // e.g. "market_closed", "payout"
}

// OrderCancelledEvent is published once per order transitioning to CANCELLED
// or EXPIRED, with the stable reason code and what was refunded.
type OrderCancelledEvent struct {
	Event          string       `json:"event"` // "order_cancelled"
	OrderID        string       `json:"order_id"`
	UserID         string       `json:"user_id"`
	MarketID       string       `json:"market_id"`
	Reason         CancelReason `json:"reason"`
	RefundType     RefundType   `json:"refund_type"`
	RefundMicros   int64        `json:"refund_micros,omitempty"`
	SharesReturned int64        `json:"shares_returned,omitempty"`
}

// MarketResolvedEvent is published after a resolution or correction commits.
type MarketResolvedEvent struct {
	Event             string `json:"event"` // "market_resolved" or "market_corrected"
	MarketID          string `json:"market_id"`
	Outcome           string `json:"outcome"`
	PreviousOutcome   string `json:"previous_outcome,omitempty"`
	WinnersCount      int    `json:"winners_count"`
	LosersCount       int    `json:"losers_count"`
	TotalPayoutMicros int64  `json:"total_payout_micros"`
}

// DisputeEscalatedEvent is published when upvotes push a dispute's priority up.
type DisputeEscalatedEvent struct {
	Event     string          `json:"event"` // "dispute_escalated"
	DisputeID string          `json:"dispute_id"`
	MarketID  string          `json:"market_id"`
	Priority  DisputePriority `json:"priority"`
	Upvotes   int             `json:"upvotes"`
}

// FillEvent is what the external matching engine publishes when an order
// (partially) fills. The engine decides matches; this system only applies
// their monetary and inventory consequences.
type FillEvent struct {
	OrderID    string    `json:"order_id"`
	Quantity   int64     `json:"quantity"`
	PriceTicks int64     `json:"price_ticks"`
	MatchedAt  time.Time `json:"matched_at"`
	// Final marks the matcher's last fill report for this order; IOC/FOK
	// remainders are settled when it arrives.
	Final bool `json:"final"`
}

// TradeEvent is a last-trade price tick from the matching engine, used to
// evaluate conditional order triggers and MARKET-order reserve estimates.
type TradeEvent struct {
	MarketID   string    `json:"market_id"`
	Outcome    string    `json:"outcome"`
	PriceTicks int64     `json:"price_ticks"`
	TradedAt   time.Time `json:"traded_at"`
}
