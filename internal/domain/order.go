package domain

import (
	"fmt"
	"time"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the behavioral variant of an order. Conditional types
// (STOP_LOSS, TAKE_PROFIT, STOP_LIMIT) stay dormant until the market's last
// trade price crosses the trigger price, then run as their underlying type.
type OrderType string

const (
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeStopLoss   OrderType = "STOP_LOSS"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT"
	OrderTypeStopLimit  OrderType = "STOP_LIMIT"
)

// TimeInForce governs how long an order remains eligible to fill.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC" // Good-Till-Cancelled
	TimeInForceGTD TimeInForce = "GTD" // Good-Till-Date
	TimeInForceIOC TimeInForce = "IOC" // Immediate-Or-Cancel
	TimeInForceFOK TimeInForce = "FOK" // Fill-Or-Kill
)

// OrderStatus tracks the order lifecycle.
// Transitions: OPEN -> {FILLED, CANCELLED, EXPIRED, TRIGGERED};
// TRIGGERED -> {OPEN, FILLED, CANCELLED}. FILLED, CANCELLED and EXPIRED are
// terminal.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusTriggered OrderStatus = "triggered"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusExpired   OrderStatus = "expired"
)

// CancelReason is the stable reason code attached to a cancelled order.
type CancelReason string

const (
	CancelReasonUserRequested     CancelReason = "user_requested"
	CancelReasonMarketClosed      CancelReason = "market_closed"
	CancelReasonMarketResolved    CancelReason = "market_resolved"
	CancelReasonLinkedOrderFilled CancelReason = "linked_order_filled"
	CancelReasonIOCUnmatched      CancelReason = "ioc_unmatched"
	CancelReasonFOKUnfilled       CancelReason = "fok_unfilled"
	CancelReasonExpired           CancelReason = "time_in_force_expired"
)

// RefundType says what a cancellation returned to the owner.
type RefundType string

const (
	RefundTypeBalance RefundType = "balance"
	RefundTypeShares  RefundType = "shares"
)

// Order is a user's instruction to buy or sell shares of an outcome.
//
// Funds reservation happens at placement: a BUY debits quantity x
// ReserveTicks from the balance (a stake ledger entry), a SELL moves the
// shares out of the position. Cancellation and expiry return the unfilled
// remainder; that is why "available" balance/shares never needs to subtract
// open-order reservations separately.
type Order struct {
	ID       string
	UserID   string
	MarketID string
	Outcome  string // outcome id within the market

	Side        OrderSide
	Type        OrderType
	TimeInForce TimeInForce

	Quantity       int64 // shares
	FilledQuantity int64

	// PriceTicks is the limit price in micros per share; nil for MARKET (and
	// for STOP_LOSS/TAKE_PROFIT, which trigger into MARKET orders).
	PriceTicks *int64

	// ReserveTicks is the price used when reserving funds for a BUY: the limit
	// price for priced orders, the last-trade estimate for MARKET orders.
	// Refunds on cancellation always use this originally reserved amount.
	ReserveTicks int64

	// TriggerTicks activates conditional orders; required iff Type is
	// STOP_LOSS, TAKE_PROFIT or STOP_LIMIT.
	TriggerTicks *int64

	// ExpiresAt is required iff TimeInForce is GTD.
	ExpiresAt *time.Time

	// ParentOrderID links one-cancels-other siblings: when any linked order
	// fills or cancels, the others sharing the parent are cancelled.
	ParentOrderID *string

	Status       OrderStatus
	CancelReason CancelReason

	CreatedAt   time.Time
	UpdatedAt   time.Time
	TriggeredAt *time.Time
	FilledAt    *time.Time
	CancelledAt *time.Time
}

// IsTerminal reports whether the order can never change again.
func (o Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired:
		return true
	}
	return false
}

// Cancellable reports whether a cancel transition is legal from the current
// status.
func (o Order) Cancellable() bool {
	return o.Status == OrderStatusOpen || o.Status == OrderStatusTriggered
}

// Conditional reports whether this order carries a trigger.
func (o Order) Conditional() bool {
	switch o.Type {
	case OrderTypeStopLoss, OrderTypeTakeProfit, OrderTypeStopLimit:
		return true
	}
	return false
}

// UnderlyingType is what a conditional order becomes once triggered.
func (o Order) UnderlyingType() OrderType {
	switch o.Type {
	case OrderTypeStopLimit:
		return OrderTypeLimit
	case OrderTypeStopLoss, OrderTypeTakeProfit:
		return OrderTypeMarket
	}
	return o.Type
}

// RemainingQuantity is the unfilled share count.
func (o Order) RemainingQuantity() int64 {
	return o.Quantity - o.FilledQuantity
}

// RemainingReservedMicros is the funds still reserved by an open BUY: the
// unfilled quantity at the originally reserved price.
func (o Order) RemainingReservedMicros() int64 {
	return o.RemainingQuantity() * o.ReserveTicks
}

// Validate checks field presence per order-type variant and basic bounds.
// It does not check funds or market state; those are settled transactionally
// at placement.
func (o Order) Validate(now time.Time) error {
	if o.UserID == "" || o.MarketID == "" || o.Outcome == "" {
		return fmt.Errorf("%w: missing user, market or outcome", ErrInvalidOrder)
	}
	if o.Side != OrderSideBuy && o.Side != OrderSideSell {
		return fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, o.Side)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}
	if o.FilledQuantity < 0 || o.FilledQuantity > o.Quantity {
		return fmt.Errorf("%w: filled quantity out of range", ErrInvalidOrder)
	}

	switch o.Type {
	case OrderTypeLimit, OrderTypeStopLimit:
		if o.PriceTicks == nil || *o.PriceTicks <= 0 || *o.PriceTicks > MicrosPerUnit {
			return fmt.Errorf("%w: limit price required in (0, 1]", ErrInvalidOrder)
		}
	case OrderTypeMarket, OrderTypeStopLoss, OrderTypeTakeProfit:
		if o.PriceTicks != nil {
			return fmt.Errorf("%w: price not allowed for %s orders", ErrInvalidOrder, o.Type)
		}
	default:
		return fmt.Errorf("%w: unknown order type %q", ErrInvalidOrder, o.Type)
	}

	if o.Conditional() {
		if o.TriggerTicks == nil || *o.TriggerTicks <= 0 || *o.TriggerTicks > MicrosPerUnit {
			return fmt.Errorf("%w: trigger price required in (0, 1]", ErrInvalidOrder)
		}
	} else if o.TriggerTicks != nil {
		return fmt.Errorf("%w: trigger price not allowed for %s orders", ErrInvalidOrder, o.Type)
	}

	switch o.TimeInForce {
	case TimeInForceGTC, TimeInForceIOC, TimeInForceFOK:
		if o.ExpiresAt != nil {
			return fmt.Errorf("%w: expiry only allowed for GTD orders", ErrInvalidOrder)
		}
	case TimeInForceGTD:
		if o.ExpiresAt == nil || !o.ExpiresAt.After(now) {
			return fmt.Errorf("%w: GTD orders need a future expiry", ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: unknown time in force %q", ErrInvalidOrder, o.TimeInForce)
	}

	return nil
}

// Crossed reports whether a price move from prev to last crosses this order's
// trigger in the activating direction. STOP_LOSS and STOP_LIMIT activate on a
// downward crossing, TAKE_PROFIT on an upward one. Both comparisons require
// strict crossing of the boundary so repeated ticks past the trigger do not
// re-fire.
func (o Order) Crossed(prev, last int64) bool {
	if !o.Conditional() || o.TriggerTicks == nil {
		return false
	}
	t := *o.TriggerTicks
	switch o.Type {
	case OrderTypeStopLoss, OrderTypeStopLimit:
		return prev > t && last <= t
	case OrderTypeTakeProfit:
		return prev < t && last >= t
	}
	return false
}
