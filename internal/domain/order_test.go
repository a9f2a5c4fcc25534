package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ticks(v int64) *int64 { return &v }

func baseOrder() Order {
	return Order{
		ID:          "o1",
		UserID:      "u1",
		MarketID:    "m1",
		Outcome:     "yes",
		Side:        OrderSideBuy,
		Type:        OrderTypeLimit,
		TimeInForce: TimeInForceGTC,
		Quantity:    10,
		PriceTicks:  ticks(500_000),
		Status:      OrderStatusOpen,
	}
}

func TestOrderValidate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("valid limit order", func(t *testing.T) {
		require.NoError(t, baseOrder().Validate(now))
	})

	t.Run("market order must not carry a price", func(t *testing.T) {
		o := baseOrder()
		o.Type = OrderTypeMarket
		require.ErrorIs(t, o.Validate(now), ErrInvalidOrder)
		o.PriceTicks = nil
		require.NoError(t, o.Validate(now))
	})

	t.Run("quantity must be positive", func(t *testing.T) {
		o := baseOrder()
		o.Quantity = 0
		require.ErrorIs(t, o.Validate(now), ErrInvalidOrder)
	})

	t.Run("conditional orders require a trigger price", func(t *testing.T) {
		for _, typ := range []OrderType{OrderTypeStopLoss, OrderTypeTakeProfit, OrderTypeStopLimit} {
			o := baseOrder()
			o.Type = typ
			if typ != OrderTypeStopLimit {
				o.PriceTicks = nil
			}
			require.ErrorIs(t, o.Validate(now), ErrInvalidOrder, "type %s", typ)
			o.TriggerTicks = ticks(400_000)
			require.NoError(t, o.Validate(now), "type %s", typ)
		}
	})

	t.Run("trigger price rejected on plain orders", func(t *testing.T) {
		o := baseOrder()
		o.TriggerTicks = ticks(400_000)
		require.ErrorIs(t, o.Validate(now), ErrInvalidOrder)
	})

	t.Run("GTD requires future expiry", func(t *testing.T) {
		o := baseOrder()
		o.TimeInForce = TimeInForceGTD
		require.ErrorIs(t, o.Validate(now), ErrInvalidOrder)

		past := now.Add(-time.Hour)
		o.ExpiresAt = &past
		require.ErrorIs(t, o.Validate(now), ErrInvalidOrder)

		future := now.Add(time.Hour)
		o.ExpiresAt = &future
		require.NoError(t, o.Validate(now))
	})

	t.Run("expiry rejected on non-GTD orders", func(t *testing.T) {
		o := baseOrder()
		future := now.Add(time.Hour)
		o.ExpiresAt = &future
		require.ErrorIs(t, o.Validate(now), ErrInvalidOrder)
	})
}

func TestOrderLifecyclePredicates(t *testing.T) {
	o := baseOrder()
	assert.True(t, o.Cancellable())
	assert.False(t, o.IsTerminal())

	o.Status = OrderStatusTriggered
	assert.True(t, o.Cancellable())

	for _, s := range []OrderStatus{OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired} {
		o.Status = s
		assert.True(t, o.IsTerminal(), "status %s", s)
		assert.False(t, o.Cancellable(), "status %s", s)
	}
}

func TestOrderUnderlyingType(t *testing.T) {
	cases := map[OrderType]OrderType{
		OrderTypeLimit:      OrderTypeLimit,
		OrderTypeMarket:     OrderTypeMarket,
		OrderTypeStopLoss:   OrderTypeMarket,
		OrderTypeTakeProfit: OrderTypeMarket,
		OrderTypeStopLimit:  OrderTypeLimit,
	}
	for typ, want := range cases {
		o := Order{Type: typ}
		assert.Equal(t, want, o.UnderlyingType())
	}
}

func TestOrderCrossed(t *testing.T) {
	stop := baseOrder()
	stop.Type = OrderTypeStopLoss
	stop.PriceTicks = nil
	stop.TriggerTicks = ticks(400_000)

	// Falling through the trigger crosses exactly once.
	assert.True(t, stop.Crossed(500_000, 380_000))
	// Subsequent ticks below the trigger do not re-fire.
	assert.False(t, stop.Crossed(380_000, 350_000))
	// Ticks above the trigger never fire a stop.
	assert.False(t, stop.Crossed(500_000, 450_000))
	// Landing exactly on the trigger counts as a crossing.
	assert.True(t, stop.Crossed(410_000, 400_000))

	tp := baseOrder()
	tp.Type = OrderTypeTakeProfit
	tp.PriceTicks = nil
	tp.TriggerTicks = ticks(700_000)

	assert.True(t, tp.Crossed(650_000, 720_000))
	assert.False(t, tp.Crossed(720_000, 750_000))
	assert.False(t, tp.Crossed(650_000, 690_000))
}

func TestOrderRemainingReservedMicros(t *testing.T) {
	o := baseOrder()
	o.ReserveTicks = 500_000
	o.FilledQuantity = 4
	// 6 unfilled shares at 0.50 each.
	assert.Equal(t, int64(3_000_000), o.RemainingReservedMicros())
}
