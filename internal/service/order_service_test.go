package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpredict/marketd/internal/domain"
)

func newOrderService(settle *fakeSettle, orders *fakeOrderStore, prices *fakePrices, bus *fakeBus) *OrderService {
	return NewOrderService(orders, settle, prices, &fakeLimiter{allow: true}, bus, &fakeAudit{}, 10, testLogger())
}

func validBuyLimit() domain.Order {
	price := int64(500_000)
	return domain.Order{
		UserID:      "u1",
		MarketID:    "m1",
		Outcome:     "yes",
		Side:        domain.OrderSideBuy,
		Type:        domain.OrderTypeLimit,
		TimeInForce: domain.TimeInForceGTC,
		Quantity:    10,
		PriceTicks:  &price,
	}
}

func TestPlaceOrderReservesAtLimitPrice(t *testing.T) {
	var placed domain.Order
	settle := &fakeSettle{
		placeOrder: func(o domain.Order) (domain.PlaceResult, error) {
			placed = o
			return domain.PlaceResult{Order: o, ReservedMicros: o.Quantity * o.ReserveTicks}, nil
		},
	}
	bus := newFakeBus()
	svc := newOrderService(settle, &fakeOrderStore{}, newFakePrices(), bus)

	res, err := svc.PlaceOrder(context.Background(), validBuyLimit())
	require.NoError(t, err)

	assert.Equal(t, int64(500_000), placed.ReserveTicks)
	assert.Equal(t, int64(5_000_000), res.ReservedMicros)
	assert.Equal(t, 1, bus.count(domain.ChannelOrders))
	assert.Equal(t, 1, bus.count(domain.ChannelBalances))
}

func TestPlaceMarketBuyReservesAtLastPrice(t *testing.T) {
	var placed domain.Order
	settle := &fakeSettle{
		placeOrder: func(o domain.Order) (domain.PlaceResult, error) {
			placed = o
			return domain.PlaceResult{Order: o}, nil
		},
	}
	prices := newFakePrices()
	require.NoError(t, prices.SetLastPrice(context.Background(), "m1", "yes", 420_000, time.Now()))
	svc := newOrderService(settle, &fakeOrderStore{}, prices, newFakeBus())

	o := validBuyLimit()
	o.Type = domain.OrderTypeMarket
	o.PriceTicks = nil

	_, err := svc.PlaceOrder(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, int64(420_000), placed.ReserveTicks)
}

func TestPlaceMarketBuyWithoutHistoryReservesWorstCase(t *testing.T) {
	var placed domain.Order
	settle := &fakeSettle{
		placeOrder: func(o domain.Order) (domain.PlaceResult, error) {
			placed = o
			return domain.PlaceResult{Order: o}, nil
		},
	}
	svc := newOrderService(settle, &fakeOrderStore{}, newFakePrices(), newFakeBus())

	o := validBuyLimit()
	o.Type = domain.OrderTypeMarket
	o.PriceTicks = nil

	_, err := svc.PlaceOrder(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, domain.MicrosPerUnit, placed.ReserveTicks)
}

func TestPlaceOrderRateLimited(t *testing.T) {
	svc := NewOrderService(&fakeOrderStore{}, &fakeSettle{}, newFakePrices(),
		&fakeLimiter{allow: false}, newFakeBus(), &fakeAudit{}, 10, testLogger())

	_, err := svc.PlaceOrder(context.Background(), validBuyLimit())
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestPlaceOrderRejectsInvalid(t *testing.T) {
	svc := newOrderService(&fakeSettle{}, &fakeOrderStore{}, newFakePrices(), newFakeBus())

	o := validBuyLimit()
	o.Quantity = 0

	_, err := svc.PlaceOrder(context.Background(), o)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestCompleteFillCascadesToSiblings(t *testing.T) {
	parent := "grp-1"
	var cancelled []string
	settle := &fakeSettle{
		applyFill: func(orderID string, quantity, priceTicks int64) (domain.FillResult, error) {
			return domain.FillResult{
				Order: domain.Order{
					ID: orderID, UserID: "u1", MarketID: "m1",
					ParentOrderID: &parent,
					Status:        domain.OrderStatusFilled,
				},
				AppliedQuantity: quantity,
				Complete:        true,
			}, nil
		},
		cancelOrder: func(orderID, requestedBy string, reason domain.CancelReason) (domain.CancelResult, error) {
			cancelled = append(cancelled, orderID)
			assert.Equal(t, domain.CancelReasonLinkedOrderFilled, reason)
			return domain.CancelResult{
				Order:  domain.Order{ID: orderID, UserID: "u1", MarketID: "m1"},
				Reason: reason,
			}, nil
		},
	}
	orders := &fakeOrderStore{
		listSiblings: func(parentID, excludeID string) ([]domain.Order, error) {
			assert.Equal(t, parent, parentID)
			return []domain.Order{{ID: "sib-1"}, {ID: "sib-2"}}, nil
		},
	}
	svc := newOrderService(settle, orders, newFakePrices(), newFakeBus())

	res, err := svc.ApplyFill(context.Background(), domain.FillEvent{
		OrderID: "ord-1", Quantity: 10, PriceTicks: 500_000,
	})
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Equal(t, []string{"sib-1", "sib-2"}, cancelled)
}

func TestFinalPartialFillSettlesIOCRemainder(t *testing.T) {
	var cancelReason domain.CancelReason
	settle := &fakeSettle{
		applyFill: func(orderID string, quantity, priceTicks int64) (domain.FillResult, error) {
			return domain.FillResult{
				Order: domain.Order{
					ID: orderID, UserID: "u1", MarketID: "m1",
					TimeInForce: domain.TimeInForceIOC,
					Status:      domain.OrderStatusOpen,
					Quantity:    10, FilledQuantity: 4,
				},
				AppliedQuantity: quantity,
			}, nil
		},
		cancelOrder: func(orderID, requestedBy string, reason domain.CancelReason) (domain.CancelResult, error) {
			cancelReason = reason
			assert.Empty(t, requestedBy)
			return domain.CancelResult{
				Order:  domain.Order{ID: orderID, UserID: "u1", MarketID: "m1"},
				Reason: reason,
			}, nil
		},
	}
	svc := newOrderService(settle, &fakeOrderStore{}, newFakePrices(), newFakeBus())

	_, err := svc.ApplyFill(context.Background(), domain.FillEvent{
		OrderID: "ord-1", Quantity: 4, PriceTicks: 500_000, Final: true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.CancelReasonIOCUnmatched, cancelReason)
}

func TestFinalUnmatchedFOKCancels(t *testing.T) {
	var cancelReason domain.CancelReason
	settle := &fakeSettle{
		cancelOrder: func(orderID, requestedBy string, reason domain.CancelReason) (domain.CancelResult, error) {
			cancelReason = reason
			return domain.CancelResult{
				Order:  domain.Order{ID: orderID, UserID: "u1", MarketID: "m1"},
				Reason: reason,
			}, nil
		},
	}
	orders := &fakeOrderStore{
		getByID: func(id string) (domain.Order, error) {
			return domain.Order{
				ID: id, UserID: "u1", MarketID: "m1",
				TimeInForce: domain.TimeInForceFOK,
				Status:      domain.OrderStatusOpen,
				Quantity:    10,
			}, nil
		},
	}
	svc := newOrderService(settle, orders, newFakePrices(), newFakeBus())

	_, err := svc.ApplyFill(context.Background(), domain.FillEvent{
		OrderID: "ord-1", Final: true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.CancelReasonFOKUnfilled, cancelReason)
}

func TestFinalPartialFillOnFOKKillsOrder(t *testing.T) {
	var cancelReason domain.CancelReason
	settle := &fakeSettle{
		applyFill: func(orderID string, quantity, priceTicks int64) (domain.FillResult, error) {
			return domain.FillResult{}, domain.ErrPartialFOK
		},
		cancelOrder: func(orderID, requestedBy string, reason domain.CancelReason) (domain.CancelResult, error) {
			cancelReason = reason
			assert.Empty(t, requestedBy)
			return domain.CancelResult{
				Order:  domain.Order{ID: orderID, UserID: "u1", MarketID: "m1"},
				Reason: reason,
			}, nil
		},
	}
	svc := newOrderService(settle, &fakeOrderStore{}, newFakePrices(), newFakeBus())

	_, err := svc.ApplyFill(context.Background(), domain.FillEvent{
		OrderID: "ord-1", Quantity: 4, PriceTicks: 500_000, Final: true,
	})
	require.ErrorIs(t, err, domain.ErrPartialFOK)
	assert.Equal(t, domain.CancelReasonFOKUnfilled, cancelReason)
}

func TestNonFinalPartialFillOnFOKLeavesOrderAlone(t *testing.T) {
	settle := &fakeSettle{
		applyFill: func(orderID string, quantity, priceTicks int64) (domain.FillResult, error) {
			return domain.FillResult{}, domain.ErrPartialFOK
		},
		cancelOrder: func(orderID, requestedBy string, reason domain.CancelReason) (domain.CancelResult, error) {
			t.Fatal("remainder must not be cancelled before the final report")
			return domain.CancelResult{}, nil
		},
	}
	svc := newOrderService(settle, &fakeOrderStore{}, newFakePrices(), newFakeBus())

	_, err := svc.ApplyFill(context.Background(), domain.FillEvent{
		OrderID: "ord-1", Quantity: 4, PriceTicks: 500_000,
	})
	require.ErrorIs(t, err, domain.ErrPartialFOK)
}

func TestCancelAllSkipsOtherMarkets(t *testing.T) {
	var cancelled []string
	settle := &fakeSettle{
		cancelOrder: func(orderID, requestedBy string, reason domain.CancelReason) (domain.CancelResult, error) {
			cancelled = append(cancelled, orderID)
			return domain.CancelResult{
				Order:  domain.Order{ID: orderID, UserID: "u1", MarketID: "m1"},
				Reason: reason,
			}, nil
		},
	}
	orders := &fakeOrderStore{
		listOpenByUser: func(userID string) ([]domain.Order, error) {
			return []domain.Order{
				{ID: "a", MarketID: "m1"},
				{ID: "b", MarketID: "m2"},
				{ID: "c", MarketID: "m1"},
			}, nil
		},
	}
	svc := newOrderService(settle, orders, newFakePrices(), newFakeBus())

	results, err := svc.CancelAllForUser(context.Background(), "u1", "m1")
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, []string{"a", "c"}, cancelled)
}
