package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpredict/marketd/internal/domain"
)

func stopLoss(id string, trigger int64) domain.Order {
	return domain.Order{
		ID:           id,
		UserID:       "u1",
		MarketID:     "m1",
		Outcome:      "yes",
		Side:         domain.OrderSideSell,
		Type:         domain.OrderTypeStopLoss,
		TimeInForce:  domain.TimeInForceGTC,
		Quantity:     10,
		TriggerTicks: &trigger,
		Status:       domain.OrderStatusOpen,
	}
}

func newTriggerService(settle *fakeSettle, orders *fakeOrderStore, prices *fakePrices) *TriggerService {
	return NewTriggerService(orders, settle, prices, newFakeBus(), testLogger())
}

func tick(price int64) domain.TradeEvent {
	return domain.TradeEvent{MarketID: "m1", Outcome: "yes", PriceTicks: price, TradedAt: time.Now()}
}

func TestStopLossFiresOnDownwardCross(t *testing.T) {
	var marked, activated []string
	settle := &fakeSettle{
		markTriggered: func(orderID string) (domain.Order, error) {
			marked = append(marked, orderID)
			o := stopLoss(orderID, 400_000)
			o.Status = domain.OrderStatusTriggered
			return o, nil
		},
		activate: func(orderID string) (domain.Order, error) {
			activated = append(activated, orderID)
			o := stopLoss(orderID, 400_000)
			o.Type = domain.OrderTypeMarket
			return o, nil
		},
	}
	orders := &fakeOrderStore{
		listConditional: func(marketID string) ([]domain.Order, error) {
			return []domain.Order{stopLoss("sl-1", 400_000)}, nil
		},
	}
	prices := newFakePrices()
	svc := newTriggerService(settle, orders, prices)

	// First tick seeds the cache; no previous price means no crossing.
	require.NoError(t, svc.OnTrade(context.Background(), tick(500_000)))
	assert.Empty(t, marked)

	// 0.50 -> 0.38 crosses the 0.40 trigger downward.
	require.NoError(t, svc.OnTrade(context.Background(), tick(380_000)))
	assert.Equal(t, []string{"sl-1"}, marked)
	assert.Equal(t, []string{"sl-1"}, activated)

	// Further ticks below the trigger do not re-fire.
	require.NoError(t, svc.OnTrade(context.Background(), tick(350_000)))
	assert.Len(t, marked, 1)
}

func TestTakeProfitIgnoresOtherOutcome(t *testing.T) {
	var marked []string
	settle := &fakeSettle{
		markTriggered: func(orderID string) (domain.Order, error) {
			marked = append(marked, orderID)
			return domain.Order{ID: orderID}, nil
		},
	}
	trigger := int64(700_000)
	orders := &fakeOrderStore{
		listConditional: func(marketID string) ([]domain.Order, error) {
			o := stopLoss("tp-1", 0)
			o.Type = domain.OrderTypeTakeProfit
			o.Outcome = "no"
			o.TriggerTicks = &trigger
			return []domain.Order{o}, nil
		},
	}
	prices := newFakePrices()
	require.NoError(t, prices.SetLastPrice(context.Background(), "m1", "yes", 600_000, time.Now()))
	svc := newTriggerService(settle, orders, prices)

	// The yes-outcome tick crosses 0.70 upward, but the order watches "no".
	require.NoError(t, svc.OnTrade(context.Background(), tick(750_000)))
	assert.Empty(t, marked)
}

func TestLostTriggerRaceIsNotFatal(t *testing.T) {
	settle := &fakeSettle{
		markTriggered: func(orderID string) (domain.Order, error) {
			return domain.Order{}, domain.ErrOrderTerminal
		},
	}
	orders := &fakeOrderStore{
		listConditional: func(marketID string) ([]domain.Order, error) {
			return []domain.Order{stopLoss("sl-1", 400_000)}, nil
		},
	}
	prices := newFakePrices()
	require.NoError(t, prices.SetLastPrice(context.Background(), "m1", "yes", 500_000, time.Now()))
	svc := newTriggerService(settle, orders, prices)

	assert.NoError(t, svc.OnTrade(context.Background(), tick(380_000)))
}

func TestTradeTickUpdatesPriceCache(t *testing.T) {
	prices := newFakePrices()
	svc := newTriggerService(&fakeSettle{}, &fakeOrderStore{}, prices)

	require.NoError(t, svc.OnTrade(context.Background(), tick(510_000)))

	got, _, err := prices.LastPrice(context.Background(), "m1", "yes")
	require.NoError(t, err)
	assert.Equal(t, int64(510_000), got)
}
