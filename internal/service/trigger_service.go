package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/openpredict/marketd/internal/domain"
)

// TriggerService turns last-trade price ticks into conditional order
// activations. Each tick is compared against the previous cached price; a
// dormant order whose trigger lies between the two fires exactly once, via
// the status-conditioned OPEN -> TRIGGERED transition.
type TriggerService struct {
	orders domain.OrderStore
	settle domain.SettlementStore
	prices domain.PriceCache
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewTriggerService creates a TriggerService with all required dependencies.
func NewTriggerService(
	orders domain.OrderStore,
	settle domain.SettlementStore,
	prices domain.PriceCache,
	bus domain.SignalBus,
	logger *slog.Logger,
) *TriggerService {
	return &TriggerService{
		orders: orders,
		settle: settle,
		prices: prices,
		bus:    bus,
		logger: logger,
	}
}

// OnTrade records the tick and evaluates every dormant conditional order on
// the market against the prev -> last move. The first tick for an outcome
// only seeds the cache; without a previous price there is no crossing.
func (s *TriggerService) OnTrade(ctx context.Context, ev domain.TradeEvent) error {
	prev, _, err := s.prices.LastPrice(ctx, ev.MarketID, ev.Outcome)
	hadPrev := err == nil
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	if err := s.prices.SetLastPrice(ctx, ev.MarketID, ev.Outcome, ev.PriceTicks, ev.TradedAt); err != nil {
		return err
	}
	if !hadPrev || prev == ev.PriceTicks {
		return nil
	}

	dormant, err := s.orders.ListConditionalOpen(ctx, ev.MarketID)
	if err != nil {
		return err
	}

	for _, o := range dormant {
		if o.Outcome != ev.Outcome || !o.Crossed(prev, ev.PriceTicks) {
			continue
		}
		s.fire(ctx, o, ev.PriceTicks)
	}
	return nil
}

// fire runs one order through TRIGGERED into its underlying type. Losing the
// OPEN -> TRIGGERED race to a concurrent evaluation or a cancel is expected
// and logs at debug.
func (s *TriggerService) fire(ctx context.Context, o domain.Order, lastTicks int64) {
	triggered, err := s.settle.MarkTriggered(ctx, o.ID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderTerminal) || errors.Is(err, domain.ErrInvalidOrder) {
			s.logger.DebugContext(ctx, "trigger_service: lost trigger race",
				slog.String("order_id", o.ID),
			)
			return
		}
		s.logger.WarnContext(ctx, "trigger_service: mark triggered failed",
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	activated, err := s.settle.ActivateTriggered(ctx, triggered.ID)
	if err != nil {
		s.logger.WarnContext(ctx, "trigger_service: activation failed",
			slog.String("order_id", triggered.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	evt, _ := json.Marshal(map[string]any{
		"event":      "order_triggered",
		"order_id":   activated.ID,
		"user_id":    activated.UserID,
		"market":     activated.MarketID,
		"type":       string(activated.Type),
		"last_price": lastTicks,
	})
	if err := s.bus.Publish(ctx, domain.ChannelOrders, evt); err != nil {
		s.logger.WarnContext(ctx, "trigger_service: publish failed",
			slog.String("order_id", activated.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "trigger_service: conditional order activated",
		slog.String("order_id", activated.ID),
		slog.String("market", activated.MarketID),
		slog.String("type", string(activated.Type)),
		slog.Int64("last_price", lastTicks),
	)
}
