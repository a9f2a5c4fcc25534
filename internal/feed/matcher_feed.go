// Package feed consumes the external matching engine's output: fill reports
// that settle order state and trade ticks that drive conditional triggers.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/openpredict/marketd/internal/domain"
	"github.com/openpredict/marketd/internal/service"
)

// MatcherFeed subscribes to the matcher's fill and trade channels and feeds
// each message into the order and trigger services. Malformed messages are
// logged and dropped; the matcher is the source of truth for matches, so a
// fill that fails to apply is an error, not a debug line.
type MatcherFeed struct {
	bus      domain.SignalBus
	orders   *service.OrderService
	triggers *service.TriggerService
	logger   *slog.Logger
}

// NewMatcherFeed creates a MatcherFeed.
func NewMatcherFeed(bus domain.SignalBus, orders *service.OrderService, triggers *service.TriggerService, logger *slog.Logger) *MatcherFeed {
	return &MatcherFeed{
		bus:      bus,
		orders:   orders,
		triggers: triggers,
		logger:   logger.With(slog.String("component", "matcher_feed")),
	}
}

// Run subscribes to both channels and blocks until the context is cancelled
// or a subscription closes.
func (f *MatcherFeed) Run(ctx context.Context) error {
	fills, err := f.bus.Subscribe(ctx, domain.ChannelFills)
	if err != nil {
		return err
	}
	trades, err := f.bus.Subscribe(ctx, domain.ChannelTrades)
	if err != nil {
		return err
	}

	f.logger.Info("matcher feed started")
	defer f.logger.Info("matcher feed stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-fills:
			if !ok {
				return nil
			}
			f.handleFill(ctx, data)
		case data, ok := <-trades:
			if !ok {
				return nil
			}
			f.handleTrade(ctx, data)
		}
	}
}

func (f *MatcherFeed) handleFill(ctx context.Context, data []byte) {
	var ev domain.FillEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		f.logger.Warn("dropping malformed fill message",
			slog.String("error", err.Error()),
			slog.Int("payload_len", len(data)),
		)
		return
	}
	if ev.OrderID == "" {
		return
	}

	if _, err := f.orders.ApplyFill(ctx, ev); err != nil {
		f.logger.Error("apply fill failed",
			slog.String("order_id", ev.OrderID),
			slog.Int64("quantity", ev.Quantity),
			slog.String("error", err.Error()),
		)
	}
}

func (f *MatcherFeed) handleTrade(ctx context.Context, data []byte) {
	var ev domain.TradeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		f.logger.Warn("dropping malformed trade message",
			slog.String("error", err.Error()),
			slog.Int("payload_len", len(data)),
		)
		return
	}
	if ev.MarketID == "" || ev.Outcome == "" {
		return
	}

	if err := f.triggers.OnTrade(ctx, ev); err != nil {
		f.logger.Error("trade tick handling failed",
			slog.String("market_id", ev.MarketID),
			slog.String("outcome", ev.Outcome),
			slog.String("error", err.Error()),
		)
	}
}
