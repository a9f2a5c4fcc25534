// Package service implements the engine's use cases on top of the domain
// store interfaces: order lifecycle, market settlement, disputes and
// portfolio queries. Services orchestrate; atomicity lives in the
// SettlementStore, and notifications go out only after a commit.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openpredict/marketd/internal/domain"
)

// OrderService handles order placement, amendment, cancellation and fill
// application.
type OrderService struct {
	orders  domain.OrderStore
	settle  domain.SettlementStore
	prices  domain.PriceCache
	limiter domain.RateLimiter
	bus     domain.SignalBus
	audit   domain.AuditStore
	logger  *slog.Logger

	ordersPerSecond int
}

// NewOrderService creates an OrderService with all required dependencies.
func NewOrderService(
	orders domain.OrderStore,
	settle domain.SettlementStore,
	prices domain.PriceCache,
	limiter domain.RateLimiter,
	bus domain.SignalBus,
	audit domain.AuditStore,
	ordersPerSecond int,
	logger *slog.Logger,
) *OrderService {
	if ordersPerSecond <= 0 {
		ordersPerSecond = 10
	}
	return &OrderService{
		orders:          orders,
		settle:          settle,
		prices:          prices,
		limiter:         limiter,
		bus:             bus,
		audit:           audit,
		ordersPerSecond: ordersPerSecond,
		logger:          logger,
	}
}

// PlaceOrder validates the order, determines the reserve price, and commits
// the placement atomically with its funds or share reservation.
func (s *OrderService) PlaceOrder(ctx context.Context, o domain.Order) (domain.PlaceResult, error) {
	allowed, err := s.limiter.Allow(ctx, "orders:"+o.UserID, s.ordersPerSecond, time.Second)
	if err != nil {
		return domain.PlaceResult{}, fmt.Errorf("order_service: rate limiter: %w", err)
	}
	if !allowed {
		return domain.PlaceResult{}, domain.ErrRateLimited
	}

	if err := o.Validate(time.Now().UTC()); err != nil {
		return domain.PlaceResult{}, err
	}

	if o.Side == domain.OrderSideBuy {
		o.ReserveTicks, err = s.reservePrice(ctx, o)
		if err != nil {
			return domain.PlaceResult{}, err
		}
	}

	res, err := s.settle.PlaceOrder(ctx, o)
	if err != nil {
		return domain.PlaceResult{}, err
	}

	s.publishOrderEvent(ctx, map[string]any{
		"event":    "order_placed",
		"order_id": res.Order.ID,
		"user_id":  res.Order.UserID,
		"market":   res.Order.MarketID,
		"side":     string(res.Order.Side),
		"type":     string(res.Order.Type),
	})
	if res.ReservedMicros > 0 {
		s.publishBalance(ctx, res.Order.UserID, res.NewBalanceMicros, "order_placed")
	}
	s.auditLog(ctx, "order.placed", map[string]any{
		"order_id":        res.Order.ID,
		"user_id":         res.Order.UserID,
		"market":          res.Order.MarketID,
		"side":            string(res.Order.Side),
		"type":            string(res.Order.Type),
		"quantity":        res.Order.Quantity,
		"reserved_micros": res.ReservedMicros,
		"reserved_shares": res.ReservedShares,
	})

	s.logger.InfoContext(ctx, "order_service: order placed",
		slog.String("order_id", res.Order.ID),
		slog.String("market", res.Order.MarketID),
		slog.String("side", string(res.Order.Side)),
		slog.String("type", string(res.Order.Type)),
	)
	return res, nil
}

// reservePrice picks the price a BUY reserves funds at: the limit price for
// priced orders, the market's last trade for the rest. With no trade history
// the full settlement unit is reserved, the worst case for a one-unit-max
// price range.
func (s *OrderService) reservePrice(ctx context.Context, o domain.Order) (int64, error) {
	if o.PriceTicks != nil {
		return *o.PriceTicks, nil
	}
	last, _, err := s.prices.LastPrice(ctx, o.MarketID, o.Outcome)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.MicrosPerUnit, nil
		}
		return 0, fmt.Errorf("order_service: last price: %w", err)
	}
	return last, nil
}

// CancelOrder cancels one order on the owner's behalf and cascades to any
// one-cancels-other siblings.
func (s *OrderService) CancelOrder(ctx context.Context, orderID, userID string) (domain.CancelResult, error) {
	res, err := s.settle.CancelOrder(ctx, orderID, userID, domain.CancelReasonUserRequested)
	if err != nil {
		return domain.CancelResult{}, err
	}
	s.announceCancel(ctx, res)
	if !res.Skipped {
		s.cascadeSiblings(ctx, res.Order)
	}
	return res, nil
}

// CancelAllForUser cancels every open order of the user, optionally narrowed
// to one market. Failures on individual orders are logged, not fatal.
func (s *OrderService) CancelAllForUser(ctx context.Context, userID, marketID string) ([]domain.CancelResult, error) {
	open, err := s.orders.ListOpenByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("order_service: list open orders: %w", err)
	}

	var results []domain.CancelResult
	for _, o := range open {
		if marketID != "" && o.MarketID != marketID {
			continue
		}
		res, err := s.settle.CancelOrder(ctx, o.ID, userID, domain.CancelReasonUserRequested)
		if err != nil {
			s.logger.WarnContext(ctx, "order_service: batch cancel failed",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.announceCancel(ctx, res)
		results = append(results, res)
	}
	return results, nil
}

// ExpireDue expires open GTD orders whose expiry time has passed, refunding
// their remaining reservations. Called by the scheduler sweep; a single
// failing order does not stop the batch.
func (s *OrderService) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := s.orders.ListExpiredGTD(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("order_service: list expired orders: %w", err)
	}

	expired := 0
	for _, o := range due {
		res, err := s.settle.ExpireOrder(ctx, o.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "order_service: expire failed",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if res.Skipped {
			continue
		}
		s.announceCancel(ctx, res)
		expired++
	}
	return expired, nil
}

// AmendOrder changes an open order's remaining quantity and/or limit price.
func (s *OrderService) AmendOrder(ctx context.Context, orderID, userID string, quantity int64, priceTicks *int64) (domain.AmendResult, error) {
	res, err := s.settle.AmendOrder(ctx, orderID, userID, quantity, priceTicks)
	if err != nil {
		return domain.AmendResult{}, err
	}

	s.publishOrderEvent(ctx, map[string]any{
		"event":    "order_amended",
		"order_id": res.Order.ID,
		"user_id":  res.Order.UserID,
		"market":   res.Order.MarketID,
		"quantity": res.Order.Quantity,
	})
	if res.ReserveDeltaMicros != 0 {
		s.publishBalance(ctx, res.Order.UserID, res.NewBalanceMicros, "order_amended")
	}
	s.auditLog(ctx, "order.amended", map[string]any{
		"order_id":             res.Order.ID,
		"user_id":              res.Order.UserID,
		"quantity":             res.Order.Quantity,
		"reserve_delta_micros": res.ReserveDeltaMicros,
		"share_delta":          res.ShareDelta,
	})
	return res, nil
}

// ApplyFill applies one matcher fill report. When the report is final and the
// order still has an unfilled remainder, IOC and FOK remainders are settled
// by cancellation with their stable reason codes; a completed fill cascades
// to one-cancels-other siblings.
func (s *OrderService) ApplyFill(ctx context.Context, ev domain.FillEvent) (domain.FillResult, error) {
	var res domain.FillResult
	if ev.Quantity > 0 {
		var err error
		res, err = s.settle.ApplyFill(ctx, ev.OrderID, ev.Quantity, ev.PriceTicks)
		if err != nil {
			// A partial match against an FOK order never commits. On the
			// matcher's final report the whole order is killed instead.
			if errors.Is(err, domain.ErrPartialFOK) && ev.Final {
				s.settleRemainder(ctx, ev.OrderID, domain.CancelReasonFOKUnfilled)
			}
			return domain.FillResult{}, err
		}

		s.publishOrderEvent(ctx, map[string]any{
			"event":    "order_filled",
			"order_id": res.Order.ID,
			"user_id":  res.Order.UserID,
			"market":   res.Order.MarketID,
			"quantity": res.AppliedQuantity,
			"price":    ev.PriceTicks,
			"complete": res.Complete,
		})
		if res.ProceedsMicros != 0 || res.AdjustmentMicros != 0 {
			s.publishBalance(ctx, res.Order.UserID, res.NewBalanceMicros, "fill")
		}

		if res.Complete {
			s.cascadeSiblings(ctx, res.Order)
			return res, nil
		}
	} else {
		o, err := s.orders.GetByID(ctx, ev.OrderID)
		if err != nil {
			return domain.FillResult{}, err
		}
		res.Order = o
	}

	if ev.Final {
		switch res.Order.TimeInForce {
		case domain.TimeInForceIOC:
			s.settleRemainder(ctx, res.Order.ID, domain.CancelReasonIOCUnmatched)
		case domain.TimeInForceFOK:
			s.settleRemainder(ctx, res.Order.ID, domain.CancelReasonFOKUnfilled)
		}
	}
	return res, nil
}

// settleRemainder cancels an order's unfilled remainder after the matcher's
// final report.
func (s *OrderService) settleRemainder(ctx context.Context, orderID string, reason domain.CancelReason) {
	res, err := s.settle.CancelOrder(ctx, orderID, "", reason)
	if err != nil {
		s.logger.WarnContext(ctx, "order_service: settle remainder failed",
			slog.String("order_id", orderID),
			slog.String("reason", string(reason)),
			slog.String("error", err.Error()),
		)
		return
	}
	if !res.Skipped {
		s.announceCancel(ctx, res)
	}
}

// cascadeSiblings cancels the non-terminal one-cancels-other siblings of a
// filled or cancelled order.
func (s *OrderService) cascadeSiblings(ctx context.Context, o domain.Order) {
	if o.ParentOrderID == nil {
		return
	}
	siblings, err := s.orders.ListSiblings(ctx, *o.ParentOrderID, o.ID)
	if err != nil {
		s.logger.WarnContext(ctx, "order_service: list siblings failed",
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, sib := range siblings {
		res, err := s.settle.CancelOrder(ctx, sib.ID, "", domain.CancelReasonLinkedOrderFilled)
		if err != nil {
			s.logger.WarnContext(ctx, "order_service: sibling cancel failed",
				slog.String("order_id", sib.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !res.Skipped {
			s.announceCancel(ctx, res)
		}
	}
}

// announceCancel publishes the cancellation and balance events for a
// committed cancel or expiry, plus the audit row.
func (s *OrderService) announceCancel(ctx context.Context, res domain.CancelResult) {
	if res.Skipped {
		return
	}
	evt, _ := json.Marshal(domain.OrderCancelledEvent{
		Event:          "order_cancelled",
		OrderID:        res.Order.ID,
		UserID:         res.Order.UserID,
		MarketID:       res.Order.MarketID,
		Reason:         res.Reason,
		RefundType:     res.RefundType,
		RefundMicros:   res.RefundMicros,
		SharesReturned: res.SharesReturned,
	})
	if err := s.bus.Publish(ctx, domain.ChannelOrders, evt); err != nil {
		s.logger.WarnContext(ctx, "order_service: publish cancel failed",
			slog.String("order_id", res.Order.ID),
			slog.String("error", err.Error()),
		)
	}
	if res.RefundMicros > 0 {
		s.publishBalance(ctx, res.Order.UserID, res.NewBalanceMicros, string(res.Reason))
	}
	s.auditLog(ctx, "order.cancelled", map[string]any{
		"order_id":        res.Order.ID,
		"user_id":         res.Order.UserID,
		"reason":          string(res.Reason),
		"refund_micros":   res.RefundMicros,
		"shares_returned": res.SharesReturned,
	})
}

func (s *OrderService) publishOrderEvent(ctx context.Context, fields map[string]any) {
	evt, _ := json.Marshal(fields)
	if err := s.bus.Publish(ctx, domain.ChannelOrders, evt); err != nil {
		s.logger.WarnContext(ctx, "order_service: publish event failed",
			slog.String("error", err.Error()),
		)
	}
}

func (s *OrderService) publishBalance(ctx context.Context, userID string, balance int64, cause string) {
	evt, _ := json.Marshal(domain.BalanceUpdatedEvent{
		Event:         "balance_updated",
		UserID:        userID,
		BalanceMicros: balance,
		Cause:         cause,
	})
	if err := s.bus.Publish(ctx, domain.ChannelBalances, evt); err != nil {
		s.logger.WarnContext(ctx, "order_service: publish balance failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *OrderService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "order_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
