package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openpredict/marketd/internal/domain"
	"github.com/openpredict/marketd/internal/notify"
)

// SettlementService owns the market lifecycle: creation, pause and resume,
// scheduled and immediate resolution, force-close, corrections and payout
// previews. Monetary effects commit inside the SettlementStore; this layer
// orchestrates, invalidates caches, publishes events and archives.
type SettlementService struct {
	markets     domain.MarketStore
	positions   domain.PositionStore
	resolutions domain.ResolutionStore
	settle      domain.SettlementStore
	cache       domain.MarketCache
	bus         domain.SignalBus
	audit       domain.AuditStore
	notifier    *notify.Notifier
	archiver    domain.Archiver
	logger      *slog.Logger

	settlementValueMicros int64
}

// NewSettlementService creates a SettlementService. archiver and notifier may
// be nil; archiving and operator alerts are then skipped.
func NewSettlementService(
	markets domain.MarketStore,
	positions domain.PositionStore,
	resolutions domain.ResolutionStore,
	settle domain.SettlementStore,
	cache domain.MarketCache,
	bus domain.SignalBus,
	audit domain.AuditStore,
	notifier *notify.Notifier,
	archiver domain.Archiver,
	settlementValueMicros int64,
	logger *slog.Logger,
) *SettlementService {
	if settlementValueMicros <= 0 {
		settlementValueMicros = domain.DefaultSettlementValueMicros
	}
	return &SettlementService{
		markets:               markets,
		positions:             positions,
		resolutions:           resolutions,
		settle:                settle,
		cache:                 cache,
		bus:                   bus,
		audit:                 audit,
		notifier:              notifier,
		archiver:              archiver,
		settlementValueMicros: settlementValueMicros,
		logger:                logger,
	}
}

// CreateMarket validates and persists a new open market.
func (s *SettlementService) CreateMarket(ctx context.Context, m domain.Market) (domain.Market, error) {
	if m.Question == "" || m.Slug == "" {
		return domain.Market{}, fmt.Errorf("settlement_service: question and slug are required")
	}
	if len(m.Outcomes) < 2 {
		return domain.Market{}, fmt.Errorf("settlement_service: a market needs at least two outcomes")
	}
	if !m.ClosingAt.After(time.Now().UTC()) {
		return domain.Market{}, fmt.Errorf("settlement_service: closing time must be in the future")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.Status = domain.MarketStatusOpen

	if err := s.markets.Create(ctx, m); err != nil {
		return domain.Market{}, err
	}
	s.auditLog(ctx, "market.created", map[string]any{
		"market_id": m.ID,
		"slug":      m.Slug,
		"closing":   m.ClosingAt.Format(time.RFC3339),
	})
	return m, nil
}

// GetMarket reads through the cache, falling back to the store and
// populating the cache on a miss.
func (s *SettlementService) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	if m, err := s.cache.Get(ctx, id); err == nil {
		return m, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		s.logger.WarnContext(ctx, "settlement_service: market cache read failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
	}

	m, err := s.markets.GetByID(ctx, id)
	if err != nil {
		return domain.Market{}, err
	}
	if err := s.cache.Set(ctx, m); err != nil {
		s.logger.WarnContext(ctx, "settlement_service: market cache write failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
	}
	return m, nil
}

// ListMarkets lists markets by status straight from the store.
func (s *SettlementService) ListMarkets(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	return s.markets.List(ctx, status, opts)
}

// PauseMarket suspends trading on an open market without cancelling anything.
func (s *SettlementService) PauseMarket(ctx context.Context, id, reason string) (domain.Market, error) {
	m, err := s.markets.Pause(ctx, id, reason)
	if err != nil {
		return domain.Market{}, err
	}
	s.invalidate(ctx, id)
	s.publishMarketEvent(ctx, map[string]any{
		"event": "market_paused", "market_id": id, "reason": reason,
	})
	s.auditLog(ctx, "market.paused", map[string]any{"market_id": id, "reason": reason})
	return m, nil
}

// ResumeMarket reopens a paused market.
func (s *SettlementService) ResumeMarket(ctx context.Context, id string) (domain.Market, error) {
	m, err := s.markets.Resume(ctx, id)
	if err != nil {
		return domain.Market{}, err
	}
	s.invalidate(ctx, id)
	s.publishMarketEvent(ctx, map[string]any{
		"event": "market_resumed", "market_id": id,
	})
	s.auditLog(ctx, "market.resumed", map[string]any{"market_id": id})
	return m, nil
}

// ScheduleResolution records a future resolution for the scheduler to
// execute once it falls due.
func (s *SettlementService) ScheduleResolution(ctx context.Context, id string, at time.Time, outcome string) (domain.Market, error) {
	if !at.After(time.Now().UTC()) {
		return domain.Market{}, fmt.Errorf("settlement_service: scheduled time must be in the future")
	}
	m, err := s.markets.GetByID(ctx, id)
	if err != nil {
		return domain.Market{}, err
	}
	if !m.HasOutcome(outcome) {
		return domain.Market{}, domain.ErrUnknownOutcome
	}

	m, err = s.markets.ScheduleResolution(ctx, id, at, outcome)
	if err != nil {
		return domain.Market{}, err
	}
	s.invalidate(ctx, id)
	s.auditLog(ctx, "market.resolution_scheduled", map[string]any{
		"market_id": id,
		"outcome":   outcome,
		"at":        at.Format(time.RFC3339),
	})
	return m, nil
}

// CloseMarket force-closes an open market, cancelling all of its live orders
// and refunding their unfilled remainders.
func (s *SettlementService) CloseMarket(ctx context.Context, id string) (domain.CloseResult, error) {
	res, err := s.settle.CloseMarket(ctx, id)
	if err != nil {
		return domain.CloseResult{}, err
	}
	if res.Skipped {
		return res, nil
	}

	s.invalidate(ctx, id)
	s.publishMarketEvent(ctx, map[string]any{
		"event": "market_closed", "market_id": id,
	})
	s.announceCancellations(ctx, res.Cancellations)
	s.auditLog(ctx, "market.closed", map[string]any{
		"market_id":        id,
		"cancelled_orders": len(res.Cancellations),
	})

	s.logger.InfoContext(ctx, "settlement_service: market closed",
		slog.String("market_id", id),
		slog.Int("cancelled_orders", len(res.Cancellations)),
	)
	return res, nil
}

// PreviewResolution computes what resolving to the outcome would pay without
// committing anything.
func (s *SettlementService) PreviewResolution(ctx context.Context, marketID, outcome string) (domain.ResolutionSummary, error) {
	m, err := s.markets.GetByID(ctx, marketID)
	if err != nil {
		return domain.ResolutionSummary{}, err
	}
	if !m.HasOutcome(outcome) {
		return domain.ResolutionSummary{}, domain.ErrUnknownOutcome
	}
	positions, err := s.positions.ListNonZeroByMarket(ctx, marketID)
	if err != nil {
		return domain.ResolutionSummary{}, err
	}
	return domain.ComputeResolution(marketID, outcome, positions, s.settlementValueMicros), nil
}

// ResolveMarket settles the market to its final outcome and pays out winning
// positions. After the commit the settlement trail is archived to cold
// storage when an archiver is configured.
func (s *SettlementService) ResolveMarket(ctx context.Context, marketID, outcome, resolvedBy, notes string) (domain.ResolveResult, error) {
	res, err := s.settle.ResolveMarket(ctx, domain.ResolveRequest{
		MarketID:              marketID,
		Outcome:               outcome,
		ResolvedBy:            resolvedBy,
		Notes:                 notes,
		SettlementValueMicros: s.settlementValueMicros,
	})
	if err != nil {
		return domain.ResolveResult{}, err
	}

	s.invalidate(ctx, marketID)
	s.announceResolution(ctx, "market_resolved", res, "")
	s.auditLog(ctx, "market.resolved", map[string]any{
		"market_id":        marketID,
		"outcome":          outcome,
		"resolved_by":      resolvedBy,
		"winners":          res.Summary.WinnersCount,
		"losers":           res.Summary.LosersCount,
		"payout_micros":    res.Summary.TotalPayoutMicros,
		"cancelled_orders": res.Record.CancelledOrders,
	})
	s.archive(ctx, marketID)

	s.logger.InfoContext(ctx, "settlement_service: market resolved",
		slog.String("market_id", marketID),
		slog.String("outcome", outcome),
		slog.Int("winners", res.Summary.WinnersCount),
		slog.Int64("payout_micros", res.Summary.TotalPayoutMicros),
	)
	return res, nil
}

// Correct re-resolves an already-resolved market to a new outcome, reversing
// prior payouts. Operators are alerted; reversals may leave balances
// negative.
func (s *SettlementService) Correct(ctx context.Context, marketID, newOutcome, resolvedBy, reason string) (domain.ResolveResult, error) {
	res, err := s.settle.ApplyCorrection(ctx, domain.CorrectionRequest{
		MarketID:              marketID,
		NewOutcome:            newOutcome,
		ResolvedBy:            resolvedBy,
		Reason:                reason,
		SettlementValueMicros: s.settlementValueMicros,
	})
	if err != nil {
		return domain.ResolveResult{}, err
	}

	previous := ""
	if res.Record.PreviousOutcome != nil {
		previous = *res.Record.PreviousOutcome
	}

	s.invalidate(ctx, marketID)
	s.announceResolution(ctx, "market_corrected", res, previous)
	s.auditLog(ctx, "market.corrected", map[string]any{
		"market_id":        marketID,
		"outcome":          newOutcome,
		"previous_outcome": previous,
		"reason":           reason,
		"resolved_by":      resolvedBy,
		"reversals":        len(res.Reversals),
		"payout_micros":    res.Summary.TotalPayoutMicros,
	})
	s.archive(ctx, marketID)

	if s.notifier != nil {
		msg := fmt.Sprintf("market %s corrected %s -> %s by %s: %s (%d reversals)",
			marketID, previous, newOutcome, resolvedBy, reason, len(res.Reversals))
		if err := s.notifier.Notify(ctx, "correction", "Resolution corrected", msg); err != nil {
			s.logger.WarnContext(ctx, "settlement_service: correction alert failed",
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.WarnContext(ctx, "settlement_service: resolution corrected",
		slog.String("market_id", marketID),
		slog.String("previous", previous),
		slog.String("outcome", newOutcome),
		slog.Int("reversals", len(res.Reversals)),
	)
	return res, nil
}

// ResolutionHistory returns the market's resolution and correction chain.
func (s *SettlementService) ResolutionHistory(ctx context.Context, marketID string) ([]domain.ResolutionRecord, error) {
	return s.resolutions.ListByMarket(ctx, marketID)
}

// ListArchives lists the settlement audit bundles exported for a market.
func (s *SettlementService) ListArchives(ctx context.Context, marketID string) ([]domain.BlobInfo, error) {
	if s.archiver == nil {
		return nil, fmt.Errorf("settlement_service: archiving is not configured: %w", domain.ErrNotFound)
	}
	if _, err := s.markets.GetByID(ctx, marketID); err != nil {
		return nil, err
	}
	return s.archiver.ListSettlements(ctx, marketID)
}

// OpenArchive streams one settlement audit bundle. The caller closes the
// returned reader.
func (s *SettlementService) OpenArchive(ctx context.Context, marketID, name string) (io.ReadCloser, error) {
	if s.archiver == nil {
		return nil, fmt.Errorf("settlement_service: archiving is not configured: %w", domain.ErrNotFound)
	}
	return s.archiver.OpenSettlement(ctx, marketID, name)
}

func (s *SettlementService) announceResolution(ctx context.Context, event string, res domain.ResolveResult, previous string) {
	outcome := ""
	if res.Market.Outcome != nil {
		outcome = *res.Market.Outcome
	}
	evt, _ := json.Marshal(domain.MarketResolvedEvent{
		Event:             event,
		MarketID:          res.Market.ID,
		Outcome:           outcome,
		PreviousOutcome:   previous,
		WinnersCount:      res.Summary.WinnersCount,
		LosersCount:       res.Summary.LosersCount,
		TotalPayoutMicros: res.Summary.TotalPayoutMicros,
	})
	if err := s.bus.Publish(ctx, domain.ChannelMarkets, evt); err != nil {
		s.logger.WarnContext(ctx, "settlement_service: publish resolution failed",
			slog.String("market_id", res.Market.ID),
			slog.String("error", err.Error()),
		)
	}

	for _, line := range res.Reversals {
		s.publishBalance(ctx, line.UserID, "correction_reversal")
	}
	for _, line := range res.Summary.Payouts {
		s.publishBalance(ctx, line.UserID, "payout")
	}
	s.announceCancellations(ctx, res.Cancellations)
}

// publishBalance emits a balance event without the post-commit balance
// value; resolution touches many users and the hub consumers re-read their
// balance on receipt.
func (s *SettlementService) publishBalance(ctx context.Context, userID, cause string) {
	evt, _ := json.Marshal(domain.BalanceUpdatedEvent{
		Event:  "balance_updated",
		UserID: userID,
		Cause:  cause,
	})
	if err := s.bus.Publish(ctx, domain.ChannelBalances, evt); err != nil {
		s.logger.WarnContext(ctx, "settlement_service: publish balance failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

// announceCancellations publishes one order event per cancellation and one
// balance event per distinct refunded user.
func (s *SettlementService) announceCancellations(ctx context.Context, cancels []domain.CancelResult) {
	refunded := make(map[string]bool)
	for _, c := range cancels {
		if c.Skipped {
			continue
		}
		evt, _ := json.Marshal(domain.OrderCancelledEvent{
			Event:          "order_cancelled",
			OrderID:        c.Order.ID,
			UserID:         c.Order.UserID,
			MarketID:       c.Order.MarketID,
			Reason:         c.Reason,
			RefundType:     c.RefundType,
			RefundMicros:   c.RefundMicros,
			SharesReturned: c.SharesReturned,
		})
		if err := s.bus.Publish(ctx, domain.ChannelOrders, evt); err != nil {
			s.logger.WarnContext(ctx, "settlement_service: publish cancel failed",
				slog.String("order_id", c.Order.ID),
				slog.String("error", err.Error()),
			)
		}
		if c.RefundMicros > 0 && !refunded[c.Order.UserID] {
			refunded[c.Order.UserID] = true
			s.publishBalance(ctx, c.Order.UserID, string(c.Reason))
		}
	}
}

func (s *SettlementService) archive(ctx context.Context, marketID string) {
	if s.archiver == nil {
		return
	}
	path, err := s.archiver.ArchiveSettlement(ctx, marketID)
	if err != nil {
		s.logger.ErrorContext(ctx, "settlement_service: settlement archive failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.InfoContext(ctx, "settlement_service: settlement archived",
		slog.String("market_id", marketID),
		slog.String("path", path),
	)
}

func (s *SettlementService) invalidate(ctx context.Context, marketID string) {
	if err := s.cache.Invalidate(ctx, marketID); err != nil {
		s.logger.WarnContext(ctx, "settlement_service: cache invalidate failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *SettlementService) publishMarketEvent(ctx context.Context, fields map[string]any) {
	evt, _ := json.Marshal(fields)
	if err := s.bus.Publish(ctx, domain.ChannelMarkets, evt); err != nil {
		s.logger.WarnContext(ctx, "settlement_service: publish market event failed",
			slog.String("error", err.Error()),
		)
	}
}

func (s *SettlementService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "settlement_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
