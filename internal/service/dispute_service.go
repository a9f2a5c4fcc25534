package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/openpredict/marketd/internal/domain"
	"github.com/openpredict/marketd/internal/notify"
)

// DisputeService runs the dispute and correction workflow: filing against a
// resolved market, community upvotes with automatic priority escalation, and
// the admin review that may end in a correction.
type DisputeService struct {
	disputes   domain.DisputeStore
	markets    domain.MarketStore
	settlement *SettlementService
	bus        domain.SignalBus
	audit      domain.AuditStore
	notifier   *notify.Notifier
	logger     *slog.Logger
}

// NewDisputeService creates a DisputeService. notifier may be nil.
func NewDisputeService(
	disputes domain.DisputeStore,
	markets domain.MarketStore,
	settlement *SettlementService,
	bus domain.SignalBus,
	audit domain.AuditStore,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *DisputeService {
	return &DisputeService{
		disputes:   disputes,
		markets:    markets,
		settlement: settlement,
		bus:        bus,
		audit:      audit,
		notifier:   notifier,
		logger:     logger,
	}
}

// File opens a pending dispute against a resolved market. Only resolved
// markets can be disputed, and a user may hold one open dispute per market.
func (s *DisputeService) File(ctx context.Context, d domain.Dispute) (domain.Dispute, error) {
	if d.Reason == "" {
		return domain.Dispute{}, fmt.Errorf("dispute_service: %w", domain.ErrReasonRequired)
	}
	switch d.Type {
	case domain.DisputeTypeWrongOutcome, domain.DisputeTypeEarlyResolution,
		domain.DisputeTypeNewEvidence, domain.DisputeTypeOther:
	default:
		return domain.Dispute{}, fmt.Errorf("dispute_service: unknown dispute type %q", d.Type)
	}

	m, err := s.markets.GetByID(ctx, d.MarketID)
	if err != nil {
		return domain.Dispute{}, err
	}
	if m.Status != domain.MarketStatusResolved {
		return domain.Dispute{}, domain.ErrNotResolved
	}
	if d.ProposedOutcome != nil && !m.HasOutcome(*d.ProposedOutcome) {
		return domain.Dispute{}, domain.ErrUnknownOutcome
	}

	created, err := s.disputes.Create(ctx, d)
	if err != nil {
		return domain.Dispute{}, err
	}

	s.publish(ctx, map[string]any{
		"event":      "dispute_filed",
		"dispute_id": created.ID,
		"market_id":  created.MarketID,
		"user_id":    created.UserID,
		"type":       string(created.Type),
	})
	s.auditLog(ctx, "dispute.filed", map[string]any{
		"dispute_id": created.ID,
		"market_id":  created.MarketID,
		"user_id":    created.UserID,
		"type":       string(created.Type),
	})

	s.logger.InfoContext(ctx, "dispute_service: dispute filed",
		slog.String("dispute_id", created.ID),
		slog.String("market_id", created.MarketID),
		slog.String("type", string(created.Type)),
	)
	return created, nil
}

// Upvote adds one community vote. A crossing of an escalation threshold
// publishes an escalation event and alerts operators.
func (s *DisputeService) Upvote(ctx context.Context, disputeID string) (domain.Dispute, error) {
	d, escalated, err := s.disputes.Upvote(ctx, disputeID)
	if err != nil {
		return domain.Dispute{}, err
	}

	if escalated {
		evt, _ := json.Marshal(domain.DisputeEscalatedEvent{
			Event:     "dispute_escalated",
			DisputeID: d.ID,
			MarketID:  d.MarketID,
			Priority:  d.Priority,
			Upvotes:   d.Upvotes,
		})
		if pubErr := s.bus.Publish(ctx, domain.ChannelDisputes, evt); pubErr != nil {
			s.logger.WarnContext(ctx, "dispute_service: publish escalation failed",
				slog.String("dispute_id", d.ID),
				slog.String("error", pubErr.Error()),
			)
		}
		s.auditLog(ctx, "dispute.escalated", map[string]any{
			"dispute_id": d.ID,
			"market_id":  d.MarketID,
			"priority":   string(d.Priority),
			"upvotes":    d.Upvotes,
		})
		if s.notifier != nil {
			msg := fmt.Sprintf("dispute %s on market %s escalated to %s (%d upvotes)",
				d.ID, d.MarketID, d.Priority, d.Upvotes)
			if nErr := s.notifier.Notify(ctx, "dispute", "Dispute escalated", msg); nErr != nil {
				s.logger.WarnContext(ctx, "dispute_service: escalation alert failed",
					slog.String("error", nErr.Error()),
				)
			}
		}
	}
	return d, nil
}

// StartReview claims a pending dispute for a reviewer.
func (s *DisputeService) StartReview(ctx context.Context, disputeID, reviewer string) (domain.Dispute, error) {
	d, err := s.disputes.StartReview(ctx, disputeID, reviewer)
	if err != nil {
		return domain.Dispute{}, err
	}
	s.auditLog(ctx, "dispute.review_started", map[string]any{
		"dispute_id": d.ID,
		"reviewer":   reviewer,
	})
	return d, nil
}

// Review closes an under-review dispute with a verdict. Approving a dispute
// that proposes a different outcome applies a resolution correction; the
// dispute's reason carries into the correction record.
func (s *DisputeService) Review(ctx context.Context, disputeID, reviewer string, verdict domain.DisputeStatus, notes string) (domain.Dispute, error) {
	current, err := s.disputes.GetByID(ctx, disputeID)
	if err != nil {
		return domain.Dispute{}, err
	}

	action := ""
	if verdict == domain.DisputeStatusApproved && current.ProposedOutcome != nil {
		reason := fmt.Sprintf("dispute %s approved: %s", current.ID, current.Reason)
		res, corrErr := s.settlement.Correct(ctx, current.MarketID, *current.ProposedOutcome, reviewer, reason)
		if corrErr != nil {
			return domain.Dispute{}, fmt.Errorf("dispute_service: apply correction: %w", corrErr)
		}
		action = fmt.Sprintf("corrected to %s (record %d)", *current.ProposedOutcome, res.Record.ID)
		// An approved dispute whose correction has been applied is done.
		verdict = domain.DisputeStatusResolved
	}

	d, err := s.disputes.Review(ctx, disputeID, reviewer, verdict, notes, action)
	if err != nil {
		return domain.Dispute{}, err
	}

	s.publish(ctx, map[string]any{
		"event":      "dispute_reviewed",
		"dispute_id": d.ID,
		"market_id":  d.MarketID,
		"verdict":    string(verdict),
	})
	s.auditLog(ctx, "dispute.reviewed", map[string]any{
		"dispute_id": d.ID,
		"market_id":  d.MarketID,
		"reviewer":   reviewer,
		"verdict":    string(verdict),
		"action":     action,
	})

	s.logger.InfoContext(ctx, "dispute_service: dispute reviewed",
		slog.String("dispute_id", d.ID),
		slog.String("verdict", string(verdict)),
		slog.String("action", action),
	)
	return d, nil
}

// Get returns one dispute.
func (s *DisputeService) Get(ctx context.Context, disputeID string) (domain.Dispute, error) {
	return s.disputes.GetByID(ctx, disputeID)
}

// Queue returns the review queue for a status, urgent disputes first.
func (s *DisputeService) Queue(ctx context.Context, status domain.DisputeStatus, opts domain.ListOpts) ([]domain.Dispute, error) {
	return s.disputes.ListByStatus(ctx, status, opts)
}

// ListByMarket returns a market's disputes.
func (s *DisputeService) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Dispute, error) {
	return s.disputes.ListByMarket(ctx, marketID, opts)
}

// ListByUser returns a user's disputes.
func (s *DisputeService) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Dispute, error) {
	return s.disputes.ListByUser(ctx, userID, opts)
}

func (s *DisputeService) publish(ctx context.Context, fields map[string]any) {
	evt, _ := json.Marshal(fields)
	if err := s.bus.Publish(ctx, domain.ChannelDisputes, evt); err != nil {
		s.logger.WarnContext(ctx, "dispute_service: publish failed",
			slog.String("error", err.Error()),
		)
	}
}

func (s *DisputeService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "dispute_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
