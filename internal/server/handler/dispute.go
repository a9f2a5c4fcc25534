package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/openpredict/marketd/internal/domain"
)

// DisputeService defines what the dispute handler needs from the service
// layer.
type DisputeService interface {
	File(ctx context.Context, d domain.Dispute) (domain.Dispute, error)
	Upvote(ctx context.Context, disputeID string) (domain.Dispute, error)
	Get(ctx context.Context, disputeID string) (domain.Dispute, error)
	Queue(ctx context.Context, status domain.DisputeStatus, opts domain.ListOpts) ([]domain.Dispute, error)
	ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Dispute, error)
	ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Dispute, error)
	StartReview(ctx context.Context, disputeID, reviewer string) (domain.Dispute, error)
	Review(ctx context.Context, disputeID, reviewer string, verdict domain.DisputeStatus, notes string) (domain.Dispute, error)
}

// DisputeHandler serves dispute filing, voting and the admin review flow.
type DisputeHandler struct {
	disputes DisputeService
	logger   *slog.Logger
}

// NewDisputeHandler creates a DisputeHandler.
func NewDisputeHandler(disputes DisputeService, logger *slog.Logger) *DisputeHandler {
	return &DisputeHandler{disputes: disputes, logger: logger}
}

type fileDisputeRequest struct {
	MarketID        string  `json:"market_id"`
	Type            string  `json:"type"`
	Reason          string  `json:"reason"`
	Evidence        string  `json:"evidence"`
	ProposedOutcome *string `json:"proposed_outcome,omitempty"`
}

// FileDispute opens a dispute against a resolved market.
// POST /api/disputes
func (h *DisputeHandler) FileDispute(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req fileDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.MarketID == "" {
		writeError(w, http.StatusBadRequest, "market_id is required")
		return
	}

	d, err := h.disputes.File(r.Context(), domain.Dispute{
		MarketID:        req.MarketID,
		UserID:          userID,
		Type:            domain.DisputeType(req.Type),
		Reason:          req.Reason,
		Evidence:        req.Evidence,
		ProposedOutcome: req.ProposedOutcome,
	})
	if err != nil {
		if domain.Reason(err) == "internal" {
			h.logger.ErrorContext(r.Context(), "handler: file dispute failed",
				slog.String("market_id", req.MarketID),
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// GetDispute returns one dispute.
// GET /api/disputes/{id}
func (h *DisputeHandler) GetDispute(w http.ResponseWriter, r *http.Request) {
	d, err := h.disputes.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ListDisputes lists disputes for a market or for the caller.
// GET /api/disputes?market_id=... | GET /api/disputes?mine=true
func (h *DisputeHandler) ListDisputes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := parseListOpts(r)

	var (
		disputes []domain.Dispute
		err      error
	)
	switch {
	case q.Get("market_id") != "":
		disputes, err = h.disputes.ListByMarket(r.Context(), q.Get("market_id"), opts)
	case q.Get("mine") == "true":
		userID, ok := callerID(w, r)
		if !ok {
			return
		}
		disputes, err = h.disputes.ListByUser(r.Context(), userID, opts)
	default:
		writeError(w, http.StatusBadRequest, "market_id or mine=true query parameter required")
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if disputes == nil {
		disputes = []domain.Dispute{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"disputes": disputes})
}

// Upvote adds one community vote to a dispute.
// POST /api/disputes/{id}/upvote
func (h *DisputeHandler) Upvote(w http.ResponseWriter, r *http.Request) {
	if _, ok := callerID(w, r); !ok {
		return
	}

	d, err := h.disputes.Upvote(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Queue returns the admin review queue, urgent disputes first.
// GET /api/admin/disputes?status=pending
func (h *DisputeHandler) Queue(w http.ResponseWriter, r *http.Request) {
	status := domain.DisputeStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.DisputeStatusPending
	}

	disputes, err := h.disputes.Queue(r.Context(), status, parseListOpts(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if disputes == nil {
		disputes = []domain.Dispute{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"disputes": disputes})
}

type startReviewRequest struct {
	Reviewer string `json:"reviewer"`
}

// StartReview claims a pending dispute for a reviewer.
// POST /api/admin/disputes/{id}/review
func (h *DisputeHandler) StartReview(w http.ResponseWriter, r *http.Request) {
	var req startReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Reviewer == "" {
		req.Reviewer = "admin"
	}

	d, err := h.disputes.StartReview(r.Context(), pathParam(r, "id"), req.Reviewer)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type reviewRequest struct {
	Reviewer string `json:"reviewer"`
	Verdict  string `json:"verdict"` // "approved" or "rejected"
	Notes    string `json:"notes"`
}

// Review closes an under-review dispute with a verdict.
// POST /api/admin/disputes/{id}/verdict
func (h *DisputeHandler) Review(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	verdict := domain.DisputeStatus(req.Verdict)
	if verdict != domain.DisputeStatusApproved && verdict != domain.DisputeStatusRejected {
		writeError(w, http.StatusBadRequest, "verdict must be approved or rejected")
		return
	}
	if req.Reviewer == "" {
		req.Reviewer = "admin"
	}

	d, err := h.disputes.Review(r.Context(), pathParam(r, "id"), req.Reviewer, verdict, req.Notes)
	if err != nil {
		if domain.Reason(err) == "internal" {
			h.logger.ErrorContext(r.Context(), "handler: dispute review failed",
				slog.String("dispute_id", pathParam(r, "id")),
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
