package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/openpredict/marketd/internal/domain"
)

// MarketService defines what the market handler needs from the service layer.
type MarketService interface {
	CreateMarket(ctx context.Context, m domain.Market) (domain.Market, error)
	GetMarket(ctx context.Context, id string) (domain.Market, error)
	ListMarkets(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error)
	PauseMarket(ctx context.Context, id, reason string) (domain.Market, error)
	ResumeMarket(ctx context.Context, id string) (domain.Market, error)
	ScheduleResolution(ctx context.Context, id string, at time.Time, outcome string) (domain.Market, error)
	CloseMarket(ctx context.Context, id string) (domain.CloseResult, error)
	PreviewResolution(ctx context.Context, marketID, outcome string) (domain.ResolutionSummary, error)
	ResolveMarket(ctx context.Context, marketID, outcome, resolvedBy, notes string) (domain.ResolveResult, error)
	Correct(ctx context.Context, marketID, newOutcome, resolvedBy, reason string) (domain.ResolveResult, error)
	ResolutionHistory(ctx context.Context, marketID string) ([]domain.ResolutionRecord, error)
	ListArchives(ctx context.Context, marketID string) ([]domain.BlobInfo, error)
	OpenArchive(ctx context.Context, marketID, name string) (io.ReadCloser, error)
}

// MarketHandler serves market and resolution endpoints. The mutating
// endpoints are registered under the admin route group.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, logger: logger}
}

type createMarketRequest struct {
	Question  string    `json:"question"`
	Slug      string    `json:"slug"`
	Outcomes  []string  `json:"outcomes"`
	ClosingAt time.Time `json:"closing_at"`
}

// CreateMarket creates a new open market.
// POST /api/admin/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	m, err := h.markets.CreateMarket(r.Context(), domain.Market{
		Question:  req.Question,
		Slug:      req.Slug,
		Outcomes:  req.Outcomes,
		ClosingAt: req.ClosingAt,
	})
	if err != nil {
		if domain.Reason(err) == "internal" {
			h.logger.ErrorContext(r.Context(), "handler: create market failed",
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// GetMarket returns one market by id.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	m, err := h.markets.GetMarket(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ListMarkets lists markets, optionally filtered by status.
// GET /api/markets?status=open&limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	status := domain.MarketStatus(r.URL.Query().Get("status"))
	markets, err := h.markets.ListMarkets(r.Context(), status, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list markets failed",
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	if markets == nil {
		markets = []domain.Market{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": markets})
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

// PauseMarket suspends trading on an open market.
// POST /api/admin/markets/{id}/pause
func (h *MarketHandler) PauseMarket(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	m, err := h.markets.PauseMarket(r.Context(), pathParam(r, "id"), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ResumeMarket reopens a paused market.
// POST /api/admin/markets/{id}/resume
func (h *MarketHandler) ResumeMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.markets.ResumeMarket(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// CloseMarket force-closes an open market immediately.
// POST /api/admin/markets/{id}/close
func (h *MarketHandler) CloseMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	res, err := h.markets.CloseMarket(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":        id,
		"skipped":          res.Skipped,
		"cancelled_orders": len(res.Cancellations),
	})
}

type scheduleRequest struct {
	At      time.Time `json:"at"`
	Outcome string    `json:"outcome"`
}

// ScheduleResolution records a future resolution for the scheduler.
// POST /api/admin/markets/{id}/schedule
func (h *MarketHandler) ScheduleResolution(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	m, err := h.markets.ScheduleResolution(r.Context(), pathParam(r, "id"), req.At, req.Outcome)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// PreviewResolution computes payouts for an outcome without committing.
// GET /api/admin/markets/{id}/resolution/preview?outcome=yes
func (h *MarketHandler) PreviewResolution(w http.ResponseWriter, r *http.Request) {
	outcome := r.URL.Query().Get("outcome")
	if outcome == "" {
		writeError(w, http.StatusBadRequest, "outcome query parameter required")
		return
	}

	sum, err := h.markets.PreviewResolution(r.Context(), pathParam(r, "id"), outcome)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type resolveRequest struct {
	Outcome    string `json:"outcome"`
	ResolvedBy string `json:"resolved_by"`
	Notes      string `json:"notes"`
}

// ResolveMarket settles the market to its final outcome.
// POST /api/admin/markets/{id}/resolve
func (h *MarketHandler) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = "admin"
	}

	res, err := h.markets.ResolveMarket(r.Context(), pathParam(r, "id"), req.Outcome, req.ResolvedBy, req.Notes)
	if err != nil {
		if domain.Reason(err) == "internal" {
			h.logger.ErrorContext(r.Context(), "handler: resolve market failed",
				slog.String("market_id", pathParam(r, "id")),
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market":           res.Market,
		"summary":          res.Summary,
		"cancelled_orders": len(res.Cancellations),
	})
}

type correctRequest struct {
	Outcome    string `json:"outcome"`
	ResolvedBy string `json:"resolved_by"`
	Reason     string `json:"reason"`
}

// CorrectResolution re-resolves an already-resolved market.
// POST /api/admin/markets/{id}/correct
func (h *MarketHandler) CorrectResolution(w http.ResponseWriter, r *http.Request) {
	var req correctRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = "admin"
	}

	res, err := h.markets.Correct(r.Context(), pathParam(r, "id"), req.Outcome, req.ResolvedBy, req.Reason)
	if err != nil {
		if domain.Reason(err) == "internal" {
			h.logger.ErrorContext(r.Context(), "handler: correct resolution failed",
				slog.String("market_id", pathParam(r, "id")),
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market":    res.Market,
		"summary":   res.Summary,
		"reversals": res.Reversals,
	})
}

// ResolutionHistory returns the market's resolution and correction chain.
// GET /api/markets/{id}/resolutions
func (h *MarketHandler) ResolutionHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.markets.ResolutionHistory(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if records == nil {
		records = []domain.ResolutionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolutions": records})
}

// ListArchives lists the settlement audit bundles exported for the market.
// GET /api/admin/markets/{id}/archives
func (h *MarketHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	archives, err := h.markets.ListArchives(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if archives == nil {
		archives = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"market_id": id, "archives": archives})
}

// FetchArchive streams one settlement audit bundle.
// GET /api/admin/markets/{id}/archives/{name}
func (h *MarketHandler) FetchArchive(w http.ResponseWriter, r *http.Request) {
	body, err := h.markets.OpenArchive(r.Context(), pathParam(r, "id"), pathParam(r, "name"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "handler: archive stream aborted",
			slog.String("error", err.Error()),
		)
	}
}
