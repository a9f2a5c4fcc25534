package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/openpredict/marketd/internal/domain"
	"github.com/openpredict/marketd/internal/service"
)

// PortfolioService defines what the portfolio handler needs from the
// service layer.
type PortfolioService interface {
	Get(ctx context.Context, userID string) (service.Portfolio, error)
	Balance(ctx context.Context, userID string) (int64, error)
	Ledger(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.LedgerEntry, error)
	Orders(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Order, error)
	Deposit(ctx context.Context, userID string, amountMicros int64, description string) (domain.LedgerEntry, error)
	Withdraw(ctx context.Context, userID string, amountMicros int64, description string) (domain.LedgerEntry, error)
}

// PortfolioHandler serves the caller's balance, positions, order history and
// ledger, plus deposits and withdrawals.
type PortfolioHandler struct {
	portfolio PortfolioService
	logger    *slog.Logger
}

// NewPortfolioHandler creates a PortfolioHandler.
func NewPortfolioHandler(portfolio PortfolioService, logger *slog.Logger) *PortfolioHandler {
	return &PortfolioHandler{portfolio: portfolio, logger: logger}
}

// GetPortfolio returns the caller's consolidated portfolio.
// GET /api/portfolio
func (h *PortfolioHandler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	p, err := h.portfolio.Get(r.Context(), userID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: get portfolio failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetBalance returns the caller's cached balance.
// GET /api/portfolio/balance
func (h *PortfolioHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	balance, err := h.portfolio.Balance(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":        userID,
		"balance_micros": balance,
	})
}

// GetLedger returns the caller's monetary history, newest first.
// GET /api/portfolio/ledger?limit=50&offset=0
func (h *PortfolioHandler) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	entries, err := h.portfolio.Ledger(r.Context(), userID, parseListOpts(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// ListOrders returns the caller's order history, newest first.
// GET /api/portfolio/orders?limit=50&offset=0
func (h *PortfolioHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	orders, err := h.portfolio.Orders(r.Context(), userID, parseListOpts(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

type transferRequest struct {
	AmountMicros int64  `json:"amount_micros"`
	Description  string `json:"description"`
}

// Deposit credits external funds to the caller.
// POST /api/portfolio/deposit
func (h *PortfolioHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.transfer(w, r, h.portfolio.Deposit, "deposit")
}

// Withdraw debits funds from the caller.
// POST /api/portfolio/withdraw
func (h *PortfolioHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.transfer(w, r, h.portfolio.Withdraw, "withdrawal")
}

func (h *PortfolioHandler) transfer(
	w http.ResponseWriter,
	r *http.Request,
	apply func(ctx context.Context, userID string, amountMicros int64, description string) (domain.LedgerEntry, error),
	kind string,
) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Description == "" {
		req.Description = kind
	}

	entry, err := apply(r.Context(), userID, req.AmountMicros, req.Description)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}
