package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/openpredict/marketd/internal/domain"
)

// OrderService defines what the order handler needs from the service layer.
type OrderService interface {
	PlaceOrder(ctx context.Context, o domain.Order) (domain.PlaceResult, error)
	AmendOrder(ctx context.Context, orderID, userID string, quantity int64, priceTicks *int64) (domain.AmendResult, error)
	CancelOrder(ctx context.Context, orderID, userID string) (domain.CancelResult, error)
	CancelAllForUser(ctx context.Context, userID, marketID string) ([]domain.CancelResult, error)
}

// OrderReader serves order lookups straight from the store.
type OrderReader interface {
	GetByID(ctx context.Context, id string) (domain.Order, error)
	ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Order, error)
}

// OrderHandler serves order endpoints. All of them act as the authenticated
// caller; ownership checks happen in the settlement layer.
type OrderHandler struct {
	orders OrderService
	reader OrderReader
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(orders OrderService, reader OrderReader, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, reader: reader, logger: logger}
}

type placeOrderRequest struct {
	MarketID      string     `json:"market_id"`
	Outcome       string     `json:"outcome"`
	Side          string     `json:"side"`
	Type          string     `json:"type"`
	TimeInForce   string     `json:"time_in_force"`
	Quantity      int64      `json:"quantity"`
	PriceTicks    *int64     `json:"price_ticks,omitempty"`
	TriggerTicks  *int64     `json:"trigger_ticks,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	ParentOrderID *string    `json:"parent_order_id,omitempty"`
}

// PlaceOrder places a new order for the caller.
// POST /api/orders
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.MarketID == "" || req.Outcome == "" {
		writeError(w, http.StatusBadRequest, "market_id and outcome are required")
		return
	}

	tif := domain.TimeInForce(req.TimeInForce)
	if tif == "" {
		tif = domain.TimeInForceGTC
	}
	res, err := h.orders.PlaceOrder(r.Context(), domain.Order{
		UserID:        userID,
		MarketID:      req.MarketID,
		Outcome:       req.Outcome,
		Side:          domain.OrderSide(req.Side),
		Type:          domain.OrderType(req.Type),
		TimeInForce:   tif,
		Quantity:      req.Quantity,
		PriceTicks:    req.PriceTicks,
		TriggerTicks:  req.TriggerTicks,
		ExpiresAt:     req.ExpiresAt,
		ParentOrderID: req.ParentOrderID,
	})
	if err != nil {
		if domain.Reason(err) == "internal" {
			h.logger.ErrorContext(r.Context(), "handler: place order failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// GetOrder returns one order. Callers may only read their own orders.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	o, err := h.reader.GetByID(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if o.UserID != userID {
		// Indistinguishable from a missing order on purpose.
		writeDomainError(w, domain.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type amendOrderRequest struct {
	Quantity   int64  `json:"quantity"`
	PriceTicks *int64 `json:"price_ticks,omitempty"`
}

// AmendOrder changes an open order's remaining quantity and/or limit price.
// PATCH /api/orders/{id}
func (h *OrderHandler) AmendOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req amendOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	res, err := h.orders.AmendOrder(r.Context(), pathParam(r, "id"), userID, req.Quantity, req.PriceTicks)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelOrder cancels the caller's order.
// DELETE /api/orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	res, err := h.orders.CancelOrder(r.Context(), pathParam(r, "id"), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelAll cancels all of the caller's live orders, optionally scoped to
// one market.
// DELETE /api/orders?market_id=...
func (h *OrderHandler) CancelAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	results, err := h.orders.CancelAllForUser(r.Context(), userID, r.URL.Query().Get("market_id"))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: cancel all failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	if results == nil {
		results = []domain.CancelResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": results})
}

// ListMarketOrders lists a market's orders, admin-only.
// GET /api/admin/markets/{id}/orders
func (h *OrderHandler) ListMarketOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.reader.ListByMarket(r.Context(), pathParam(r, "id"), parseListOpts(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}
