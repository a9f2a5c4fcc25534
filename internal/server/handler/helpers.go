// Package handler serves the engine's HTTP API: markets, orders, portfolio,
// disputes and the admin lifecycle endpoints.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/openpredict/marketd/internal/domain"
	"github.com/openpredict/marketd/internal/server/middleware"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps a domain error to an HTTP status using its stable
// reason code. Internal errors return a generic message so storage details
// never leak.
func writeDomainError(w http.ResponseWriter, err error) {
	reason := domain.Reason(err)
	status, ok := reasonStatus[reason]
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":  "internal server error",
			"reason": "internal",
		})
		return
	}
	writeJSON(w, status, map[string]string{
		"error":  err.Error(),
		"reason": reason,
	})
}

var reasonStatus = map[string]int{
	"not_found":              http.StatusNotFound,
	"already_exists":         http.StatusConflict,
	"rate_limited":           http.StatusTooManyRequests,
	"unauthorized":           http.StatusUnauthorized,
	"invalid_order":          http.StatusBadRequest,
	"invalid_amount":         http.StatusBadRequest,
	"insufficient_funds":     http.StatusUnprocessableEntity,
	"insufficient_shares":    http.StatusUnprocessableEntity,
	"market_not_open":        http.StatusConflict,
	"market_not_closed":      http.StatusConflict,
	"market_paused":          http.StatusConflict,
	"already_resolved":       http.StatusConflict,
	"unknown_outcome":        http.StatusBadRequest,
	"same_outcome":           http.StatusBadRequest,
	"reason_required":        http.StatusBadRequest,
	"not_resolved":           http.StatusConflict,
	"not_cancellable":        http.StatusConflict,
	"order_terminal":         http.StatusConflict,
	"overfill":               http.StatusConflict,
	"partial_fok":            http.StatusConflict,
	"duplicate_dispute":      http.StatusConflict,
	"dispute_closed":         http.StatusConflict,
	"dispute_not_reviewable": http.StatusConflict,
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// callerID returns the authenticated user identity, or writes a 401 and
// returns false when none is present.
func callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := middleware.UserID(r.Context())
	if id == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return "", false
	}
	return id, true
}
