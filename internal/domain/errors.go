package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrRateLimited          = errors.New("rate limited")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrInvalidOrder         = errors.New("invalid order parameters")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrInsufficientFunds    = errors.New("insufficient available balance")
	ErrInsufficientShares   = errors.New("insufficient available shares")
	ErrMarketNotOpen        = errors.New("market is not open")
	ErrMarketNotClosed      = errors.New("market is not closed")
	ErrMarketPaused         = errors.New("market is paused")
	ErrAlreadyResolved      = errors.New("market already resolved")
	ErrUnknownOutcome       = errors.New("outcome is not among the market's outcomes")
	ErrSameOutcome          = errors.New("correction outcome matches the current outcome")
	ErrReasonRequired       = errors.New("a correction reason is required")
	ErrNotResolved          = errors.New("market is not resolved")
	ErrNotCancellable       = errors.New("order is not in a cancellable state")
	ErrOrderTerminal        = errors.New("order is in a terminal state")
	ErrOverfill             = errors.New("fill exceeds remaining quantity")
	ErrPartialFOK           = errors.New("FOK order cannot be partially filled")
	ErrDuplicateDispute     = errors.New("an open dispute already exists for this market")
	ErrDisputeClosed        = errors.New("dispute is closed")
	ErrDisputeNotReviewable = errors.New("dispute is not in a reviewable state")
	ErrLockHeld             = errors.New("lock already held")
	ErrContextDone          = errors.New("context cancelled")
)

// Reason returns the stable, user-visible classification for an error. Raw
// storage errors are collapsed to "internal" so they never leak to callers.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidOrder):
		return "invalid_order"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, ErrMarketNotOpen):
		return "market_not_open"
	case errors.Is(err, ErrMarketNotClosed):
		return "market_not_closed"
	case errors.Is(err, ErrMarketPaused):
		return "market_paused"
	case errors.Is(err, ErrAlreadyResolved):
		return "already_resolved"
	case errors.Is(err, ErrUnknownOutcome):
		return "unknown_outcome"
	case errors.Is(err, ErrSameOutcome):
		return "same_outcome"
	case errors.Is(err, ErrReasonRequired):
		return "reason_required"
	case errors.Is(err, ErrNotResolved):
		return "not_resolved"
	case errors.Is(err, ErrNotCancellable):
		return "not_cancellable"
	case errors.Is(err, ErrOrderTerminal):
		return "order_terminal"
	case errors.Is(err, ErrOverfill):
		return "overfill"
	case errors.Is(err, ErrPartialFOK):
		return "partial_fok"
	case errors.Is(err, ErrDuplicateDispute):
		return "duplicate_dispute"
	case errors.Is(err, ErrDisputeClosed):
		return "dispute_closed"
	case errors.Is(err, ErrDisputeNotReviewable):
		return "dispute_not_reviewable"
	default:
		return "internal"
	}
}
