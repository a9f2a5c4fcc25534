package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openpredict/marketd/internal/domain"
)

// scheduledResolver is the actor recorded on resolutions the scheduler
// executes on an operator's behalf.
const scheduledResolver = "scheduler"

// MarketResolver settles a market to its final outcome.
type MarketResolver interface {
	ResolveMarket(ctx context.Context, marketID, outcome, resolvedBy, notes string) (domain.ResolveResult, error)
}

// DueLister lists closed markets whose scheduled resolution is due.
type DueLister interface {
	ListScheduledDue(ctx context.Context, now time.Time, limit int) ([]domain.Market, error)
}

// Resolver executes scheduled resolutions once they fall due.
type Resolver struct {
	markets   DueLister
	lifecycle MarketResolver
	locks     domain.LockManager
	logger    *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(
	markets DueLister,
	lifecycle MarketResolver,
	locks domain.LockManager,
	logger *slog.Logger,
) *Resolver {
	return &Resolver{
		markets:   markets,
		lifecycle: lifecycle,
		locks:     locks,
		logger:    logger,
	}
}

// Run executes a single resolution pass under the resolve lock.
func (r *Resolver) Run(ctx context.Context) error {
	unlock, err := r.locks.Acquire(ctx, "sweep:resolutions", time.Minute)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			r.logger.DebugContext(ctx, "scheduler: resolve lock held elsewhere, skipping pass")
			return nil
		}
		return fmt.Errorf("scheduler: acquire resolve lock: %w", err)
	}
	defer unlock()

	due, err := r.markets.ListScheduledDue(ctx, time.Now().UTC(), sweepBatchSize)
	if err != nil {
		return fmt.Errorf("scheduler: list scheduled resolutions: %w", err)
	}

	for _, m := range due {
		if m.ScheduledOutcome == nil {
			r.logger.ErrorContext(ctx, "scheduler: scheduled market has no outcome",
				slog.String("market_id", m.ID),
			)
			continue
		}
		res, err := r.lifecycle.ResolveMarket(ctx, m.ID, *m.ScheduledOutcome, scheduledResolver, "scheduled resolution")
		if err != nil {
			// Already resolved by an operator in the meantime is fine.
			if errors.Is(err, domain.ErrAlreadyResolved) {
				continue
			}
			r.logger.ErrorContext(ctx, "scheduler: scheduled resolution failed",
				slog.String("market_id", m.ID),
				slog.String("outcome", *m.ScheduledOutcome),
				slog.String("error", err.Error()),
			)
			continue
		}
		r.logger.InfoContext(ctx, "scheduler: scheduled resolution executed",
			slog.String("market_id", m.ID),
			slog.String("outcome", *m.ScheduledOutcome),
			slog.Int64("payout_micros", res.Summary.TotalPayoutMicros),
		)
	}
	return nil
}

// RunLoop runs resolution passes on a repeating interval until the context
// is cancelled.
func (r *Resolver) RunLoop(ctx context.Context, interval time.Duration) error {
	if err := r.Run(ctx); err != nil {
		r.logger.ErrorContext(ctx, "scheduler: resolution pass failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "scheduler: resolver stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := r.Run(ctx); err != nil {
				r.logger.ErrorContext(ctx, "scheduler: resolution pass failed", slog.String("error", err.Error()))
			}
		}
	}
}
