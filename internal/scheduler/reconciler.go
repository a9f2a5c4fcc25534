package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openpredict/marketd/internal/domain"
	"github.com/openpredict/marketd/internal/notify"
)

// DriftFinder reports users whose cached balance disagrees with the ledger.
type DriftFinder interface {
	FindDrift(ctx context.Context) ([]domain.BalanceDrift, error)
}

// Reconciler compares cached balances against ledger sums and alerts on any
// drift. It never mutates balances; a drift means a bug or manual tampering
// and needs an operator.
type Reconciler struct {
	ledger   DriftFinder
	audit    domain.AuditStore
	locks    domain.LockManager
	notifier *notify.Notifier
	logger   *slog.Logger
}

// NewReconciler creates a Reconciler. notifier may be nil.
func NewReconciler(
	ledger DriftFinder,
	audit domain.AuditStore,
	locks domain.LockManager,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		ledger:   ledger,
		audit:    audit,
		locks:    locks,
		notifier: notifier,
		logger:   logger,
	}
}

// Run executes a single reconciliation pass under the reconcile lock.
func (r *Reconciler) Run(ctx context.Context) error {
	unlock, err := r.locks.Acquire(ctx, "sweep:reconcile", 5*time.Minute)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			r.logger.DebugContext(ctx, "scheduler: reconcile lock held elsewhere, skipping pass")
			return nil
		}
		return fmt.Errorf("scheduler: acquire reconcile lock: %w", err)
	}
	defer unlock()

	drifts, err := r.ledger.FindDrift(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: find balance drift: %w", err)
	}
	if len(drifts) == 0 {
		r.logger.DebugContext(ctx, "scheduler: reconciliation clean")
		return nil
	}

	for _, d := range drifts {
		r.logger.ErrorContext(ctx, "scheduler: balance drift detected",
			slog.String("user_id", d.UserID),
			slog.Int64("balance_micros", d.BalanceMicros),
			slog.Int64("ledger_sum_micros", d.LedgerSumMicros),
			slog.Int64("delta_micros", d.Delta()),
		)
		if err := r.audit.Log(ctx, "ledger.drift", map[string]any{
			"user_id":           d.UserID,
			"balance_micros":    d.BalanceMicros,
			"ledger_sum_micros": d.LedgerSumMicros,
			"delta_micros":      d.Delta(),
		}); err != nil {
			r.logger.WarnContext(ctx, "scheduler: audit log failed", slog.String("error", err.Error()))
		}
	}

	if r.notifier != nil {
		msg := fmt.Sprintf("%d user balance(s) disagree with the ledger; first: user %s delta %d micros",
			len(drifts), drifts[0].UserID, drifts[0].Delta())
		if err := r.notifier.Notify(ctx, "reconciliation", "Ledger drift detected", msg); err != nil {
			r.logger.WarnContext(ctx, "scheduler: drift alert failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// RunLoop runs reconciliation passes on a repeating interval until the
// context is cancelled.
func (r *Reconciler) RunLoop(ctx context.Context, interval time.Duration) error {
	if err := r.Run(ctx); err != nil {
		r.logger.ErrorContext(ctx, "scheduler: reconciliation failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "scheduler: reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := r.Run(ctx); err != nil {
				r.logger.ErrorContext(ctx, "scheduler: reconciliation failed", slog.String("error", err.Error()))
			}
		}
	}
}
