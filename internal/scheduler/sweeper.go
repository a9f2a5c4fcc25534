// Package scheduler runs the engine's background loops: the market-expiry
// sweep, scheduled resolutions, GTD order expiry and ledger reconciliation.
// Each loop guards its pass with a distributed lock so only one instance
// performs it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openpredict/marketd/internal/domain"
)

const sweepBatchSize = 200

// MarketCloser force-closes a market, cancelling its live orders.
type MarketCloser interface {
	CloseMarket(ctx context.Context, marketID string) (domain.CloseResult, error)
}

// OrderExpirer expires due GTD orders and reports how many it expired.
type OrderExpirer interface {
	ExpireDue(ctx context.Context, now time.Time, limit int) (int, error)
}

// ExpiredLister lists open markets whose closing time has passed.
type ExpiredLister interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Market, error)
}

// Sweeper closes expired markets and expires stale GTD orders.
type Sweeper struct {
	markets   ExpiredLister
	orders    OrderExpirer
	lifecycle MarketCloser
	locks     domain.LockManager
	logger    *slog.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(
	markets ExpiredLister,
	orders OrderExpirer,
	lifecycle MarketCloser,
	locks domain.LockManager,
	logger *slog.Logger,
) *Sweeper {
	return &Sweeper{
		markets:   markets,
		orders:    orders,
		lifecycle: lifecycle,
		locks:     locks,
		logger:    logger,
	}
}

// Run executes a single sweep pass under the sweep lock. A pass that loses
// the lock to another instance is not an error.
func (s *Sweeper) Run(ctx context.Context) error {
	unlock, err := s.locks.Acquire(ctx, "sweep:markets", time.Minute)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			s.logger.DebugContext(ctx, "scheduler: sweep lock held elsewhere, skipping pass")
			return nil
		}
		return fmt.Errorf("scheduler: acquire sweep lock: %w", err)
	}
	defer unlock()

	now := time.Now().UTC()

	closed, err := s.closeExpired(ctx, now)
	if err != nil {
		return err
	}

	expired, err := s.orders.ExpireDue(ctx, now, sweepBatchSize)
	if err != nil {
		return fmt.Errorf("scheduler: expire orders: %w", err)
	}

	if closed > 0 || expired > 0 {
		s.logger.InfoContext(ctx, "scheduler: sweep pass complete",
			slog.Int("markets_closed", closed),
			slog.Int("orders_expired", expired),
		)
	}
	return nil
}

// closeExpired closes every open market past its closing time. One failing
// market does not stop the batch.
func (s *Sweeper) closeExpired(ctx context.Context, now time.Time) (int, error) {
	due, err := s.markets.ListExpired(ctx, now, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("scheduler: list expired markets: %w", err)
	}

	closed := 0
	for _, m := range due {
		res, err := s.lifecycle.CloseMarket(ctx, m.ID)
		if err != nil {
			s.logger.ErrorContext(ctx, "scheduler: close expired market failed",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if res.Skipped {
			continue
		}
		closed++
	}
	return closed, nil
}

// RunLoop runs sweep passes on a repeating interval until the context is
// cancelled. The first pass runs immediately.
func (s *Sweeper) RunLoop(ctx context.Context, interval time.Duration) error {
	if err := s.Run(ctx); err != nil {
		s.logger.ErrorContext(ctx, "scheduler: sweep pass failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "scheduler: sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Run(ctx); err != nil {
				s.logger.ErrorContext(ctx, "scheduler: sweep pass failed", slog.String("error", err.Error()))
			}
		}
	}
}
