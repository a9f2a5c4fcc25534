package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Orchestrator runs all scheduler loops as concurrent goroutines.
type Orchestrator struct {
	sweeper    *Sweeper
	resolver   *Resolver
	reconciler *Reconciler

	sweepInterval     time.Duration
	reconcileInterval time.Duration
	logger            *slog.Logger
}

// NewOrchestrator creates a scheduler Orchestrator.
func NewOrchestrator(
	sweeper *Sweeper,
	resolver *Resolver,
	reconciler *Reconciler,
	sweepInterval time.Duration,
	reconcileInterval time.Duration,
	logger *slog.Logger,
) *Orchestrator {
	if sweepInterval <= 0 {
		sweepInterval = 15 * time.Second
	}
	if reconcileInterval <= 0 {
		reconcileInterval = 10 * time.Minute
	}
	return &Orchestrator{
		sweeper:           sweeper,
		resolver:          resolver,
		reconciler:        reconciler,
		sweepInterval:     sweepInterval,
		reconcileInterval: reconcileInterval,
		logger:            logger,
	}
}

// Run starts all loops and blocks until the context is cancelled or a loop
// fails with a non-context error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("scheduler starting",
		slog.Duration("sweep_interval", o.sweepInterval),
		slog.Duration("reconcile_interval", o.reconcileInterval),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := o.sweeper.RunLoop(ctx, o.sweepInterval)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("sweeper: %w", err)
	})

	g.Go(func() error {
		err := o.resolver.RunLoop(ctx, o.sweepInterval)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("resolver: %w", err)
	})

	g.Go(func() error {
		err := o.reconciler.RunLoop(ctx, o.reconcileInterval)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("reconciler: %w", err)
	})

	err := g.Wait()
	if err != nil {
		o.logger.Error("scheduler stopped with error", slog.String("error", err.Error()))
		return err
	}

	o.logger.Info("scheduler stopped cleanly")
	return nil
}
