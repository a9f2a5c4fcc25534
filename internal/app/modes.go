package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openpredict/marketd/internal/feed"
	"github.com/openpredict/marketd/internal/scheduler"
	"github.com/openpredict/marketd/internal/server"
	"github.com/openpredict/marketd/internal/server/handler"
	"github.com/openpredict/marketd/internal/server/ws"
)

// ServeMode runs the full engine in one process: HTTP API, WebSocket hub,
// matcher feed consumer and the background scheduler.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	a.startAPI(ctx, g, deps)
	a.startLoops(ctx, g, deps)

	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("app: serve mode: %w", err)
	}
	return nil
}

// APIMode runs only the HTTP API and WebSocket hub. A separate sweep
// instance runs the background loops.
func (a *App) APIMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	a.startAPI(ctx, g, deps)

	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("app: api mode: %w", err)
	}
	return nil
}

// SweepMode runs only the background loops: matcher feed consumer and the
// scheduler.
func (a *App) SweepMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	a.startLoops(ctx, g, deps)

	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("app: sweep mode: %w", err)
	}
	return nil
}

// startAPI registers the HTTP server and WebSocket hub goroutines.
func (a *App) startAPI(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.SignalBus, a.logger)

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(a.logger),
		Markets:   handler.NewMarketHandler(deps.Settlement, a.logger),
		Orders:    handler.NewOrderHandler(deps.Orders, deps.OrderStore, a.logger),
		Portfolio: handler.NewPortfolioHandler(deps.Portfolio, a.logger),
		Disputes:  handler.NewDisputeHandler(deps.Disputes, a.logger),
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		AdminAPIKey: a.cfg.Server.AdminAPIKey,
		RateLimit:   a.cfg.Limits.RequestsPerSecond,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		err := hub.Run(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("ws hub: %w", err)
	})

	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("server shutdown failed", slog.String("error", err.Error()))
			}
			return nil
		case err := <-errCh:
			return fmt.Errorf("http server: %w", err)
		}
	})
}

// startLoops registers the matcher feed consumer and scheduler goroutines.
func (a *App) startLoops(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	matcherFeed := feed.NewMatcherFeed(deps.SignalBus, deps.Orders, deps.Triggers, a.logger)
	g.Go(func() error {
		err := matcherFeed.Run(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("matcher feed: %w", err)
	})

	if !a.cfg.Scheduler.Enabled {
		a.logger.Info("scheduler disabled by configuration")
		return
	}

	sweeper := scheduler.NewSweeper(deps.MarketStore, deps.Orders, deps.Settlement, deps.LockManager, a.logger)
	resolver := scheduler.NewResolver(deps.MarketStore, deps.Settlement, deps.LockManager, a.logger)
	reconciler := scheduler.NewReconciler(deps.LedgerStore, deps.AuditStore, deps.LockManager, deps.Notifier, a.logger)
	orch := scheduler.NewOrchestrator(
		sweeper,
		resolver,
		reconciler,
		a.cfg.Scheduler.SweepInterval.Duration,
		a.cfg.Scheduler.ReconcileInterval.Duration,
		a.logger,
	)

	g.Go(func() error {
		err := orch.Run(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("scheduler: %w", err)
	})
}
