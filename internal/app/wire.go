package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/openpredict/marketd/internal/blob/s3"
	"github.com/openpredict/marketd/internal/cache/redis"
	"github.com/openpredict/marketd/internal/config"
	"github.com/openpredict/marketd/internal/domain"
	"github.com/openpredict/marketd/internal/notify"
	"github.com/openpredict/marketd/internal/service"
	"github.com/openpredict/marketd/internal/store/postgres"
)

// Dependencies bundles everything the application modes need to operate. It
// is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	MarketStore     domain.MarketStore
	OrderStore      domain.OrderStore
	PositionStore   domain.PositionStore
	LedgerStore     domain.LedgerStore
	ResolutionStore domain.ResolutionStore
	DisputeStore    domain.DisputeStore
	AuditStore      domain.AuditStore
	SettlementStore domain.SettlementStore

	// Caches and coordination
	PriceCache  domain.PriceCache
	MarketCache domain.MarketCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	Archiver domain.Archiver

	// Notifications
	Notifier *notify.Notifier

	// Services
	Orders     *service.OrderService
	Triggers   *service.TriggerService
	Settlement *service.SettlementService
	Disputes   *service.DisputeService
	Portfolio  *service.PortfolioService
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that must
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.MarketStore = postgres.NewMarketStore(pool)
	deps.OrderStore = postgres.NewOrderStore(pool)
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.LedgerStore = postgres.NewLedgerStore(pool)
	deps.ResolutionStore = postgres.NewResolutionStore(pool)
	deps.DisputeStore = postgres.NewDisputeStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)
	deps.SettlementStore = postgres.NewSettlementStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.MarketCache = redis.NewMarketCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- S3 settlement archive (optional) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archiver = s3blob.NewSettlementArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.MarketStore,
			deps.OrderStore,
			deps.LedgerStore,
			deps.ResolutionStore,
			deps.AuditStore,
		)
	}

	// --- Services ---
	deps.Orders = service.NewOrderService(
		deps.OrderStore,
		deps.SettlementStore,
		deps.PriceCache,
		deps.RateLimiter,
		deps.SignalBus,
		deps.AuditStore,
		cfg.Limits.OrdersPerSecond,
		logger,
	)
	deps.Triggers = service.NewTriggerService(
		deps.OrderStore,
		deps.SettlementStore,
		deps.PriceCache,
		deps.SignalBus,
		logger,
	)
	deps.Settlement = service.NewSettlementService(
		deps.MarketStore,
		deps.PositionStore,
		deps.ResolutionStore,
		deps.SettlementStore,
		deps.MarketCache,
		deps.SignalBus,
		deps.AuditStore,
		deps.Notifier,
		deps.Archiver,
		cfg.Settlement.SettlementValueMicros,
		logger,
	)
	deps.Disputes = service.NewDisputeService(
		deps.DisputeStore,
		deps.MarketStore,
		deps.Settlement,
		deps.SignalBus,
		deps.AuditStore,
		deps.Notifier,
		logger,
	)
	deps.Portfolio = service.NewPortfolioService(
		deps.LedgerStore,
		deps.PositionStore,
		deps.OrderStore,
		logger,
	)

	return deps, cleanup, nil
}
