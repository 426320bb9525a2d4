package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bondfi/bondledger/internal/bank"
	s3blob "github.com/bondfi/bondledger/internal/blob/s3"
	"github.com/bondfi/bondledger/internal/cache/redis"
	"github.com/bondfi/bondledger/internal/config"
	"github.com/bondfi/bondledger/internal/coupon"
	"github.com/bondfi/bondledger/internal/domain"
	"github.com/bondfi/bondledger/internal/engine"
	"github.com/bondfi/bondledger/internal/ledger"
	"github.com/bondfi/bondledger/internal/market"
	"github.com/bondfi/bondledger/internal/notify"
	"github.com/bondfi/bondledger/internal/service"
	"github.com/bondfi/bondledger/internal/store/postgres"
)

// Dependencies bundles everything the application modes need to operate. It
// is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	EventStore domain.EventStore
	OrderStore domain.OrderStore
	TradeStore domain.TradeStore

	// Caches
	QuoteCache  domain.QuoteCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage (only wired when archival is enabled)
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Core components. These are the authoritative in-memory state; the
	// Postgres rows and Redis quotes are mirrors written after commit.
	Guard     *engine.Guard
	Vault     *bank.Vault
	Ledgers   *ledger.Registry
	Market    *market.Marketplace
	Scheduler *coupon.Scheduler

	// Services
	Emitter   *service.Emitter
	LedgerSvc *service.LedgerService
	MarketSvc *service.MarketService
	CouponSvc *service.CouponService

	// Health probes, keyed into /api/health by the serve modes.
	PostgresPing func(context.Context) error
	RedisPing    func(context.Context) error
	S3Ping       func(context.Context) error

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL (audit journal and order/trade mirrors) ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.EventStore = postgres.NewEventStore(pool)
	deps.OrderStore = postgres.NewOrderStore(pool)
	deps.TradeStore = postgres.NewTradeStore(pool)
	deps.PostgresPing = pgClient.Ping

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

	deps.QuoteCache = redis.NewQuoteCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.RedisPing = redisClient.Ping

	// --- S3 blob storage (only when archival is enabled) ---
	if cfg.Archive.Enabled {
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

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(
			deps.BlobWriter,
			deps.EventStore,
			deps.OrderStore,
			deps.TradeStore,
		)
		deps.S3Ping = s3Client.Health
	}

	// --- Core components ---
	operator := cfg.Operator()
	guard := &engine.Guard{}
	vault := bank.NewVault()
	ledgers := ledger.NewRegistry(guard, engine.SystemClock, vault)
	marketplace := market.New(guard, engine.SystemClock, vault, ledgers, operator)
	scheduler := coupon.New(guard, engine.SystemClock, vault, ledgers, operator)

	// Maturity payouts consult the scheduler's claim records; wired here to
	// avoid a package cycle between ledger and coupon.
	ledgers.SetCouponBook(scheduler)

	if cfg.Market.FeeRateBps > 0 {
		if err := marketplace.SetFeeRate(operator, cfg.Market.FeeRateBps); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: set fee rate: %w", err)
		}
	}
	if cfg.Market.FeeCollector != "" {
		collector := common.HexToAddress(cfg.Market.FeeCollector)
		if err := marketplace.SetFeeCollector(operator, collector); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: set fee collector: %w", err)
		}
	}

	deps.Guard = guard
	deps.Vault = vault
	deps.Ledgers = ledgers
	deps.Market = marketplace
	deps.Scheduler = scheduler

	// Outbound payouts are surfaced on the "payouts" pub/sub channel for
	// observers. The hook runs after the payout has committed, so a failed
	// publish only costs the notification.
	bus := deps.SignalBus
	vault.SetPayoutNotifier(func(to common.Address, ticks int64) {
		payload, err := json.Marshal(map[string]any{
			"to":           to.Hex(),
			"amount_ticks": ticks,
		})
		if err != nil {
			return
		}
		if err := bus.Publish(context.Background(), "payouts", payload); err != nil {
			logger.Warn("wire: payout publish failed", slog.String("error", err.Error()))
		}
	})

	// --- Services ---
	deps.Emitter = service.NewEmitter(deps.EventStore, deps.SignalBus, logger)
	deps.LedgerSvc = service.NewLedgerService(ledgers, vault, deps.Emitter, logger)
	deps.MarketSvc = service.NewMarketService(marketplace, deps.OrderStore, deps.TradeStore, deps.QuoteCache, deps.Emitter, logger)
	deps.CouponSvc = service.NewCouponService(scheduler, deps.Emitter, logger)

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

	return deps, cleanup, nil
}
