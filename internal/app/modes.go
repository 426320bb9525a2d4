package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bondfi/bondledger/internal/coupon"
	"github.com/bondfi/bondledger/internal/domain"
	"github.com/bondfi/bondledger/internal/server"
	"github.com/bondfi/bondledger/internal/server/handler"
	"github.com/bondfi/bondledger/internal/server/ws"
)

// archiveLockTTL bounds how long a crashed archive run can block the next one.
const archiveLockTTL = time.Hour

// ServeMode runs the HTTP/WebSocket API without any background workers.
// Coupon disbursement in this mode happens only through explicit API calls.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)

	// The HTTP server is always started in serve mode.
	a.startHTTPServer(ctx, g, deps)

	return g.Wait()
}

// DistributeMode runs the background workers without the API: the periodic
// coupon distributor and, when enabled, the cold-storage archive loop.
func (a *App) DistributeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting distribute mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startDistributor(ctx, g, deps)
	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		a.startArchiveLoop(ctx, g, deps)
	}

	return g.Wait()
}

// FullMode starts all subsystems: the API server, the coupon distributor,
// and the archive loop.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startDistributor(ctx, g, deps)
	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		a.startArchiveLoop(ctx, g, deps)
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}

	return g.Wait()
}

// pingerFunc adapts a bare connectivity check to the handler.Pinger interface.
type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// given errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	pings := map[string]handler.Pinger{
		"postgres": pingerFunc(deps.PostgresPing),
		"redis":    pingerFunc(deps.RedisPing),
	}
	if deps.S3Ping != nil {
		pings["s3"] = pingerFunc(deps.S3Ping)
	}

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(pings, a.logger),
		Ledger:  handler.NewLedgerHandler(deps.LedgerSvc, a.logger),
		Market:  handler.NewMarketHandler(deps.MarketSvc, a.logger),
		Coupons: handler.NewCouponHandler(deps.CouponSvc, a.logger),
		Events:  handler.NewEventsHandler(deps.EventStore, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)),
		)
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// startDistributor adds the periodic coupon distribution worker to the given
// errgroup. Each tick disburses every batch whose date has arrived; the
// per-holder claim records make overlapping or repeated runs harmless.
func (a *App) startDistributor(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	dist := coupon.NewDistributor(deps.Scheduler, deps.Ledgers, deps.LockManager, a.logger)

	interval := a.cfg.Coupon.DistributeInterval.Duration
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	g.Go(func() error {
		a.logger.InfoContext(ctx, "distribution worker started",
			slog.Duration("interval", interval),
		)

		runOnce := func(now time.Time) {
			if err := dist.DistributeDue(ctx, now); err != nil {
				if ctx.Err() != nil {
					return
				}
				a.logger.ErrorContext(ctx, "distribution run failed",
					slog.String("error", err.Error()),
				)
				_ = deps.Notifier.Notify(ctx, "coupon.distribute_failed",
					"Coupon distribution failed", err.Error())
			}
		}

		runOnce(time.Now().UTC())
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case now := <-ticker.C:
				runOnce(now.UTC())
			}
		}
	})
}

// startArchiveLoop adds the periodic cold-storage archival worker to the
// given errgroup. Each cycle uploads aged events, orders, and trades to S3
// and then prunes events whose archive upload succeeded. Orders and trades
// stay in the primary store; only the append-only journal is pruned.
func (a *App) startArchiveLoop(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	interval := a.cfg.Archive.Interval.Duration
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour

	g.Go(func() error {
		a.logger.InfoContext(ctx, "archive worker started",
			slog.Duration("interval", interval),
			slog.Int("retention_days", a.cfg.Archive.RetentionDays),
		)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case now := <-ticker.C:
				a.runArchiveCycle(ctx, deps, now.UTC().Add(-retention))
			}
		}
	})
}

// runArchiveCycle uploads all records older than the cutoff and prunes the
// event journal afterwards. A distributed lock keeps concurrent instances
// from uploading the same window twice.
func (a *App) runArchiveCycle(ctx context.Context, deps *Dependencies, cutoff time.Time) {
	if deps.LockManager != nil {
		unlock, err := deps.LockManager.Acquire(ctx, "archive:run", archiveLockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				a.logger.InfoContext(ctx, "archive cycle already running elsewhere")
				return
			}
			a.logger.ErrorContext(ctx, "archive lock failed", slog.String("error", err.Error()))
			return
		}
		defer unlock()
	}

	events, err := deps.Archiver.ArchiveEvents(ctx, cutoff)
	if err != nil {
		a.archiveFailed(ctx, deps, "events", err)
		return
	}
	orders, err := deps.Archiver.ArchiveOrders(ctx, cutoff)
	if err != nil {
		a.archiveFailed(ctx, deps, "orders", err)
		return
	}
	trades, err := deps.Archiver.ArchiveTrades(ctx, cutoff)
	if err != nil {
		a.archiveFailed(ctx, deps, "trades", err)
		return
	}

	// Prune the journal only after its archive upload succeeded.
	var pruned int64
	if events > 0 {
		pruned, err = deps.EventStore.DeleteBefore(ctx, cutoff)
		if err != nil {
			a.logger.ErrorContext(ctx, "archive: event prune failed",
				slog.String("error", err.Error()),
			)
		}
	}

	a.logger.InfoContext(ctx, "archive cycle complete",
		slog.Time("cutoff", cutoff),
		slog.Int64("events", events),
		slog.Int64("orders", orders),
		slog.Int64("trades", trades),
		slog.Int64("events_pruned", pruned),
	)
	_ = deps.Notifier.Notify(ctx, "archive.completed", "Archive cycle complete",
		fmt.Sprintf("events=%d orders=%d trades=%d pruned=%d cutoff=%s",
			events, orders, trades, pruned, cutoff.Format(time.RFC3339)))
}

func (a *App) archiveFailed(ctx context.Context, deps *Dependencies, kind string, err error) {
	if ctx.Err() != nil {
		return
	}
	a.logger.ErrorContext(ctx, "archive cycle failed",
		slog.String("kind", kind),
		slog.String("error", err.Error()),
	)
	_ = deps.Notifier.Notify(ctx, "archive.failed",
		"Archive cycle failed", fmt.Sprintf("%s: %v", kind, err))
}
