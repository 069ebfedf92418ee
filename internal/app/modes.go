package app

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/flashguard/internal/crypto"
	"github.com/alanyoungcy/flashguard/internal/pipeline"
	"github.com/alanyoungcy/flashguard/internal/server"
	"github.com/alanyoungcy/flashguard/internal/server/handler"
	"github.com/alanyoungcy/flashguard/internal/server/ws"
	"github.com/alanyoungcy/flashguard/internal/service"
)

const shutdownTimeout = 10 * time.Second

// FullMode runs every component: mempool monitoring, liquidity tracking, the
// opportunity scanner, protected execution, archiving and the API.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	c, err := a.buildCore(ctx, deps, true)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.Archive.Enabled {
		if err := a.startArchiver(ctx, g, deps); err != nil {
			return err
		}
	}
	a.runCore(ctx, g, c)

	if c.scanner != nil {
		g.Go(func() error {
			return c.scanner.Run(ctx, c.arb.Dedup().Cleanup)
		})
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c)
	}
	return wait(g)
}

// ServerMode serves protection requests over the API. No mempool feed or
// scanner is started; the monitor still sweeps so threat levels decay.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	c, err := a.buildCore(ctx, deps, true)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.runCore(ctx, g, c)
	a.startHTTPServer(ctx, g, deps, c)
	return wait(g)
}

// MonitorMode watches the mempool and liquidity without a wallet. Patterns,
// threat level and routes are exposed through the API.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	c, err := a.buildCore(ctx, deps, false)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.runCore(ctx, g, c)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c)
	}
	return wait(g)
}

// ArchiveMode moves old executions and opportunities to S3 on the configured
// cron schedule.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode",
		slog.String("cron", a.cfg.Archive.Cron),
	)

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startArchiver(ctx, g, deps); err != nil {
		return err
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, nil)
	}
	return wait(g)
}

// runCore starts the long-running read-side loops.
func (a *App) runCore(ctx context.Context, g *errgroup.Group, c *core) {
	g.Go(func() error {
		return c.monitor.Run(ctx)
	})
	g.Go(func() error {
		return c.tracker.Run(ctx)
	})
	if c.feed != nil {
		g.Go(func() error {
			return c.feed.Run(ctx)
		})
	}
}

func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	if deps.Archiver == nil {
		return errors.New("app: archiver requires postgres and s3")
	}
	archiver := pipeline.NewArchiver(
		deps.Archiver,
		deps.AuditStore,
		days(a.cfg.Archive.RetentionDays),
		days(a.cfg.Archive.AuditRetentionDays),
		a.logger,
	)
	g.Go(func() error {
		return archiver.RunCron(ctx, a.cfg.Archive.Cron)
	})
	return nil
}

// startHTTPServer registers the handlers the running components support and
// serves them until ctx is cancelled. c is nil in archive mode.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core) {
	checks := maps.Clone(deps.HealthChecks)
	h := server.Handlers{
		Metrics: deps.Metrics.Handler(),
	}

	var src handler.StatusSources
	if c != nil {
		checks["chain"] = func(ctx context.Context) error {
			_, err := c.backend.BlockNumber(ctx)
			return err
		}
		src.Mode = c.mode
		src.Threat = c.monitor
		src.Patterns = c.monitor
		if c.feed != nil {
			src.Feed = c.feed
		}

		var latest handler.LatestRoutes
		if c.scanner != nil {
			latest = c.scanner
		}
		h.Routes = handler.NewRoutesHandler(c.evaluator, latest, a.cfg.Chain.ChainID, a.logger)
		h.Competitors = handler.NewCompetitorsHandler(c.monitor)
		h.Liquidity = handler.NewLiquidityHandler(c.tracker)
		h.Mode = handler.NewModeHandler(c.mode, a.logger)

		if c.coordinator != nil {
			src.Active = c.coordinator
			h.Protect = handler.NewProtectHandler(
				ctx,
				c.coordinator,
				deps.ExecutionStore,
				c.commitFee,
				a.cfg.Protection.MaxBlocksToWait,
				a.logger,
			)
		}
	}
	h.Health = handler.NewHealthHandler(checks, a.logger)
	h.Status = handler.NewStatusHandler(a.cfg.Mode, a.startedAt, src)
	if deps.ExecutionStore != nil {
		h.History = handler.NewHistoryHandler(deps.ExecutionStore, deps.OpportunityStore, deps.AuditStore, a.logger)
	}

	hub := ws.NewHub(deps.SignalBus, ws.Config{
		Channel: service.EventsChannel,
		Stream:  service.EventsStream,
	}, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	cfg := server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		Limiter:     deps.RateLimiter,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
		Verbose:     a.cfg.LogLevel == "debug",
	}
	if a.cfg.Server.HMACSecret != "" {
		cfg.Signer = crypto.NewRequestSigner(a.cfg.Server.HMACSecret, a.cfg.Server.SignatureSkew.Duration)
	}
	srv := server.NewServer(cfg, h, hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if h.Protect != nil {
			// Background protections cancel their commitments before returning.
			h.Protect.Wait()
		}
		return err
	})
}

// wait blocks on g and treats cancellation as a clean stop.
func wait(g *errgroup.Group) error {
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
