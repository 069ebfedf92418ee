package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/flashguard/internal/blob/s3"
	"github.com/alanyoungcy/flashguard/internal/cache/redis"
	"github.com/alanyoungcy/flashguard/internal/config"
	"github.com/alanyoungcy/flashguard/internal/domain"
	"github.com/alanyoungcy/flashguard/internal/metrics"
	"github.com/alanyoungcy/flashguard/internal/server/handler"
	"github.com/alanyoungcy/flashguard/internal/service"
	"github.com/alanyoungcy/flashguard/internal/store/postgres"
)

// Dependencies bundles the infrastructure every mode builds on. It is
// constructed by Wire and torn down by the returned cleanup function. Store
// and archiver fields stay nil in modes that do not connect to postgres or S3.
type Dependencies struct {
	// Stores
	ExecutionStore   domain.ExecutionStore
	OpportunityStore domain.OpportunityStore
	AuditStore       domain.AuditStore

	// Caches
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	Archiver domain.Archiver

	// Events fans every component event out to the bus and the audit log.
	Events  *service.EventSink
	Metrics *metrics.Collector

	// HealthChecks probe each connected backend.
	HealthChecks map[string]handler.CheckFunc
}

// needsPostgres returns true for modes that persist executions.
func needsPostgres(mode string) bool {
	switch mode {
	case "full", "server", "archive":
		return true
	default:
		return false
	}
}

// needsS3 returns true when object storage is required.
func needsS3(cfg *config.Config) bool {
	return cfg.Mode == "archive" || cfg.Archive.Enabled
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

	deps := &Dependencies{
		Metrics:      metrics.NewCollector(),
		HealthChecks: make(map[string]handler.CheckFunc),
	}

	// --- PostgreSQL (only for modes that need persistence) ---
	var executions *postgres.ExecutionStore
	var opportunities *postgres.OpportunityStore
	var audit *postgres.AuditStore
	if needsPostgres(cfg.Mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:             cfg.Postgres.DSN,
			Host:            cfg.Postgres.Host,
			Port:            cfg.Postgres.Port,
			Database:        cfg.Postgres.Database,
			User:            cfg.Postgres.User,
			Password:        cfg.Postgres.Password,
			SSLMode:         cfg.Postgres.SSLMode,
			MaxConns:        cfg.Postgres.PoolMaxConns,
			MinConns:        cfg.Postgres.PoolMinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime.Duration,
			ApplicationName: "flashguard-" + cfg.Mode,
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
		executions = postgres.NewExecutionStore(pool)
		opportunities = postgres.NewOpportunityStore(pool)
		audit = postgres.NewAuditStore(pool)
		deps.ExecutionStore = executions
		deps.OpportunityStore = opportunities
		deps.AuditStore = audit
		deps.HealthChecks["postgres"] = pgClient.Ping
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		KeyPrefix:  cfg.Redis.KeyPrefix,
		OpTimeout:  cfg.Redis.OpTimeout.Duration,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })
	deps.HealthChecks["redis"] = redisClient.Ping

	streamMaxLen := int64(100_000)
	if cfg.Redis.StreamMaxLen > 0 {
		streamMaxLen = cfg.Redis.StreamMaxLen
	}

	bus := redis.NewSignalBus(redisClient, streamMaxLen)
	deps.SignalBus = bus
	deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Route.PriceTTL.Duration)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient, 50*time.Millisecond)

	// Monitor observations and liquidity swings are high volume; they go to
	// the bus but not the audit log.
	deps.Events = service.NewEventSink(bus, deps.AuditStore, []domain.EventType{
		domain.EventCompetitorDetected,
		domain.EventLiquiditySwing,
	})

	// --- S3 blob storage (only when archiving) ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.HealthChecks["s3"] = s3Client.Health

		// The archiver needs the concrete stores for ListBefore/DeleteBefore.
		if executions != nil && opportunities != nil {
			deps.Archiver = s3blob.NewArchiver(
				s3blob.NewWriter(s3Client),
				executions,
				opportunities,
				audit,
			)
		}
	}

	logger.InfoContext(ctx, "dependencies wired",
		slog.Bool("postgres", deps.ExecutionStore != nil),
		slog.Bool("s3", deps.Archiver != nil),
	)
	return deps, cleanup, nil
}
