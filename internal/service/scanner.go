package service

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

// Pair is a configured same-chain trade to probe on every scan.
type Pair struct {
	ChainID     uint64
	SourceToken common.Address
	TargetToken common.Address
	AmountIn    *big.Int
	VenueA      domain.Venue
	VenueB      domain.Venue
	// GasCost is the expected gas spend expressed in SourceToken units.
	GasCost *big.Int
}

// RouteQuery is a configured cross-chain search.
type RouteQuery struct {
	ChainID     uint64
	SourceToken common.Address
	Amount      *big.Int
	MaxHops     int
}

// RouteFinder searches cross-chain routes.
type RouteFinder interface {
	FindArbitrageRoutes(ctx context.Context, chainID uint64, sourceToken common.Address, amount *big.Int, maxHops int) ([]domain.Route, error)
}

// Executor consumes opportunities.
type Executor interface {
	Execute(ctx context.Context, opp domain.Opportunity) (domain.Execution, error)
}

// ScannerConfig controls the scan loop.
type ScannerConfig struct {
	Pairs       []Pair
	Routes      []RouteQuery
	Interval    time.Duration
	Concurrency int
	KeepRoutes  int
}

// Scanner turns configured pairs into opportunities on a fixed interval and
// keeps the latest cross-chain routes for the API.
type Scanner struct {
	cfg    ScannerConfig
	exec   Executor
	routes RouteFinder
	logger *slog.Logger

	mu     sync.RWMutex
	latest []domain.Route
}

// NewScanner creates a Scanner. routes may be nil.
func NewScanner(cfg ScannerConfig, exec Executor, routes RouteFinder, logger *slog.Logger) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = 12 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.KeepRoutes <= 0 {
		cfg.KeepRoutes = 20
	}
	return &Scanner{
		cfg:    cfg,
		exec:   exec,
		routes: routes,
		logger: logger.With(slog.String("component", "scanner")),
	}
}

// Run scans until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context, cleanup func()) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "scanner started",
		slog.Int("pairs", len(s.cfg.Pairs)),
		slog.Int("route_queries", len(s.cfg.Routes)),
		slog.Duration("interval", s.cfg.Interval),
	)
	for {
		s.Scan(ctx)
		if cleanup != nil {
			cleanup()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Scan runs one pass over every pair and route query.
func (s *Scanner) Scan(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	now := time.Now().UTC()

	for _, p := range s.cfg.Pairs {
		opp := domain.Opportunity{
			ID:               uuid.New().String(),
			ChainID:          p.ChainID,
			SourceToken:      p.SourceToken,
			TargetToken:      p.TargetToken,
			AmountIn:         p.AmountIn,
			VenueA:           p.VenueA,
			VenueB:           p.VenueB,
			EstimatedGasCost: p.GasCost,
			DetectedAt:       now,
		}
		g.Go(func() error {
			_, err := s.exec.Execute(ctx, opp)
			switch {
			case err == nil:
			case domain.IsEconomicRejection(err), errors.Is(err, context.Canceled):
				s.logger.DebugContext(ctx, "pair skipped",
					slog.String("venue_a", opp.VenueA.Name),
					slog.String("venue_b", opp.VenueB.Name),
					slog.String("error", err.Error()),
				)
			default:
				s.logger.WarnContext(ctx, "pair execution failed",
					slog.String("opportunity", opp.ID),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	if s.routes == nil || len(s.cfg.Routes) == 0 {
		return
	}
	var all []domain.Route
	for _, q := range s.cfg.Routes {
		found, err := s.routes.FindArbitrageRoutes(ctx, q.ChainID, q.SourceToken, q.Amount, q.MaxHops)
		if err != nil {
			s.logger.WarnContext(ctx, "route search failed",
				slog.Uint64("chain", q.ChainID),
				slog.String("token", q.SourceToken.Hex()),
				slog.String("error", err.Error()),
			)
			continue
		}
		all = append(all, found...)
	}
	sortRoutes(all)
	if len(all) > s.cfg.KeepRoutes {
		all = all[:s.cfg.KeepRoutes]
	}
	s.mu.Lock()
	s.latest = all
	s.mu.Unlock()
}

// Routes returns the routes found by the last scan, best first.
func (s *Scanner) Routes() []domain.Route {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Route, len(s.latest))
	copy(out, s.latest)
	return out
}

func sortRoutes(routes []domain.Route) {
	sort.SliceStable(routes, func(i, j int) bool {
		return routes[i].EstimatedProfit.GreaterThan(routes[j].EstimatedProfit)
	})
}
