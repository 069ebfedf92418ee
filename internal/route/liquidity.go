package route

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/flashguard/internal/domain"
	"github.com/alanyoungcy/flashguard/internal/metrics"
)

// DepthSource reads the current liquidity of a pool.
type DepthSource interface {
	Snapshot(ctx context.Context, ref domain.PoolRef) (domain.LiquiditySnapshot, error)
}

// TrackerConfig controls liquidity polling and the safety check.
type TrackerConfig struct {
	Pools           []domain.PoolRef
	PollInterval    time.Duration
	Window          time.Duration
	SwingThreshold  float64
	DepthMultiplier int64
	Concurrency     int
}

// DefaultTrackerConfig returns the standard 15s poll over a one-hour window.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		PollInterval:    15 * time.Second,
		Window:          time.Hour,
		SwingThreshold:  0.10,
		DepthMultiplier: 10,
		Concurrency:     8,
	}
}

// Tracker keeps a rolling window of snapshots per pool.
type Tracker struct {
	cfg       TrackerConfig
	source    DepthSource
	publisher domain.EventPublisher
	metrics   *metrics.Collector
	logger    *slog.Logger

	mu      sync.RWMutex
	windows map[common.Address][]domain.LiquiditySnapshot
	now     func() time.Time
}

// NewTracker creates a Tracker. source may be nil when snapshots are only
// fed through Record.
func NewTracker(cfg TrackerConfig, source DepthSource, publisher domain.EventPublisher, m *metrics.Collector, logger *slog.Logger) *Tracker {
	def := DefaultTrackerConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.SwingThreshold <= 0 {
		cfg.SwingThreshold = def.SwingThreshold
	}
	if cfg.DepthMultiplier <= 0 {
		cfg.DepthMultiplier = def.DepthMultiplier
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	return &Tracker{
		cfg:       cfg,
		source:    source,
		publisher: publisher,
		metrics:   m,
		logger:    logger.With(slog.String("component", "liquidity_tracker")),
		windows:   make(map[common.Address][]domain.LiquiditySnapshot),
		now:       time.Now,
	}
}

// Record appends snap to its pool's window, drops snapshots older than the
// window and reports whether it differs from the previous one by more than
// the swing threshold.
func (t *Tracker) Record(ctx context.Context, snap domain.LiquiditySnapshot) bool {
	t.mu.Lock()
	win := t.windows[snap.Pool]
	var prev *big.Int
	if n := len(win); n > 0 {
		prev = win[n-1].Liquidity
	}
	t.windows[snap.Pool] = pruneBefore(append(win, snap), snap.Timestamp.Add(-t.cfg.Window))
	t.mu.Unlock()

	change, ok := relativeChange(prev, snap.Liquidity)
	if !ok || change <= t.cfg.SwingThreshold {
		return false
	}

	t.metrics.LiquiditySwing()
	t.logger.WarnContext(ctx, "liquidity swing",
		slog.String("pool", snap.Pool.Hex()),
		slog.String("venue", snap.Venue),
		slog.String("previous", prev.String()),
		slog.String("current", snap.Liquidity.String()),
		slog.Float64("change", change),
	)
	if t.publisher != nil {
		evt := domain.NewEvent(domain.EventLiquiditySwing, "", map[string]any{
			"pool":     snap.Pool.Hex(),
			"venue":    snap.Venue,
			"previous": prev.String(),
			"current":  snap.Liquidity.String(),
			"change":   change,
		})
		if err := t.publisher.Publish(ctx, evt); err != nil {
			t.logger.WarnContext(ctx, "publish liquidity swing failed", slog.String("error", err.Error()))
		}
	}
	return true
}

// pruneBefore drops the leading snapshots older than cutoff.
func pruneBefore(win []domain.LiquiditySnapshot, cutoff time.Time) []domain.LiquiditySnapshot {
	drop := 0
	for drop < len(win) && win[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if drop == 0 {
		return win
	}
	return append(win[:0], win[drop:]...)
}

// Prune drops snapshots older than the window from every pool, including
// pools that stopped reporting. Pools left empty are forgotten.
func (t *Tracker) Prune() {
	cutoff := t.now().Add(-t.cfg.Window)
	t.mu.Lock()
	defer t.mu.Unlock()
	for pool, win := range t.windows {
		win = pruneBefore(win, cutoff)
		if len(win) == 0 {
			delete(t.windows, pool)
			continue
		}
		t.windows[pool] = win
	}
}

func relativeChange(prev, cur *big.Int) (float64, bool) {
	if prev == nil || cur == nil || prev.Sign() == 0 {
		return 0, false
	}
	p := decimal.NewFromBigInt(prev, 0)
	diff := decimal.NewFromBigInt(cur, 0).Sub(p).Abs()
	f, _ := diff.Div(p).Float64()
	return f, true
}

// Depth sums the latest liquidity of every pool tracked for token. A pool
// whose latest snapshot is older than the window does not count.
func (t *Tracker) Depth(token common.Address) *big.Int {
	cutoff := t.now().Add(-t.cfg.Window)
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := new(big.Int)
	for _, win := range t.windows {
		if len(win) == 0 {
			continue
		}
		last := win[len(win)-1]
		if last.Timestamp.Before(cutoff) {
			continue
		}
		if last.Token == token && last.Liquidity != nil {
			total.Add(total, last.Liquidity)
		}
	}
	return total
}

// IsLiquidityAdequate reports whether tracked depth for token is at least
// DepthMultiplier times amount. A missing or non-positive amount is never
// adequate.
func (t *Tracker) IsLiquidityAdequate(token common.Address, amount *big.Int) bool {
	if amount == nil || amount.Sign() <= 0 {
		return false
	}
	need := new(big.Int).Mul(amount, big.NewInt(t.cfg.DepthMultiplier))
	return t.Depth(token).Cmp(need) >= 0
}

// Snapshots returns a copy of pool's current window, oldest first.
func (t *Tracker) Snapshots(pool common.Address) []domain.LiquiditySnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	win := t.windows[pool]
	out := make([]domain.LiquiditySnapshot, len(win))
	copy(out, win)
	return out
}

// Poll snapshots every configured pool concurrently and then prunes stale
// windows. Failures for one pool do not stop the others; the first error is
// returned after all finish.
func (t *Tracker) Poll(ctx context.Context) error {
	if t.source == nil {
		return nil
	}
	var g errgroup.Group
	g.SetLimit(t.cfg.Concurrency)
	for _, ref := range t.cfg.Pools {
		g.Go(func() error {
			snap, err := t.source.Snapshot(ctx, ref)
			if err != nil {
				return fmt.Errorf("route: snapshot %s: %w", ref.Pool.Hex(), err)
			}
			if snap.Timestamp.IsZero() {
				snap.Timestamp = t.now()
			}
			t.Record(ctx, snap)
			return nil
		})
	}
	err := g.Wait()
	t.Prune()
	return err
}

// Run polls immediately and then on every tick until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	t.logger.InfoContext(ctx, "liquidity tracker started",
		slog.Int("pools", len(t.cfg.Pools)),
		slog.Duration("interval", t.cfg.PollInterval),
	)
	for {
		if err := t.Poll(ctx); err != nil && ctx.Err() == nil {
			t.logger.WarnContext(ctx, "liquidity poll failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
