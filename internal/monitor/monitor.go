// Package monitor profiles pending-transaction senders and flags competitor
// activity. The pattern map is sharded so concurrent pipelines and the
// mempool feed never contend on a single lock.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flashguard/internal/domain"
	"github.com/alanyoungcy/flashguard/internal/metrics"
)

// Config holds the classifier and sweep parameters.
type Config struct {
	// HighFrequencyCount is the number of observations within FrequencyWindow
	// that must be exceeded for an address to count as high frequency.
	HighFrequencyCount int
	FrequencyWindow    time.Duration
	SpikeMultiplier    float64
	// EWMAWeight is the weight given to the existing average.
	EWMAWeight     float64
	KnownSelectors []domain.Selector

	StaleAfter    time.Duration
	SweepInterval time.Duration

	AnomalyTxCount   uint64
	AnomalyGasPrice  float64
	AnomalySelectors int

	ThreatWindow  time.Duration
	ElevatedAfter int
	HighAfter     int

	Shards     int
	EventQueue int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HighFrequencyCount: 10,
		FrequencyWindow:    time.Hour,
		SpikeMultiplier:    2,
		EWMAWeight:         0.7,
		StaleAfter:         24 * time.Hour,
		SweepInterval:      5 * time.Minute,
		AnomalyTxCount:     1000,
		AnomalyGasPrice:    500e9,
		AnomalySelectors:   50,
		ThreatWindow:       10 * time.Minute,
		ElevatedAfter:      1,
		HighAfter:          5,
		Shards:             64,
		EventQueue:         256,
	}
}

// maxDetections bounds the detection timeline used for threat levels.
const maxDetections = 1024

// Monitor is the shared competitor pattern store.
type Monitor struct {
	cfg    Config
	known  map[domain.Selector]struct{}
	shards []*shard

	detMu      sync.Mutex
	detections []time.Time

	events    chan domain.Event
	dropped   atomic.Uint64
	publisher domain.EventPublisher
	metrics   *metrics.Collector
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Monitor. publisher and m may be nil.
func New(cfg Config, publisher domain.EventPublisher, m *metrics.Collector, logger *slog.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.EventQueue <= 0 {
		cfg.EventQueue = def.EventQueue
	}
	if cfg.FrequencyWindow <= 0 {
		cfg.FrequencyWindow = def.FrequencyWindow
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.ThreatWindow <= 0 {
		cfg.ThreatWindow = def.ThreatWindow
	}
	if cfg.EWMAWeight <= 0 || cfg.EWMAWeight >= 1 {
		cfg.EWMAWeight = def.EWMAWeight
	}
	if cfg.SpikeMultiplier <= 0 {
		cfg.SpikeMultiplier = def.SpikeMultiplier
	}

	known := make(map[domain.Selector]struct{}, len(cfg.KnownSelectors))
	for _, s := range cfg.KnownSelectors {
		known[s] = struct{}{}
	}

	return &Monitor{
		cfg:       cfg,
		known:     known,
		shards:    newShards(cfg.Shards),
		events:    make(chan domain.Event, cfg.EventQueue),
		publisher: publisher,
		metrics:   m,
		logger:    logger.With(slog.String("component", "monitor")),
		now:       time.Now,
	}
}

// Observe updates the sender's pattern and reports whether the observation is
// competitor activity right now. It never blocks on event delivery.
func (m *Monitor) Observe(tx domain.PendingTx) bool {
	ts := tx.Timestamp
	if ts.IsZero() {
		ts = m.now()
	}
	gas := gasFloat(tx.GasPrice)

	s := m.shards[shardIndex(tx.Sender, len(m.shards))]
	s.mu.Lock()
	p, existed := s.patterns[tx.Sender]
	if !existed {
		p = newPattern()
		s.patterns[tx.Sender] = p
	}
	prevAvg := p.avgGas
	spike := existed && prevAvg > 0 && gas > m.cfg.SpikeMultiplier*prevAvg
	if existed {
		p.avgGas = m.cfg.EWMAWeight*prevAvg + (1-m.cfg.EWMAWeight)*gas
	} else {
		p.avgGas = gas
	}
	p.txCount++
	p.selectors[tx.Selector] = struct{}{}
	if ts.After(p.lastSeen) {
		p.lastSeen = ts
	}
	p.recordRecent(ts, m.cfg.FrequencyWindow, m.cfg.HighFrequencyCount)
	highFreq := len(p.recent) > m.cfg.HighFrequencyCount
	count := p.txCount
	s.mu.Unlock()

	_, known := m.known[tx.Selector]
	competitor := (highFreq && spike) || (highFreq && known) || (spike && known)

	m.metrics.ObservationRecorded(competitor)
	if competitor {
		m.recordDetection(ts)
		m.emit(domain.NewEvent(domain.EventCompetitorDetected, "", map[string]any{
			"address":   tx.Sender.Hex(),
			"tx_hash":   tx.Hash.Hex(),
			"gas_price": gas,
			"avg_gas":   prevAvg,
			"selector":  fmt.Sprintf("%x", tx.Selector[:]),
			"high_freq": highFreq,
			"spike":     spike,
			"known":     known,
			"tx_count":  count,
		}))
	}
	return competitor
}

// SweepResult summarises one sweep pass.
type SweepResult struct {
	Evicted   int
	Remaining int
	Anomalies []Anomaly
}

// Anomaly is an address exceeding an absolute threshold.
type Anomaly struct {
	Address common.Address
	Kind    domain.AnomalyKind
	Value   float64
}

// Sweep evicts patterns inactive for longer than StaleAfter and flags
// addresses above the absolute anomaly thresholds. Shards are locked one at
// a time so Observe calls on other shards proceed.
func (m *Monitor) Sweep(now time.Time) SweepResult {
	var res SweepResult
	cutoff := now.Add(-m.cfg.StaleAfter)

	for _, s := range m.shards {
		s.mu.Lock()
		for addr, p := range s.patterns {
			if p.lastSeen.Before(cutoff) {
				delete(s.patterns, addr)
				res.Evicted++
				continue
			}
			res.Anomalies = append(res.Anomalies, m.anomaliesFor(addr, p)...)
		}
		res.Remaining += len(s.patterns)
		s.mu.Unlock()
	}

	for _, a := range res.Anomalies {
		m.logger.Warn("competitor anomaly",
			slog.String("address", a.Address.Hex()),
			slog.String("kind", string(a.Kind)),
			slog.Float64("value", a.Value),
		)
		m.metrics.AnomalyFlagged(string(a.Kind))
		m.emit(domain.NewEvent(domain.EventCompetitorAnomaly, "", map[string]any{
			"address": a.Address.Hex(),
			"kind":    string(a.Kind),
			"value":   a.Value,
		}))
	}
	if res.Evicted > 0 {
		m.emit(domain.NewEvent(domain.EventPatternsEvicted, "", map[string]any{
			"evicted":   res.Evicted,
			"remaining": res.Remaining,
		}))
	}
	m.metrics.PatternsSwept(res.Remaining, res.Evicted)
	m.logger.Debug("sweep complete",
		slog.Int("evicted", res.Evicted),
		slog.Int("remaining", res.Remaining),
		slog.Int("anomalies", len(res.Anomalies)),
	)
	return res
}

func (m *Monitor) anomaliesFor(addr common.Address, p *pattern) []Anomaly {
	var out []Anomaly
	if m.cfg.AnomalyTxCount > 0 && p.txCount > m.cfg.AnomalyTxCount {
		out = append(out, Anomaly{Address: addr, Kind: domain.AnomalyTxCount, Value: float64(p.txCount)})
	}
	if m.cfg.AnomalyGasPrice > 0 && p.avgGas > m.cfg.AnomalyGasPrice {
		out = append(out, Anomaly{Address: addr, Kind: domain.AnomalyGasPrice, Value: p.avgGas})
	}
	if m.cfg.AnomalySelectors > 0 && len(p.selectors) > m.cfg.AnomalySelectors {
		out = append(out, Anomaly{Address: addr, Kind: domain.AnomalySelectorDiversity, Value: float64(len(p.selectors))})
	}
	return out
}

// Run sweeps on a fixed interval and forwards queued events to the publisher
// until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	m.logger.InfoContext(ctx, "competitor monitor started",
		slog.Duration("sweep_interval", m.cfg.SweepInterval),
		slog.Int("shards", len(m.shards)),
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("competitor monitor stopped",
				slog.Uint64("dropped_events", m.dropped.Load()),
			)
			return ctx.Err()
		case now := <-ticker.C:
			m.Sweep(now)
		case evt := <-m.events:
			m.publish(ctx, evt)
		}
	}
}

func (m *Monitor) publish(ctx context.Context, evt domain.Event) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, evt); err != nil {
		m.logger.WarnContext(ctx, "publish event failed",
			slog.String("event", string(evt.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Monitor) emit(evt domain.Event) {
	select {
	case m.events <- evt:
	default:
		m.dropped.Add(1)
	}
}

func (m *Monitor) recordDetection(ts time.Time) {
	m.detMu.Lock()
	defer m.detMu.Unlock()
	m.detections = append(m.detections, ts)
	if len(m.detections) > maxDetections {
		m.detections = append(m.detections[:0], m.detections[len(m.detections)-maxDetections:]...)
	}
}

// ThreatLevel classifies competitor detections within the threat window.
func (m *Monitor) ThreatLevel() domain.ThreatLevel {
	cutoff := m.now().Add(-m.cfg.ThreatWindow)

	m.detMu.Lock()
	drop := 0
	for drop < len(m.detections) && m.detections[drop].Before(cutoff) {
		drop++
	}
	if drop > 0 {
		m.detections = append(m.detections[:0], m.detections[drop:]...)
	}
	n := len(m.detections)
	m.detMu.Unlock()

	switch {
	case m.cfg.HighAfter > 0 && n >= m.cfg.HighAfter:
		return domain.ThreatHigh
	case m.cfg.ElevatedAfter > 0 && n >= m.cfg.ElevatedAfter:
		return domain.ThreatElevated
	default:
		return domain.ThreatLow
	}
}

// Pattern returns a copy of the pattern for addr.
func (m *Monitor) Pattern(addr common.Address) (domain.CompetitorPattern, bool) {
	s := m.shards[shardIndex(addr, len(m.shards))]
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[addr]
	if !ok {
		return domain.CompetitorPattern{}, false
	}
	return p.snapshot(addr), true
}

// Patterns returns copies of all tracked patterns, busiest first.
func (m *Monitor) Patterns() []domain.CompetitorPattern {
	var out []domain.CompetitorPattern
	for _, s := range m.shards {
		s.mu.Lock()
		for addr, p := range s.patterns {
			out = append(out, p.snapshot(addr))
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TxCount != out[j].TxCount {
			return out[i].TxCount > out[j].TxCount
		}
		return out[i].Address.Hex() < out[j].Address.Hex()
	})
	return out
}

// Len returns the number of tracked patterns.
func (m *Monitor) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.patterns)
		s.mu.Unlock()
	}
	return n
}

func gasFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
