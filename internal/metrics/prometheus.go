// Package metrics exposes execution-core counters in the Prometheus text
// format. All recording methods are safe to call on a nil *Collector so
// components can run without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flashguard"

// Collector owns a dedicated registry and the metrics registered in it.
type Collector struct {
	registry *prometheus.Registry

	observations        prometheus.Counter
	competitorDetected  prometheus.Counter
	anomalies           *prometheus.CounterVec
	trackedPatterns     prometheus.Gauge
	evictedPatterns     prometheus.Counter
	liquiditySwings     prometheus.Counter
	bundleSubmissions   *prometheus.CounterVec
	protectionOutcomes  *prometheus.CounterVec
	protectionDuration  prometheus.Histogram
	settlementReverts   *prometheus.CounterVec
	opportunityRejected *prometheus.CounterVec
}

// NewCollector creates a Collector with every metric registered in a fresh
// registry, so it never collides with the global default registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		observations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "observations_total",
			Help:      "Pending transactions observed.",
		}),
		competitorDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "competitor_detections_total",
			Help:      "Observations classified as competitor activity.",
		}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "anomalies_total",
			Help:      "Addresses flagged by the periodic anomaly sweep.",
		}, []string{"kind"}),
		trackedPatterns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "tracked_patterns",
			Help:      "Competitor patterns currently held in memory.",
		}),
		evictedPatterns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "evicted_patterns_total",
			Help:      "Patterns evicted after inactivity.",
		}),
		liquiditySwings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "liquidity",
			Name:      "swings_total",
			Help:      "Consecutive snapshots differing by more than the swing threshold.",
		}),
		bundleSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "bundle_submissions_total",
			Help:      "Bundle submission attempts by result.",
		}, []string{"result"}),
		protectionOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "outcomes_total",
			Help:      "Terminal protection outcomes.",
		}, []string{"outcome"}),
		protectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "protect_duration_seconds",
			Help:      "Time from commit to terminal outcome.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		settlementReverts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "reverts_total",
			Help:      "Settlement reverts by reached state.",
		}, []string{"state"}),
		opportunityRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "opportunities_rejected_total",
			Help:      "Opportunities rejected before protection.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		c.observations,
		c.competitorDetected,
		c.anomalies,
		c.trackedPatterns,
		c.evictedPatterns,
		c.liquiditySwings,
		c.bundleSubmissions,
		c.protectionOutcomes,
		c.protectionDuration,
		c.settlementReverts,
		c.opportunityRejected,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObservationRecorded(competitor bool) {
	if c == nil {
		return
	}
	c.observations.Inc()
	if competitor {
		c.competitorDetected.Inc()
	}
}

func (c *Collector) AnomalyFlagged(kind string) {
	if c == nil {
		return
	}
	c.anomalies.WithLabelValues(kind).Inc()
}

func (c *Collector) PatternsSwept(tracked, evicted int) {
	if c == nil {
		return
	}
	c.trackedPatterns.Set(float64(tracked))
	c.evictedPatterns.Add(float64(evicted))
}

func (c *Collector) LiquiditySwing() {
	if c == nil {
		return
	}
	c.liquiditySwings.Inc()
}

func (c *Collector) BundleSubmitted(result string) {
	if c == nil {
		return
	}
	c.bundleSubmissions.WithLabelValues(result).Inc()
}

func (c *Collector) ProtectionFinished(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.protectionOutcomes.WithLabelValues(outcome).Inc()
	c.protectionDuration.Observe(d.Seconds())
}

func (c *Collector) SettlementReverted(state string) {
	if c == nil {
		return
	}
	c.settlementReverts.WithLabelValues(state).Inc()
}

func (c *Collector) OpportunityRejected(reason string) {
	if c == nil {
		return
	}
	c.opportunityRejected.WithLabelValues(reason).Inc()
}
