// Package metrics exposes Prometheus collectors for the orchestration core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "quantix"

// Collector owns a private registry and every metric the core records.
// A nil *Collector is valid and records nothing.
type Collector struct {
	reg *prometheus.Registry

	ledgerOps        *prometheus.CounterVec
	ledgerRejections *prometheus.CounterVec
	placements       *prometheus.CounterVec
	migrations       *prometheus.CounterVec
	maintenance      *prometheus.CounterVec
	snapshots        *prometheus.CounterVec
	snapshotPurges   prometheus.Counter
	snapshotQueue    prometheus.Gauge
	jobs             *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
}

// NewCollector creates and registers all collectors.
func NewCollector() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		ledgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger reserve/release operations by resource type.",
		}, []string{"op", "resource_type"}),
		ledgerRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "rejections_total",
			Help:      "Reservations refused because a limit was exceeded.",
		}, []string{"resource_type", "owner_kind"}),
		placements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "placement",
			Name:      "decisions_total",
			Help:      "Host selection outcomes.",
		}, []string{"result"}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vm",
			Name:      "migrations_total",
			Help:      "VM migrations by outcome.",
		}, []string{"result", "forced"}),
		maintenance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "maintenance_total",
			Help:      "Host maintenance drains by outcome.",
		}, []string{"result"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "operations_total",
			Help:      "Snapshot operations by kind and outcome.",
		}, []string{"op", "result"}),
		snapshotPurges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "physical_purges_total",
			Help:      "Backups removed from secondary storage.",
		}),
		snapshotQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "queued",
			Help:      "Snapshot requests waiting for a per-host slot.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Async jobs by type and terminal status.",
		}, []string{"type", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Async job run time.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"type"}),
	}

	c.reg.MustRegister(
		c.ledgerOps, c.ledgerRejections, c.placements, c.migrations, c.maintenance,
		c.snapshots, c.snapshotPurges, c.snapshotQueue, c.jobs, c.jobDuration,
		collectors.NewGoCollector(),
	)
	return c
}

// Handler serves the registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{ErrorHandling: promhttp.HTTPErrorOnError})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.reg
}

func (c *Collector) LedgerOp(op, resourceType string) {
	if c == nil {
		return
	}
	c.ledgerOps.WithLabelValues(op, resourceType).Inc()
}

func (c *Collector) LedgerRejected(resourceType, ownerKind string) {
	if c == nil {
		return
	}
	c.ledgerRejections.WithLabelValues(resourceType, ownerKind).Inc()
}

func (c *Collector) Placement(result string) {
	if c == nil {
		return
	}
	c.placements.WithLabelValues(result).Inc()
}

func (c *Collector) Migration(result string, forced bool) {
	if c == nil {
		return
	}
	f := "false"
	if forced {
		f = "true"
	}
	c.migrations.WithLabelValues(result, f).Inc()
}

func (c *Collector) Maintenance(result string) {
	if c == nil {
		return
	}
	c.maintenance.WithLabelValues(result).Inc()
}

func (c *Collector) Snapshot(op, result string) {
	if c == nil {
		return
	}
	c.snapshots.WithLabelValues(op, result).Inc()
}

func (c *Collector) SnapshotPurged() {
	if c == nil {
		return
	}
	c.snapshotPurges.Inc()
}

func (c *Collector) SnapshotQueued(delta float64) {
	if c == nil {
		return
	}
	c.snapshotQueue.Add(delta)
}

func (c *Collector) JobFinished(jobType, status string, seconds float64) {
	if c == nil {
		return
	}
	c.jobs.WithLabelValues(jobType, status).Inc()
	c.jobDuration.WithLabelValues(jobType).Observe(seconds)
}
