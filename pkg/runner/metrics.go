package runner

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wehubfusion/runhelper/pkg/record"
)

// MetricsCollector receives batch lifecycle measurements
type MetricsCollector interface {
	// InstanceScheduled records an instance submitted to the pool
	InstanceScheduled()

	// InstanceSkipped records an instance found in the existing table
	InstanceSkipped()

	// InstancesRunning records the number of occupied pool slots
	InstancesRunning(n int)

	// InstanceCompleted records a recorded instance and its resource usage
	InstanceCompleted(rec *record.Record)

	// InstanceFailed records an instance that produced no record
	InstanceFailed(reason string)

	// TableMigration records a schema widening of the result table
	TableMigration()

	// RowAppended records the time spent writing one row
	RowAppended(d time.Duration)
}

type noopMetricsCollector struct{}

func (n *noopMetricsCollector) InstanceScheduled()               {}
func (n *noopMetricsCollector) InstanceSkipped()                 {}
func (n *noopMetricsCollector) InstancesRunning(int)             {}
func (n *noopMetricsCollector) InstanceCompleted(*record.Record) {}
func (n *noopMetricsCollector) InstanceFailed(string)            {}
func (n *noopMetricsCollector) TableMigration()                  {}
func (n *noopMetricsCollector) RowAppended(time.Duration)        {}

// NewNoopMetricsCollector creates a collector that discards everything
func NewNoopMetricsCollector() MetricsCollector {
	return &noopMetricsCollector{}
}

// PrometheusMetricsCollector implements MetricsCollector with Prometheus metrics
type PrometheusMetricsCollector struct {
	scheduled  prometheus.Counter
	skipped    prometheus.Counter
	completed  *prometheus.CounterVec
	failed     *prometheus.CounterVec
	running    prometheus.Gauge
	migrations prometheus.Counter
	wallTime   prometheus.Histogram
	cpuTime    prometheus.Histogram
	appendTime prometheus.Histogram

	registry *prometheus.Registry
}

// NewPrometheusMetricsCollector creates a collector with its own registry
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "runhelper"
	}

	instanceBuckets := prometheus.ExponentialBuckets(0.1, 2, 14)

	pmc := &PrometheusMetricsCollector{
		registry: prometheus.NewRegistry(),
		scheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_scheduled_total",
			Help:      "Total number of instances submitted to the pool",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_skipped_total",
			Help:      "Total number of instances skipped because they were already recorded",
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_completed_total",
			Help:      "Total number of recorded instances by outcome",
		}, []string{"outcome"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_failed_total",
			Help:      "Total number of instances that produced no record",
		}, []string{"reason"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances_running",
			Help:      "Number of occupied pool slots",
		}),
		migrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "table_migrations_total",
			Help:      "Total number of result table schema widenings",
		}),
		wallTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "instance_wall_seconds",
			Help:      "Wall clock time reported by the launcher",
			Buckets:   instanceBuckets,
		}),
		cpuTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "instance_cpu_seconds",
			Help:      "CPU time reported by the launcher",
			Buckets:   instanceBuckets,
		}),
		appendTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "table_append_duration_seconds",
			Help:      "Duration of durable row appends, including migrations",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	pmc.registry.MustRegister(
		pmc.scheduled,
		pmc.skipped,
		pmc.completed,
		pmc.failed,
		pmc.running,
		pmc.migrations,
		pmc.wallTime,
		pmc.cpuTime,
		pmc.appendTime,
	)

	return pmc
}

func (p *PrometheusMetricsCollector) InstanceScheduled() {
	p.scheduled.Inc()
}

func (p *PrometheusMetricsCollector) InstanceSkipped() {
	p.skipped.Inc()
}

func (p *PrometheusMetricsCollector) InstancesRunning(n int) {
	p.running.Set(float64(n))
}

func (p *PrometheusMetricsCollector) InstanceCompleted(rec *record.Record) {
	p.completed.WithLabelValues(outcomeLabel(rec)).Inc()
	if v, ok := rec.Get(record.KeyReal); ok {
		if f, ok := v.(float64); ok {
			p.wallTime.Observe(f)
		}
	}
	if v, ok := rec.Get(record.KeyCPU); ok {
		if f, ok := v.(float64); ok {
			p.cpuTime.Observe(f)
		}
	}
}

func (p *PrometheusMetricsCollector) InstanceFailed(reason string) {
	p.failed.WithLabelValues(reason).Inc()
}

func (p *PrometheusMetricsCollector) TableMigration() {
	p.migrations.Inc()
}

func (p *PrometheusMetricsCollector) RowAppended(d time.Duration) {
	p.appendTime.Observe(d.Seconds())
}

// Registry returns the registry holding the collector's metrics
func (p *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the collector's metrics in the Prometheus exposition format
func (p *PrometheusMetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// outcomeLabel classifies a record as timeout, memout or ok
func outcomeLabel(rec *record.Record) string {
	if v, _ := rec.Get(record.KeyTimeout); v == true {
		return "timeout"
	}
	if v, _ := rec.Get(record.KeyMemout); v == true {
		return "memout"
	}
	return "ok"
}
