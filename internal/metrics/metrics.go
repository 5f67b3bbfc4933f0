// Package metrics exports scheduler counters to Prometheus. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "alarmd"

// Metrics holds the scheduler collectors and the registry serving them.
type Metrics struct {
	reg *prometheus.Registry

	processed   *prometheus.CounterVec
	fired       *prometheus.CounterVec
	lateCancel  prometheus.Counter
	rescheduled *prometheus.CounterVec
	purged      prometheus.Counter
	queueDepth  prometheus.Gauge
	nextWake    prometheus.Gauge
	passTime    prometheus.Histogram
}

// New registers the collectors on a private registry.
func New() (*Metrics, error) {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_entries_total",
			Help:      "Queue entries processed, by kind and result.",
		}, []string{"kind", "result"}),
		fired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alarms_executed_total",
			Help:      "Alarm instances handed to the executor, by instance type and status.",
		}, []string{"type", "status"}),
		lateCancel: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "late_cancelled_total",
			Help:      "Alarm instances dropped because they were too late.",
		}),
		rescheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rescheduled_total",
			Help:      "Reschedule outcomes.",
		}, []string{"outcome"}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_purged_total",
			Help:      "Archived events removed by the purge job.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Entries waiting in the action queue.",
		}),
		nextWake: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "next_wake_seconds",
			Help:      "Delay of the armed wake timer, 0 when idle.",
		}),
		passTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_pass_duration_seconds",
			Help:      "Time spent draining the action queue.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	collectors := []prometheus.Collector{
		m.processed, m.fired, m.lateCancel, m.rescheduled, m.purged, m.queueDepth, m.nextWake, m.passTime,
	}
	for _, c := range collectors {
		if err := m.reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Processed(kind, result string) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Executed(alarmType, status string) {
	if m == nil {
		return
	}
	m.fired.WithLabelValues(alarmType, status).Inc()
}

func (m *Metrics) LateCancelled() {
	if m == nil {
		return
	}
	m.lateCancel.Inc()
}

func (m *Metrics) Rescheduled(outcome string) {
	if m == nil {
		return
	}
	m.rescheduled.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Purged(n int) {
	if m == nil {
		return
	}
	m.purged.Add(float64(n))
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// NextWake records the armed wake delay; zero means no timer.
func (m *Metrics) NextWake(d time.Duration) {
	if m == nil {
		return
	}
	m.nextWake.Set(d.Seconds())
}

func (m *Metrics) PassDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.passTime.Observe(d.Seconds())
}
