// Package metrics collects Prometheus counters for the scheduler and
// the notification dispatcher.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the metric instruments and their registry. Using a
// per-Collector registry instead of the package-global default keeps
// tests free of duplicate-registration panics.
type Collector struct {
	registry *prometheus.Registry

	passRuns     *prometheus.CounterVec
	passSkipped  *prometheus.CounterVec
	passErrors   *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	conflicts    prometheus.Counter
	jobsEnqueued prometheus.Counter
	jobsSent     prometheus.Counter
	jobsRetried  prometheus.Counter
	jobsDead     prometheus.Counter
}

// NewCollector creates and registers all instruments.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		passRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agenda_scheduler_pass_runs_total",
			Help: "Completed scheduler pass runs, by pass",
		}, []string{"pass"}),
		passSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agenda_scheduler_ticks_skipped_total",
			Help: "Scheduler ticks skipped because the previous run was still in flight, by pass",
		}, []string{"pass"}),
		passErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agenda_scheduler_pass_errors_total",
			Help: "Scheduler pass runs that ended with an error, by pass",
		}, []string{"pass"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agenda_event_transitions_total",
			Help: "Event status transitions applied by the scheduler, by pass",
		}, []string{"pass"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agenda_availability_conflicts_total",
			Help: "Reservations rejected by the availability checker",
		}),
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agenda_notify_jobs_enqueued_total",
			Help: "Notification jobs enqueued",
		}),
		jobsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agenda_notify_jobs_delivered_total",
			Help: "Notification jobs delivered",
		}),
		jobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agenda_notify_jobs_retried_total",
			Help: "Notification delivery attempts scheduled for retry",
		}),
		jobsDead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agenda_notify_jobs_dead_lettered_total",
			Help: "Notification jobs dead-lettered after exhausting attempts",
		}),
	}

	c.registry.MustRegister(
		c.passRuns, c.passSkipped, c.passErrors, c.transitions,
		c.conflicts, c.jobsEnqueued, c.jobsSent, c.jobsRetried, c.jobsDead,
	)
	return c
}

// Handler returns the HTTP handler exposing the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) PassRun(pass string)          { c.passRuns.WithLabelValues(pass).Inc() }
func (c *Collector) PassSkipped(pass string)      { c.passSkipped.WithLabelValues(pass).Inc() }
func (c *Collector) PassError(pass string)        { c.passErrors.WithLabelValues(pass).Inc() }
func (c *Collector) Transitions(pass string, n int64) {
	c.transitions.WithLabelValues(pass).Add(float64(n))
}
func (c *Collector) ConflictRejected() { c.conflicts.Inc() }
func (c *Collector) JobEnqueued()      { c.jobsEnqueued.Inc() }
func (c *Collector) JobDelivered()     { c.jobsSent.Inc() }
func (c *Collector) JobRetried()       { c.jobsRetried.Inc() }
func (c *Collector) JobDeadLettered()  { c.jobsDead.Inc() }
