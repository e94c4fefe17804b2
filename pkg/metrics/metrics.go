// Package metrics exposes engine counters and histograms to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry. A nil *Collector records nothing.
type Collector struct {
	registry *prometheus.Registry

	eventsReceived  *prometheus.CounterVec
	triggersMatched *prometheus.CounterVec
	runsStarted     *prometheus.CounterVec
	runsFinished    *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	actionsTotal    *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec
	actionAttempts  *prometheus.HistogramVec
	schedulesFired  prometheus.Counter
	wakeups         *prometheus.CounterVec
}

func NewCollector(service string) *Collector {
	constLabels := prometheus.Labels{"service": service}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "autoflow_events_received_total",
			Help:        "Inbound events by category",
			ConstLabels: constLabels,
		}, []string{"category"}),
		triggersMatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "autoflow_triggers_matched_total",
			Help:        "Automations matched by inbound events",
			ConstLabels: constLabels,
		}, []string{"trigger_type"}),
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "autoflow_runs_started_total",
			Help:        "Runs created",
			ConstLabels: constLabels,
		}, []string{"trigger_type"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "autoflow_runs_finished_total",
			Help:        "Runs that reached a terminal status",
			ConstLabels: constLabels,
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "autoflow_run_duration_seconds",
			Help:        "Wall time from run creation to terminal status",
			Buckets:     []float64{0.1, 0.5, 1, 5, 30, 60, 300, 3600, 86400},
			ConstLabels: constLabels,
		}, []string{"status"}),
		actionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "autoflow_actions_total",
			Help:        "Dispatched actions by type and outcome",
			ConstLabels: constLabels,
		}, []string{"action_type", "status"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "autoflow_action_duration_seconds",
			Help:        "Action dispatch duration including retries",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"action_type"}),
		actionAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "autoflow_action_attempts",
			Help:        "Attempts needed per dispatched action",
			Buckets:     []float64{1, 2, 3, 5, 8},
			ConstLabels: constLabels,
		}, []string{"action_type"}),
		schedulesFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "autoflow_schedules_fired_total",
			Help:        "Scheduled triggers fired",
			ConstLabels: constLabels,
		}),
		wakeups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "autoflow_run_wakeups_total",
			Help:        "Waiting runs woken up",
			ConstLabels: constLabels,
		}, []string{"reason"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.eventsReceived,
		c.triggersMatched,
		c.runsStarted,
		c.runsFinished,
		c.runDuration,
		c.actionsTotal,
		c.actionDuration,
		c.actionAttempts,
		c.schedulesFired,
		c.wakeups,
	)

	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) EventReceived(category string) {
	if c == nil {
		return
	}

	c.eventsReceived.WithLabelValues(category).Inc()
}

func (c *Collector) TriggerMatched(triggerType string) {
	if c == nil {
		return
	}

	c.triggersMatched.WithLabelValues(triggerType).Inc()
}

func (c *Collector) RunStarted(triggerType string) {
	if c == nil {
		return
	}

	c.runsStarted.WithLabelValues(triggerType).Inc()
}

func (c *Collector) RunFinished(status string, elapsed time.Duration) {
	if c == nil {
		return
	}

	c.runsFinished.WithLabelValues(status).Inc()
	c.runDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (c *Collector) ActionDispatched(actionType, status string, attempts int, elapsed time.Duration) {
	if c == nil {
		return
	}

	c.actionsTotal.WithLabelValues(actionType, status).Inc()
	c.actionDuration.WithLabelValues(actionType).Observe(elapsed.Seconds())
	c.actionAttempts.WithLabelValues(actionType).Observe(float64(attempts))
}

func (c *Collector) ScheduleFired() {
	if c == nil {
		return
	}

	c.schedulesFired.Inc()
}

func (c *Collector) RunWoken(reason string) {
	if c == nil {
		return
	}

	c.wakeups.WithLabelValues(reason).Inc()
}
