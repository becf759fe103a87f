// ============================================================================
// Deployer Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose deployment counters, latencies and gauges.
//
// Metrics:
//
//   Counters:
//     - deployer_jobs_submitted_total       accepted submissions
//     - deployer_jobs_dispatched_total      payloads delivered (job Running)
//     - deployer_dispatch_failures_total    failed delivery attempts
//     - deployer_jobs_failed_total          jobs that ended Failed
//     - deployer_jobs_completed_total       log bundles received
//     - deployer_jobs_recovered_total       Scheduled jobs re-armed at startup
//
//   Histograms:
//     - deployer_dispatch_latency_seconds   one successful delivery
//     - deployer_device_wait_seconds        start time minus submission time
//     - deployer_timer_lateness_seconds     fire instant minus StartTime
//
//   Gauges:
//     - deployer_recovery_time_seconds      duration of the last recovery
//     - deployer_armed_timers               timers waiting to fire
//
// Registration:
//   Collectors are registered on the caller's Registerer, never on the
//   global default, so tests and multiple instances do not collide.
//
//   Every method is safe on a nil *Collector, which is what callers get
//   when metrics are disabled.
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "deployer"

// Collector holds every deployer metric.
type Collector struct {
	jobsSubmitted    prometheus.Counter
	jobsDispatched   prometheus.Counter
	dispatchFailures prometheus.Counter
	jobsFailed       prometheus.Counter
	jobsCompleted    prometheus.Counter
	jobsRecovered    prometheus.Counter

	dispatchLatency prometheus.Histogram
	deviceWait      prometheus.Histogram
	timerLateness   prometheus.Histogram

	recoveryTime prometheus.Gauge
	armedTimers  prometheus.Gauge
}

// NewCollector creates the metrics and registers them on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of accepted job submissions",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Total number of payloads delivered to device agents",
		}),
		dispatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Total number of failed delivery attempts",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of jobs that ended Failed",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs whose log bundle was received",
		}),
		jobsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_recovered_total",
			Help:      "Total number of Scheduled jobs re-armed by recovery",
		}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_latency_seconds",
			Help:      "Duration of a successful payload delivery",
			Buckets:   prometheus.DefBuckets,
		}),
		deviceWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "device_wait_seconds",
			Help:      "Time between submission and the booked start",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
		timerLateness: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "timer_lateness_seconds",
			Help:      "Delay between a job's start time and its timer firing",
			Buckets:   prometheus.DefBuckets,
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Duration of the last startup recovery",
		}),
		armedTimers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "armed_timers",
			Help:      "Number of timers waiting to fire",
		}),
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsDispatched,
		c.dispatchFailures,
		c.jobsFailed,
		c.jobsCompleted,
		c.jobsRecovered,
		c.dispatchLatency,
		c.deviceWait,
		c.timerLateness,
		c.recoveryTime,
		c.armedTimers,
	)
	return c
}

// RecordSubmitted counts an accepted submission and how long it waits for
// its device.
func (c *Collector) RecordSubmitted(wait time.Duration) {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
	c.deviceWait.Observe(wait.Seconds())
}

// RecordDispatched counts a delivered payload.
func (c *Collector) RecordDispatched(latency time.Duration) {
	if c == nil {
		return
	}
	c.jobsDispatched.Inc()
	c.dispatchLatency.Observe(latency.Seconds())
}

// RecordDispatchFailure counts one failed attempt.
func (c *Collector) RecordDispatchFailure() {
	if c == nil {
		return
	}
	c.dispatchFailures.Inc()
}

// RecordFailed counts a job that ended Failed.
func (c *Collector) RecordFailed() {
	if c == nil {
		return
	}
	c.jobsFailed.Inc()
}

// RecordCompleted counts a completed job.
func (c *Collector) RecordCompleted() {
	if c == nil {
		return
	}
	c.jobsCompleted.Inc()
}

// RecordFired observes how late a timer fired.
func (c *Collector) RecordFired(lateness time.Duration) {
	if c == nil {
		return
	}
	if lateness < 0 {
		lateness = 0
	}
	c.timerLateness.Observe(lateness.Seconds())
}

// RecordRecovery sets the last recovery duration and counts re-armed jobs.
func (c *Collector) RecordRecovery(took time.Duration, rearmed int) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(took.Seconds())
	c.jobsRecovered.Add(float64(rearmed))
}

// SetArmedTimers updates the armed timer gauge.
func (c *Collector) SetArmedTimers(n int) {
	if c == nil {
		return
	}
	c.armedTimers.Set(float64(n))
}

// Handler serves g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
