// ============================================================================
// orthanc-relay metrics
// ============================================================================
//
// Package: internal/metrics
//
// Metrics follow the RED layout (rate, errors, duration) per change type:
//
//   1. Counters:
//      - relay_changes_polled_total: changes read from the change log
//      - relay_changes_dispatched_total: changes handed to a worker
//      - relay_changes_completed_total{change_type}: handled successfully
//      - relay_changes_retried_total{change_type}: handler retries
//      - relay_changes_given_up_total{change_type}: retries exhausted
//      - relay_changes_not_found_total{change_type}: resource already gone
//      - relay_poll_errors_total: failed /changes calls
//      - relay_forwarder_sent_total{destination}
//      - relay_forwarder_failed_total{destination}
//      - relay_replicator_messages_total{topic,outcome}
//
//   2. Histogram:
//      - relay_handler_latency_seconds{change_type}
//
//   3. Gauges:
//      - relay_changes_in_flight: registered but not yet acknowledged
//      - relay_checkpoint_sequence_id: last persisted resume id
//
// Prometheus queries:
//
//   # handled changes per minute
//   sum(rate(relay_changes_completed_total[1m]))
//
//   # backlog not yet acknowledged
//   relay_changes_in_flight
//
// A nil *Collector is valid and records nothing.
//
// ============================================================================

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every relay metric
type Collector struct {
	changesPolled     prometheus.Counter
	changesDispatched prometheus.Counter
	changesCompleted  *prometheus.CounterVec
	changesRetried    *prometheus.CounterVec
	changesGivenUp    *prometheus.CounterVec
	changesNotFound   *prometheus.CounterVec
	pollErrors        prometheus.Counter

	handlerLatency *prometheus.HistogramVec

	inFlight   prometheus.Gauge
	checkpoint prometheus.Gauge

	forwarderSent   *prometheus.CounterVec
	forwarderFailed *prometheus.CounterVec

	replicatorMessages *prometheus.CounterVec
}

// NewCollector creates the metrics and registers them on reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		changesPolled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_changes_polled_total",
			Help: "Total number of changes read from the change log",
		}),
		changesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_changes_dispatched_total",
			Help: "Total number of changes handed to a worker",
		}),
		changesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_changes_completed_total",
			Help: "Total number of changes handled successfully",
		}, []string{"change_type"}),
		changesRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_changes_retried_total",
			Help: "Total number of handler retries",
		}, []string{"change_type"}),
		changesGivenUp: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_changes_given_up_total",
			Help: "Total number of changes whose retries were exhausted",
		}, []string{"change_type"}),
		changesNotFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_changes_not_found_total",
			Help: "Total number of changes whose resource no longer exists",
		}, []string{"change_type"}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_poll_errors_total",
			Help: "Total number of failed change log requests",
		}),
		handlerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_handler_latency_seconds",
			Help:    "Handler latency in seconds, per attempt",
			Buckets: prometheus.DefBuckets,
		}, []string{"change_type"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_changes_in_flight",
			Help: "Current number of registered but unacknowledged changes",
		}),
		checkpoint: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_checkpoint_sequence_id",
			Help: "Last persisted resume sequence id",
		}),
		forwarderSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_forwarder_sent_total",
			Help: "Total number of instances sets forwarded per destination",
		}, []string{"destination"}),
		forwarderFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_forwarder_failed_total",
			Help: "Total number of failed forwards per destination",
		}, []string{"destination"}),
		replicatorMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_replicator_messages_total",
			Help: "Total number of replication messages per topic and outcome",
		}, []string{"topic", "outcome"}),
	}

	reg.MustRegister(
		c.changesPolled,
		c.changesDispatched,
		c.changesCompleted,
		c.changesRetried,
		c.changesGivenUp,
		c.changesNotFound,
		c.pollErrors,
		c.handlerLatency,
		c.inFlight,
		c.checkpoint,
		c.forwarderSent,
		c.forwarderFailed,
		c.replicatorMessages,
	)

	return c
}

// RecordPolled counts changes read in one batch
func (c *Collector) RecordPolled(n int) {
	if c == nil {
		return
	}
	c.changesPolled.Add(float64(n))
}

// RecordPollError counts a failed change log request
func (c *Collector) RecordPollError() {
	if c == nil {
		return
	}
	c.pollErrors.Inc()
}

// RecordDispatch counts a change handed to a worker
func (c *Collector) RecordDispatch() {
	if c == nil {
		return
	}
	c.changesDispatched.Inc()
}

// ObserveHandler records one handler attempt
func (c *Collector) ObserveHandler(changeType string, d time.Duration) {
	if c == nil {
		return
	}
	c.handlerLatency.WithLabelValues(changeType).Observe(d.Seconds())
}

// RecordCompleted counts a successfully handled change
func (c *Collector) RecordCompleted(changeType string) {
	if c == nil {
		return
	}
	c.changesCompleted.WithLabelValues(changeType).Inc()
}

// RecordRetry counts a handler retry
func (c *Collector) RecordRetry(changeType string) {
	if c == nil {
		return
	}
	c.changesRetried.WithLabelValues(changeType).Inc()
}

// RecordGivenUp counts a change whose retries were exhausted
func (c *Collector) RecordGivenUp(changeType string) {
	if c == nil {
		return
	}
	c.changesGivenUp.WithLabelValues(changeType).Inc()
}

// RecordNotFound counts a change whose resource was already gone
func (c *Collector) RecordNotFound(changeType string) {
	if c == nil {
		return
	}
	c.changesNotFound.WithLabelValues(changeType).Inc()
}

// UpdateTracker sets the in-flight and checkpoint gauges
func (c *Collector) UpdateTracker(inFlight int, resumeID uint64) {
	if c == nil {
		return
	}
	c.inFlight.Set(float64(inFlight))
	c.checkpoint.Set(float64(resumeID))
}

// RecordForward counts a forward to destination
func (c *Collector) RecordForward(destination string, err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.forwarderFailed.WithLabelValues(destination).Inc()
		return
	}
	c.forwarderSent.WithLabelValues(destination).Inc()
}

// RecordReplication counts a replication message by outcome
func (c *Collector) RecordReplication(topic, outcome string) {
	if c == nil {
		return
	}
	c.replicatorMessages.WithLabelValues(topic, outcome).Inc()
}
