// Package metrics provides Prometheus metrics definitions.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "messaging"

var (
	pollerTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "ticks_total",
			Help:      "Poller ticks by result",
		},
		[]string{"result"},
	)

	pollerRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "records_total",
			Help:      "Records handled by the poller by outcome",
		},
		[]string{"outcome"},
	)

	consumerOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "outcomes_total",
			Help:      "Terminal states written by the consumer",
		},
		[]string{"status"},
	)

	consumerDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "deliveries_total",
			Help:      "Queue deliveries by disposition (ack, nack, dead)",
		},
		[]string{"disposition"},
	)

	providerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "send_duration_seconds",
			Help:      "Delivery provider call latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"result"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Work queue entries by list",
		},
		[]string{"list"},
	)

	recordsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "records",
			Name:      "by_status",
			Help:      "Message records by delivery status",
		},
		[]string{"status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Operator API request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	recoveredRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "records_total",
			Help:      "Records and leases handled by the recovery sweep",
		},
		[]string{"action"},
	)
)

func RecordPollerTick(result string) {
	pollerTicks.WithLabelValues(result).Inc()
}

func RecordPollerRecords(outcome string, n int) {
	if n > 0 {
		pollerRecords.WithLabelValues(outcome).Add(float64(n))
	}
}

func RecordOutcome(status string) {
	consumerOutcomes.WithLabelValues(status).Inc()
}

func RecordDelivery(disposition string) {
	consumerDeliveries.WithLabelValues(disposition).Inc()
}

func ObserveProviderCall(result string, d time.Duration) {
	providerDuration.WithLabelValues(result).Observe(d.Seconds())
}

func SetQueueDepth(pending, inFlight, dead int64) {
	queueDepth.WithLabelValues("pending").Set(float64(pending))
	queueDepth.WithLabelValues("in_flight").Set(float64(inFlight))
	queueDepth.WithLabelValues("dead").Set(float64(dead))
}

func SetRecordsByStatus(status string, n int) {
	recordsByStatus.WithLabelValues(status).Set(float64(n))
}

func RecordRecovery(action string, n int) {
	if n > 0 {
		recoveredRecords.WithLabelValues(action).Add(float64(n))
	}
}

func ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	httpRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
