// Package metrics holds the Prometheus counters of the leave engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "leave"

var (
	transitionsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_transitions_total",
			Help:      "Count of committed leave request status transitions.",
		},
		[]string{"from", "to"},
	)
	operationErrorsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Count of failed engine operations by error class.",
		},
		[]string{"operation", "class"},
	)
	invariantViolationsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Count of aborted transactions caused by ledger invariant violations.",
		},
		[]string{"operation"},
	)
	carryOverCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "carryover_records_total",
			Help:      "Count of quota records written by the carry-over batch.",
		},
		[]string{"target_year"},
	)
	outboxDispatchCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "dispatch_total",
			Help:      "Count of outbox delivery attempts by result.",
		},
		[]string{"result"},
	)
	fanoutDroppedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "dropped_total",
			Help:      "Count of real-time messages dropped because a subscriber was slow or absent.",
		},
		[]string{"reason"},
	)
)

var registerMetrics sync.Once

// Register all metrics.
func Register(reg prometheus.Registerer) {
	registerMetrics.Do(func() {
		reg.MustRegister(transitionsCounter)
		reg.MustRegister(operationErrorsCounter)
		reg.MustRegister(invariantViolationsCounter)
		reg.MustRegister(carryOverCounter)
		reg.MustRegister(outboxDispatchCounter)
		reg.MustRegister(fanoutDroppedCounter)
	})
}

func RecordTransition(from, to string) {
	transitionsCounter.WithLabelValues(from, to).Inc()
}

func RecordOperationError(operation, class string) {
	operationErrorsCounter.WithLabelValues(operation, class).Inc()
}

func RecordInvariantViolation(operation string) {
	invariantViolationsCounter.WithLabelValues(operation).Inc()
}

func RecordCarryOver(targetYear string, n int) {
	carryOverCounter.WithLabelValues(targetYear).Add(float64(n))
}

func RecordOutboxDispatch(result string) {
	outboxDispatchCounter.WithLabelValues(result).Inc()
}

func RecordFanoutDropped(reason string) {
	fanoutDroppedCounter.WithLabelValues(reason).Inc()
}
