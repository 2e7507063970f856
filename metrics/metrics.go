// Package metrics exposes the client's Prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	intake = "intake"

	runsTotal            = "runs_total"
	eventsTotal          = "events_total"
	decodeErrorsTotal    = "decode_errors_total"
	sessionCleanupsTotal = "session_cleanups_total"

	// Labels
	outcomeLabel   = "outcome"
	eventTypeLabel = "type"
	resultLabel    = "result"
	triggerLabel   = "trigger"
)

// Run outcomes.
const (
	OutcomeCompleted  = "completed"
	OutcomeFailed     = "failed"
	OutcomeSuperseded = "superseded"
)

/**
* Metrics definition
**/
var runsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: intake,
		Name:      runsTotal,
		Help:      "number of analysis runs by final outcome",
	},
	[]string{outcomeLabel},
)

var eventsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: intake,
		Name:      eventsTotal,
		Help:      "number of decoded stream events by type",
	},
	[]string{eventTypeLabel},
)

var decodeErrorsTotalMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: intake,
		Name:      decodeErrorsTotal,
		Help:      "number of stream records dropped because their payload did not decode",
	},
)

var sessionCleanupsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: intake,
		Name:      sessionCleanupsTotal,
		Help:      "number of session cleanup requests by trigger and result",
	},
	[]string{triggerLabel, resultLabel},
)

func IncreaseRunsTotal(outcome string) {
	runsTotalMetric.With(prometheus.Labels{outcomeLabel: outcome}).Inc()
}

func IncreaseEventsTotal(eventType string) {
	eventsTotalMetric.With(prometheus.Labels{eventTypeLabel: eventType}).Inc()
}

func IncreaseDecodeErrors() {
	decodeErrorsTotalMetric.Inc()
}

// IncreaseSessionCleanups records a cleanup call; result is "ok" or "error".
func IncreaseSessionCleanups(trigger, result string) {
	sessionCleanupsTotalMetric.With(prometheus.Labels{
		triggerLabel: trigger,
		resultLabel:  result,
	}).Inc()
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(runsTotalMetric)
	prometheus.MustRegister(eventsTotalMetric)
	prometheus.MustRegister(decodeErrorsTotalMetric)
	prometheus.MustRegister(sessionCleanupsTotalMetric)
}
