package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersIncrease(t *testing.T) {
	runs := testutil.ToFloat64(runsTotalMetric.With(prometheus.Labels{outcomeLabel: OutcomeCompleted}))
	IncreaseRunsTotal(OutcomeCompleted)
	assert.Equal(t, runs+1, testutil.ToFloat64(runsTotalMetric.With(prometheus.Labels{outcomeLabel: OutcomeCompleted})))

	events := testutil.ToFloat64(eventsTotalMetric.With(prometheus.Labels{eventTypeLabel: "progress"}))
	IncreaseEventsTotal("progress")
	IncreaseEventsTotal("progress")
	assert.Equal(t, events+2, testutil.ToFloat64(eventsTotalMetric.With(prometheus.Labels{eventTypeLabel: "progress"})))

	decode := testutil.ToFloat64(decodeErrorsTotalMetric)
	IncreaseDecodeErrors()
	assert.Equal(t, decode+1, testutil.ToFloat64(decodeErrorsTotalMetric))

	cleanup := prometheus.Labels{triggerLabel: "idle_timeout", resultLabel: "error"}
	before := testutil.ToFloat64(sessionCleanupsTotalMetric.With(cleanup))
	IncreaseSessionCleanups("idle_timeout", "error")
	assert.Equal(t, before+1, testutil.ToFloat64(sessionCleanupsTotalMetric.With(cleanup)))
}

func TestMetricsRegistered(t *testing.T) {
	count, err := testutil.GatherAndCount(prometheus.DefaultGatherer,
		"intake_runs_total", "intake_decode_errors_total")
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, count, 1)
}
