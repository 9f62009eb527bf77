package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	RecordTransition("pending", "approved")
	RecordTransition("pending", "approved")
	assert.Equal(t, float64(2), testutil.ToFloat64(transitionsCounter.WithLabelValues("pending", "approved")))

	RecordCarryOver("2025", 7)
	assert.Equal(t, float64(7), testutil.ToFloat64(carryOverCounter.WithLabelValues("2025")))

	RecordOutboxDispatch("published")
	assert.Equal(t, float64(1), testutil.ToFloat64(outboxDispatchCounter.WithLabelValues("published")))

	RecordFanoutDropped("slow_subscriber")
	assert.Equal(t, float64(1), testutil.ToFloat64(fanoutDroppedCounter.WithLabelValues("slow_subscriber")))
}

func TestRegister_Once(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	Register(reg)

	RecordOperationError("create_request", "validation")
	RecordInvariantViolation("transition_request")

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "leave_operation_errors_total")
	assert.Contains(t, names, "leave_invariant_violations_total")
}
