package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"yqhp/topology-engine/pkg/types"
)

func TestRecordProbe(t *testing.T) {
	before := testutil.ToFloat64(probesTotal.WithLabelValues("accepted"))
	RecordProbe(true)
	RecordProbe(false)
	assert.Equal(t, before+1, testutil.ToFloat64(probesTotal.WithLabelValues("accepted")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(probesTotal.WithLabelValues("discarded")), 1.0)
}

func TestRecordEventAndPlan(t *testing.T) {
	before := testutil.ToFloat64(eventsTotal.WithLabelValues("heartbeat", "error"))
	RecordEvent(types.EventHeartbeat, errors.New("x"))
	assert.Equal(t, before+1, testutil.ToFloat64(eventsTotal.WithLabelValues("heartbeat", "error")))

	plans := testutil.ToFloat64(plansTotal.WithLabelValues(PlanInfeasible))
	RecordPlan(PlanInfeasible, time.Millisecond)
	assert.Equal(t, plans+1, testutil.ToFloat64(plansTotal.WithLabelValues(PlanInfeasible)))
}

func TestSetClusterSize(t *testing.T) {
	SetClusterSize(3, types.ProfilerStats{FreshEdges: 4, StaleEdges: 1})
	assert.Equal(t, 3.0, testutil.ToFloat64(nodesGauge))
	assert.Equal(t, 4.0, testutil.ToFloat64(edgesGauge.WithLabelValues("fresh")))
	assert.Equal(t, 1.0, testutil.ToFloat64(edgesGauge.WithLabelValues("stale")))
}

func TestEndSpanWithError(t *testing.T) {
	_, span := StartSpan(context.Background(), "test")
	assert.NotPanics(t, func() { EndSpan(span, errors.New("boom")) })
}
