package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordOutcome(t *testing.T) {
	before := testutil.ToFloat64(consumerOutcomes.WithLabelValues("successfully_sent"))
	RecordOutcome("successfully_sent")
	assert.Equal(t, before+1, testutil.ToFloat64(consumerOutcomes.WithLabelValues("successfully_sent")))
}

func TestRecordPollerRecords_IgnoresZero(t *testing.T) {
	before := testutil.ToFloat64(pollerRecords.WithLabelValues("skipped"))
	RecordPollerRecords("skipped", 0)
	RecordPollerRecords("skipped", 2)
	assert.Equal(t, before+2, testutil.ToFloat64(pollerRecords.WithLabelValues("skipped")))
}

func TestSetQueueDepth(t *testing.T) {
	SetQueueDepth(3, 2, 1)
	assert.Equal(t, 3.0, testutil.ToFloat64(queueDepth.WithLabelValues("pending")))
	assert.Equal(t, 2.0, testutil.ToFloat64(queueDepth.WithLabelValues("in_flight")))
	assert.Equal(t, 1.0, testutil.ToFloat64(queueDepth.WithLabelValues("dead")))
}

func TestObserveProviderCall(t *testing.T) {
	ObserveProviderCall("ok", 150*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.CollectAndCount(providerDuration), 1)
}
