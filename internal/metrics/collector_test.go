package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.upstreamRequestsTotal)
	assert.NotNil(t, collector.breakerState)
	assert.NotNil(t, collector.retryAttemptsTotal)
	assert.NotNil(t, collector.failoverAttemptsTotal)
	assert.NotNil(t, collector.overflowEnqueuedTotal)
	assert.NotNil(t, collector.streamDuration)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	c.RecordHTTPRequest("POST", "/v1/chat/completions", 200, 150*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("POST", "/v1/chat/completions", "2xx")))
}

func TestCollector_RecordAdmission(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	c.RecordAdmission("rate_limited")
	c.RecordAdmission("rate_limited")
	c.RecordAdmission("admitted")

	assert.Equal(t, float64(2), testutil.ToFloat64(c.admissionTotal.WithLabelValues("rate_limited")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.admissionTotal.WithLabelValues("admitted")))
}

func TestCollector_RecordUpstreamRequest(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	c.RecordUpstreamRequest("openai", "gpt-4o", "success", 500*time.Millisecond, 100, 50, 0.0025)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.upstreamRequestsTotal.WithLabelValues("openai", "gpt-4o", "success")))
	assert.Equal(t, float64(100), testutil.ToFloat64(c.upstreamTokensUsed.WithLabelValues("openai", "gpt-4o", "prompt")))
	assert.Equal(t, float64(50), testutil.ToFloat64(c.upstreamTokensUsed.WithLabelValues("openai", "gpt-4o", "completion")))
}

func TestCollector_RecordBreakerTransition(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	c.RecordBreakerState("anthropic", 2)
	c.RecordBreakerTransition("anthropic", "closed", "open")

	assert.Equal(t, float64(2), testutil.ToFloat64(c.breakerState.WithLabelValues("anthropic")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.breakerTransition.WithLabelValues("anthropic", "closed", "open")))
}

func TestCollector_RecordOverflow(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	c.RecordOverflowEnqueue("concurrency_saturated")
	c.RecordOverflowDrain("completed")
	c.SetOverflowQueueDepth(7)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.overflowEnqueuedTotal.WithLabelValues("concurrency_saturated")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.overflowDrainedTotal.WithLabelValues("completed")))
	assert.Equal(t, float64(7), testutil.ToFloat64(c.overflowQueueDepth))
}

func TestCollector_RecordStreamSession(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	c.RecordStreamSession("openai", "done", 2*time.Second, 4096)

	assert.Equal(t, float64(4096), testutil.ToFloat64(c.streamBytes.WithLabelValues("openai")))
}
