// ABOUTME: Tests for the Prometheus collectors and the exposition handler.
// ABOUTME: Also checks that a nil *Metrics is a usable no-op.

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Observe(t *testing.T) {
	m := New()

	m.ObserveQueueDepth(3)
	m.ObserveMutation("rename", "completed")
	m.ObserveMutation("rename", "completed")
	m.ObserveMutation("delete", "failed")
	m.ObserveProbe("ok")
	m.ObservePendingApprovals(2)
	m.ObserveConnected(true)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.mutations.WithLabelValues("rename", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mutations.WithLabelValues("delete", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.probes.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.pendingApprovals))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connected))

	m.ObserveConnected(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.connected))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveProbe("stale")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `coven_console_run_probes_total{result="stale"} 1`)
	assert.Contains(t, string(body), "coven_console_mutation_queue_depth 0")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveQueueDepth(1)
		m.ObserveMutation("create", "completed")
		m.ObserveProbe("ok")
		m.ObservePendingApprovals(1)
		m.ObserveConnected(true)
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
