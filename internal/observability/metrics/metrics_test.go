package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordAndExpose(t *testing.T) {
	m := New(false)
	m.TaskFinished("SUCCESS", 2*time.Second)
	m.TaskFinished("SUCCESS", time.Second)
	m.TaskFinished("FAILED", time.Second)
	m.ToolCall("close_ticket", "success")
	m.Approval("approved")
	m.ModelCall("textual", "ok", 300*time.Millisecond)
	m.ObserveHTTPRequest("/api/v1/tasks", "POST", 200, 10*time.Millisecond)
	m.ObserveHTTPRequest("/api/v1/tasks", "POST", 503, 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tasks.WithLabelValues("SUCCESS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasks.WithLabelValues("FAILED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tools.WithLabelValues("close_ticket", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.approvals.WithLabelValues("approved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpErrors.WithLabelValues("/api/v1/tasks", "POST")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `openops_tasks_total{status="SUCCESS"} 2`)
	assert.Contains(t, string(body), `openops_http_requests_total{code="503",handler="/api/v1/tasks",method="POST"} 1`)
	assert.Contains(t, string(body), "openops_model_call_duration_seconds_bucket")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.TaskFinished("SUCCESS", time.Second)
		m.ToolCall("close_ticket", "success")
		m.Approval("rejected")
		m.ModelCall("textual", "ok", time.Second)
		m.ObserveHTTPRequest("/", "GET", 200, time.Second)
	})
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
