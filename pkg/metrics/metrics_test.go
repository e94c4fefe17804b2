package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counts(t *testing.T) {
	c := NewCollector("test")

	c.RunStarted("new_message")
	c.RunStarted("new_message")
	c.RunFinished("succeeded", time.Second)
	c.ActionDispatched("webhook", "failed", 3, 2*time.Second)

	assert.InDelta(t, 2, testutil.ToFloat64(c.runsStarted.WithLabelValues("new_message")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.runsFinished.WithLabelValues("succeeded")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.actionsTotal.WithLabelValues("webhook", "failed")), 0)
}

func TestCollector_NilIsSafe(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.EventReceived("custom")
		c.RunFinished("failed", time.Second)
		c.ScheduleFired()
	})
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("test")
	c.ScheduleFired()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "autoflow_schedules_fired_total")
}
