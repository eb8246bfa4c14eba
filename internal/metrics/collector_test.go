package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector("steward", zap.NewNop())

	c.RecordCandidate("executed")
	c.RecordCandidate("executed")
	c.RecordRejection("confidence", "reminder")
	c.RecordUsage("sms", 3, 1.5)
	c.SetBudgetMode("sms", 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.candidatesTotal.WithLabelValues("executed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.gateRejections.WithLabelValues("confidence", "reminder")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.usageUnits.WithLabelValues("sms")))
	assert.Equal(t, 1.5, testutil.ToFloat64(c.usageCost.WithLabelValues("sms")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.budgetMode.WithLabelValues("sms")))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordCandidate("executed")
		c.RecordDelivery("reminder", "ok", time.Millisecond)
		c.RecordCycle(time.Second)
		c.RecordSkippedCycle()
	})
	assert.Nil(t, c.Registry())
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector("steward", zap.NewNop())
	c.RecordSkippedCycle()

	h := c.Middleware(func(r *http.Request) string { return r.URL.Path })(c.Handler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "steward_cycles_skipped_total 1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("GET", "/metrics", "200")))
}
