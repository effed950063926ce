package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_RecordsAndExposes(t *testing.T) {
	c := NewCollector(DefaultConfig())

	c.RecordRequest("/v1/chat/completions", 200, 25*time.Millisecond)
	c.RecordRequest("/v1/chat/completions", 408, 30*time.Second)
	c.RecordRequest("/v1/chat/completions", 503, time.Millisecond)
	c.RecordRendezvous("delivered", 2*time.Second)
	c.RecordRendezvous("timeout", 30*time.Second)
	c.SessionsActive().Set(3)
	c.RecordReaped(2)

	assert.Equal(t, float64(1),
		testutil.ToFloat64(c.requestsTotal.WithLabelValues("/v1/chat/completions", "2xx")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(c.requestsTotal.WithLabelValues("/v1/chat/completions", "4xx")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(c.requestsTotal.WithLabelValues("/v1/chat/completions", "5xx")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.rendezvousTotal.WithLabelValues("delivered")))
	assert.Equal(t, float64(3), testutil.ToFloat64(c.sessionsActive))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.sessionsReaped))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "motiveproxy_http_requests_total")
	assert.Contains(t, body, "motiveproxy_session_rendezvous_latency_seconds")
}

func TestStatusLabel(t *testing.T) {
	assert.Equal(t, "2xx", statusLabel(200))
	assert.Equal(t, "3xx", statusLabel(301))
	assert.Equal(t, "4xx", statusLabel(422))
	assert.Equal(t, "5xx", statusLabel(500))
}
