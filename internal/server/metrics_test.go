package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.RecordRequest(http.MethodGet, "/api/products", 200, 20*time.Millisecond)
	m.RecordRequest(http.MethodGet, "/api/products", 200, 10*time.Millisecond)
	m.RecordLoginAttempt("failure")
	m.RecordOrderPlaced(3)
	m.RecordOrderPaid(12345)
	m.RecordMaintenance("cancelled_orders", 0)
	m.RecordMaintenance("pruned_notifications", 4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/products", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.loginAttempts.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ordersPlaced))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.orderItems))
	assert.Equal(t, 12345.0, testutil.ToFloat64(m.revenueCents))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.maintenance.WithLabelValues("pruned_notifications")))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordRequest("GET", "/", 200, time.Millisecond)
	m.RecordOrderPlaced(1)
	m.SetRealtimeClients(3)
	m.trackInFlight()()
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.SetBuildInfo("1.2.3", "abc")
	m.SetRealtimeClients(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `shop_build_info{commit="abc",version="1.2.3"} 1`))
	assert.True(t, strings.Contains(body, "shop_realtime_clients 2"))
}
