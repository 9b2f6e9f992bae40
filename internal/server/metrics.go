package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the application collectors and the registry they live in.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	httpInFlight    prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	loginAttempts   *prometheus.CounterVec
	ordersPlaced    prometheus.Counter
	orderItems      prometheus.Counter
	revenueCents    prometheus.Counter
	paymentIntents  *prometheus.CounterVec
	lowStockAlerts  prometheus.Counter
	realtimeClients prometheus.Gauge
	maintenance     *prometheus.CounterVec
	buildInfo       *prometheus.GaugeVec
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shop", Subsystem: "http", Name: "inflight_requests",
			Help: "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shop", Subsystem: "http", Name: "requests_total",
			Help: "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shop", Subsystem: "http", Name: "request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "route"}),
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shop", Subsystem: "auth", Name: "login_attempts_total",
			Help: "Login attempts by result.",
		}, []string{"result"}),
		ordersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shop", Subsystem: "orders", Name: "placed_total",
			Help: "Orders placed.",
		}),
		orderItems: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shop", Subsystem: "orders", Name: "units_total",
			Help: "Product units sold across placed orders.",
		}),
		revenueCents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shop", Subsystem: "orders", Name: "paid_cents_total",
			Help: "Sum of paid order totals in minor currency units.",
		}),
		paymentIntents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shop", Subsystem: "payments", Name: "intents_total",
			Help: "Payment intent requests by result.",
		}, []string{"result"}),
		lowStockAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shop", Subsystem: "products", Name: "low_stock_alerts_total",
			Help: "Low-stock notifications raised.",
		}),
		realtimeClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shop", Subsystem: "realtime", Name: "clients",
			Help: "Connected WebSocket clients.",
		}),
		maintenance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shop", Subsystem: "maintenance", Name: "affected_total",
			Help: "Rows affected by maintenance sweeps by task.",
		}, []string{"task"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "shop", Name: "build_info",
			Help: "Build information.",
		}, []string{"version", "commit"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpInFlight, m.httpRequests, m.httpDuration,
		m.loginAttempts,
		m.ordersPlaced, m.orderItems, m.revenueCents,
		m.paymentIntents, m.lowStockAlerts,
		m.realtimeClients, m.maintenance, m.buildInfo,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// SetBuildInfo publishes the running version.
func (m *Metrics) SetBuildInfo(version, commit string) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(version, commit).Set(1)
}

func (m *Metrics) trackInFlight() func() {
	if m == nil {
		return func() {}
	}
	m.httpInFlight.Inc()
	return m.httpInFlight.Dec
}

// RecordRequest records an HTTP request.
func (m *Metrics) RecordRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RecordLoginAttempt records a login attempt; result is success, failure or locked.
func (m *Metrics) RecordLoginAttempt(result string) {
	if m == nil {
		return
	}
	m.loginAttempts.WithLabelValues(result).Inc()
}

// RecordOrderPlaced records a new order and its unit count.
func (m *Metrics) RecordOrderPlaced(units int) {
	if m == nil {
		return
	}
	m.ordersPlaced.Inc()
	m.orderItems.Add(float64(units))
}

// RecordOrderPaid adds a settled order total.
func (m *Metrics) RecordOrderPaid(totalCents int64) {
	if m == nil {
		return
	}
	m.revenueCents.Add(float64(totalCents))
}

// RecordPaymentIntent records the outcome of a payment intent request.
func (m *Metrics) RecordPaymentIntent(result string) {
	if m == nil {
		return
	}
	m.paymentIntents.WithLabelValues(result).Inc()
}

// RecordLowStock counts a low-stock alert.
func (m *Metrics) RecordLowStock() {
	if m == nil {
		return
	}
	m.lowStockAlerts.Inc()
}

// SetRealtimeClients is wired to the hub's client count callback.
func (m *Metrics) SetRealtimeClients(n int) {
	if m == nil {
		return
	}
	m.realtimeClients.Set(float64(n))
}

// RecordMaintenance adds the rows touched by a maintenance task.
func (m *Metrics) RecordMaintenance(task string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.maintenance.WithLabelValues(task).Add(float64(n))
}
