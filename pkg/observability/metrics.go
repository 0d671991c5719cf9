package observability

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so packages can take one optionally.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization metrics
	GuardDecisionsTotal *prometheus.CounterVec
	RoleCacheTotal      *prometheus.CounterVec

	// Alert metrics
	AlertsCreatedTotal *prometheus.CounterVec
	AlertsReadTotal    *prometheus.CounterVec

	// Unread tracker metrics
	UnreadMarkersTotal *prometheus.CounterVec

	// Notification metrics
	NotifyConnections   prometheus.Gauge
	NotifySubscriptions prometheus.Gauge
	NotifyMessagesTotal *prometheus.CounterVec
	NotifyDroppedTotal  prometheus.Counter
	NotifyOutboxTotal   *prometheus.CounterVec

	// Sweeper metrics
	SweepRunsTotal *prometheus.CounterVec
	SweepDuration  prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helpme_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "helpme_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		GuardDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helpme_guard_decisions_total",
				Help: "Access guard decisions by route",
			},
			[]string{"route", "decision"},
		),
		RoleCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helpme_role_cache_total",
				Help: "Role resolver cache lookups",
			},
			[]string{"result"},
		),
		AlertsCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helpme_alerts_created_total",
				Help: "Alerts created by type and delivery mode",
			},
			[]string{"type", "mode"},
		),
		AlertsReadTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helpme_alerts_read_total",
				Help: "Mark-read requests by outcome",
			},
			[]string{"outcome"},
		),
		UnreadMarkersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helpme_unread_markers_total",
				Help: "Unread marker upserts by resulting state",
			},
			[]string{"state"},
		),
		NotifyConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "helpme_notify_connections",
				Help: "Open real-time connections",
			},
		),
		NotifySubscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "helpme_notify_subscriptions",
				Help: "Active course subscriptions across connections",
			},
		),
		NotifyMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helpme_notify_messages_total",
				Help: "Messages queued to connections by type",
			},
			[]string{"type"},
		),
		NotifyDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "helpme_notify_dropped_connections_total",
				Help: "Connections closed because their send buffer was full",
			},
		),
		NotifyOutboxTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helpme_notify_outbox_events_total",
				Help: "Events leaving the notification outbox by result",
			},
			[]string{"result"},
		),
		SweepRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helpme_sweep_runs_total",
				Help: "Check-out sweep runs by status",
			},
			[]string{"status"},
		),
		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "helpme_sweep_duration_seconds",
				Help:    "Check-out sweep duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GuardDecisionsTotal,
		m.RoleCacheTotal,
		m.AlertsCreatedTotal,
		m.AlertsReadTotal,
		m.UnreadMarkersTotal,
		m.NotifyConnections,
		m.NotifySubscriptions,
		m.NotifyMessagesTotal,
		m.NotifyDroppedTotal,
		m.NotifyOutboxTotal,
		m.SweepRunsTotal,
		m.SweepDuration,
	)

	return m
}

// GuardDecision records one access guard outcome
func (m *Metrics) GuardDecision(route, decision string) {
	if m == nil {
		return
	}
	m.GuardDecisionsTotal.WithLabelValues(route, decision).Inc()
}

// RoleCache records a role cache hit or miss
func (m *Metrics) RoleCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.RoleCacheTotal.WithLabelValues(result).Inc()
}

// AlertCreated records a new alert
func (m *Metrics) AlertCreated(alertType, mode string) {
	if m == nil {
		return
	}
	m.AlertsCreatedTotal.WithLabelValues(alertType, mode).Inc()
}

// AlertRead records a mark-read outcome
func (m *Metrics) AlertRead(outcome string) {
	if m == nil {
		return
	}
	m.AlertsReadTotal.WithLabelValues(outcome).Inc()
}

// UnreadMarkers records n marker upserts
func (m *Metrics) UnreadMarkers(readLatest bool, n int) {
	if m == nil || n == 0 {
		return
	}
	state := "unread"
	if readLatest {
		state = "read"
	}
	m.UnreadMarkersTotal.WithLabelValues(state).Add(float64(n))
}

// ConnectionOpened adjusts the open connection gauge
func (m *Metrics) ConnectionOpened(delta int) {
	if m == nil {
		return
	}
	m.NotifyConnections.Add(float64(delta))
}

// SubscriptionChanged adjusts the subscription gauge
func (m *Metrics) SubscriptionChanged(delta int) {
	if m == nil {
		return
	}
	m.NotifySubscriptions.Add(float64(delta))
}

// MessageQueued records a message handed to a connection
func (m *Metrics) MessageQueued(msgType string) {
	if m == nil {
		return
	}
	m.NotifyMessagesTotal.WithLabelValues(msgType).Inc()
}

// ConnectionDropped records a slow consumer eviction
func (m *Metrics) ConnectionDropped() {
	if m == nil {
		return
	}
	m.NotifyDroppedTotal.Inc()
}

// OutboxEvent records an event leaving the notification outbox: published,
// failed or dropped
func (m *Metrics) OutboxEvent(result string) {
	if m == nil {
		return
	}
	m.NotifyOutboxTotal.WithLabelValues(result).Inc()
}

// SweepRun records one sweeper run
func (m *Metrics) SweepRun(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SweepRunsTotal.WithLabelValues(status).Inc()
	m.SweepDuration.Observe(elapsed.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack passes through so websocket upgrades work behind the wrapper
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

// routeLabel prefers the mux route name so path ids do not explode cardinality
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if name := route.GetName(); name != "" {
			return name
		}
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Register it with router.Use so the matched route is known.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
