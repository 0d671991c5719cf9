package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.GuardDecision("alerts.list", "permit")
		m.RoleCache(true)
		m.AlertCreated("documentProcessed", "feed")
		m.AlertRead("read")
		m.UnreadMarkers(false, 2)
		m.ConnectionOpened(1)
		m.SubscriptionChanged(1)
		m.MessageQueued("alert")
		m.ConnectionDropped()
		m.SweepRun("ok", time.Second)
	})
}

func TestMetrics_Counters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.GuardDecision("alerts.list", "deny")
	m.GuardDecision("alerts.list", "deny")
	m.RoleCache(false)
	m.UnreadMarkers(false, 3)
	m.ConnectionOpened(1)
	m.ConnectionOpened(1)
	m.ConnectionOpened(-1)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.GuardDecisionsTotal.WithLabelValues("alerts.list", "deny")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RoleCacheTotal.WithLabelValues("miss")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.UnreadMarkersTotal.WithLabelValues("unread")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.NotifyConnections))
}

func TestHTTPMetricsMiddleware_UsesRouteName(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	r := mux.NewRouter()
	r.Use(HTTPMetricsMiddleware(m))
	r.HandleFunc("/courses/{cid}/alerts", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}).Name("alerts.list")

	for _, id := range []string{"1", "2"} {
		req := httptest.NewRequest("GET", "/courses/"+id+"/alerts", nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	assert.Equal(t, float64(2), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "alerts.list", "418")))
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.AlertCreated("rephraseQuestion", "modal")

	mux := http.NewServeMux()
	RegisterMetricsEndpoint(mux, registry)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "helpme_alerts_created_total"))
}
