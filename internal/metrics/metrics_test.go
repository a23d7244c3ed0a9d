package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ThomasHabets/livecount/internal/platform/version"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRegisterWithoutConflicts(t *testing.T) {
	reg := prometheus.NewRegistry()

	require.NotPanics(t, func() {
		NewRegistryMetrics(reg)
		NewSessionMetrics(reg)
		NewHTTPMetrics(reg)
		RegisterBuildInfo(reg, version.Get())
	})
}

func TestRegistryMetrics_DoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewRegistryMetrics(reg)

	assert.Panics(t, func() { NewRegistryMetrics(reg) })
}

func TestHandler_ExposesTextFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistryMetrics(reg)
	m.ActiveSubscribers.Set(3)
	m.Deliveries.WithLabelValues(DeliveryDropped).Inc()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "livecount_total_active 3")
	assert.Contains(t, body, `livecount_registry_deliveries_total{result="dropped"} 1`)
}

func TestBuildInfo(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterBuildInfo(reg, version.Info{Version: "v1", Commit: "abc", BuildTime: "now", GoVersion: "go1"})

	expected := `
# HELP livecount_build_info Build information (value is always 1).
# TYPE livecount_build_info gauge
livecount_build_info{build_time="now",commit="abc",go_version="go1",version="v1"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "livecount_build_info"))
}

func TestHTTPMiddleware_RecordsRequests(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/livecount/health", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/livecount/metrics", func(c echo.Context) error { return c.String(http.StatusOK, "") })

	for _, path := range []string{"/livecount/health", "/livecount/health", "/livecount/metrics"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues(http.MethodGet, "/livecount/health", "200")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues(http.MethodGet, "/livecount/metrics", "200")))
}
