package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware_CountsByRoute(t *testing.T) {
	e := echo.New()
	e.Use(Middleware())
	e.GET("/ping/:id", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })
	e.GET("/fail", func(c echo.Context) error { return echo.NewHTTPError(http.StatusTeapot) })

	before := testutil.ToFloat64(HTTPRequests.WithLabelValues("/ping/:id", http.MethodGet, "204"))
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping/x", nil))
		require.Equal(t, http.StatusNoContent, rec.Code)
	}
	assert.Equal(t, before+3, testutil.ToFloat64(HTTPRequests.WithLabelValues("/ping/:id", http.MethodGet, "204")))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fail", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(HTTPRequests.WithLabelValues("/fail", http.MethodGet, "418")))
}

func TestObserveWorkerAndHandler(t *testing.T) {
	ObserveWorker("unit-test", time.Now(), nil)
	ObserveWorker("unit-test", time.Now(), errors.New("boom"))
	assert.Equal(t, float64(1), testutil.ToFloat64(WorkerRuns.WithLabelValues("unit-test", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(WorkerRuns.WithLabelValues("unit-test", "error")))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "pkifoundry_worker_runs_total"))
}
