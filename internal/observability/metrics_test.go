package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("c@127.0.0.1", "GET", "/health", 200, 12*time.Millisecond)
	RecordHandshake(FlavorAccept, "ok", 3*time.Millisecond)

	before := testutil.ToFloat64(distFrames.WithLabelValues(DirectionIn, KindTick))
	RecordFrame(DirectionIn, KindTick, 0)
	if got := testutil.ToFloat64(distFrames.WithLabelValues(DirectionIn, KindTick)); got != before+1 {
		t.Fatalf("tick frame not counted: before=%v after=%v", before, got)
	}

	bytesBefore := testutil.ToFloat64(distBytes.WithLabelValues(DirectionOut))
	RecordFrame(DirectionOut, KindData, 42)
	if got := testutil.ToFloat64(distBytes.WithLabelValues(DirectionOut)); got != bytesBefore+42 {
		t.Fatalf("payload bytes not counted: before=%v after=%v", bytesBefore, got)
	}

	active := testutil.ToFloat64(sessionsActive)
	SessionOpened()
	SessionClosed()
	if got := testutil.ToFloat64(sessionsActive); got != active {
		t.Fatalf("sessions gauge drifted: %v -> %v", active, got)
	}
}

func TestRequestMiddlewareLabelsUnmatchedRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	r := gin.New()
	r.Use(RequestLogger(zerolog.New(&buf)))
	r.Use(RequestMetricsMiddleware("c@127.0.0.1"))
	r.GET("/status", func(c *gin.Context) { c.Status(http.StatusOK) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope/123", nil))

	if got := testutil.ToFloat64(httpRequests.WithLabelValues("c@127.0.0.1", "GET", "unmatched", "404")); got < 1 {
		t.Fatalf("unmatched route not labelled, got %v", got)
	}
	if !strings.Contains(buf.String(), `"path":"/status"`) {
		t.Fatalf("request log missing route: %q", buf.String())
	}
}
