package observability

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/danmuck/lattice/internal/testutil/testlog"
)

func TestRegisterMetricsIsIdempotent(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()
}

func TestRecordersUpdateCounters(t *testing.T) {
	testlog.Start(t)

	before := testutil.ToFloat64(invocations.WithLabelValues("wasmcloud:keyvalue", "ok"))
	RecordInvocation("wasmcloud:keyvalue", "ok", 3*time.Millisecond)
	RecordInvocation("wasmcloud:keyvalue", "ok", 5*time.Millisecond)
	if got := testutil.ToFloat64(invocations.WithLabelValues("wasmcloud:keyvalue", "ok")); got != before+2 {
		t.Fatalf("invocations = %v, want %v", got, before+2)
	}

	RecordDroppedReply("late")
	RecordInbound("served")
	RecordEvent("actor_started", "applied")
	RecordProviderTransition("wasmcloud:blobstore", "healthy")
	RecordProviderProbe("wasmcloud:blobstore", false)

	SetRunningHosts(3)
	if got := testutil.ToFloat64(runningHosts); got != 3 {
		t.Fatalf("hosts_running = %v, want 3", got)
	}
}

func TestHandlerExposesLatticeNamespace(t *testing.T) {
	testlog.Start(t)
	RecordEvent("link_put", "applied")

	srv := httptest.NewServer(Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `lattice_control_events_total{kind="link_put",result="applied"}`) {
		t.Fatalf("metrics body missing events counter")
	}
}

func TestMiddlewareRecordsRouteTemplate(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	r := gin.New()
	r.Use(RequestLogger(zerolog.New(&buf)), RequestMetricsMiddleware("host-a"))
	r.GET("/actors/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/actors/MABC", nil))

	got := testutil.ToFloat64(httpRequests.WithLabelValues("host-a", "GET", "/actors/:id", "404"))
	if got < 1 {
		t.Fatalf("http request not recorded by route template")
	}
	if !strings.Contains(buf.String(), `"status":404`) {
		t.Fatalf("request log missing status: %s", buf.String())
	}
}
