package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/sultanranait/Claraly/internal/platform/capture"
)

func TestHistogram_Buckets(t *testing.T) {
	h := newHistogram([]float64{1, 5, 10})
	for _, v := range []float64{0.5, 1, 3, 7, 20} {
		h.Observe(v)
	}
	if h.Count() != 5 {
		t.Errorf("expected count 5, got %d", h.Count())
	}
	if h.Sum() != 31.5 {
		t.Errorf("expected sum 31.5, got %g", h.Sum())
	}
	cum := h.cumulativeBuckets()
	want := []int64{2, 3, 4}
	for i := range want {
		if cum[i] != want[i] {
			t.Errorf("bucket %d: expected %d, got %d", i, want[i], cum[i])
		}
	}
}

func TestCounterVec(t *testing.T) {
	p := NewProvider()
	c := p.Counter("webhook_events_total", "Webhook events.", "type")
	c.Inc("medical.document-download")
	c.Inc("medical.document-download")
	c.Add(3, "ping")

	if got := c.Get("medical.document-download"); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
	if got := c.Get("unknown"); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}

	out := p.Render()
	for _, want := range []string{
		"# TYPE webhook_events_total counter",
		`webhook_events_total{type="medical.document-download"} 2`,
		`webhook_events_total{type="ping"} 3`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
	if strings.Index(out, `type="medical.document-download"`) > strings.Index(out, `type="ping"`) {
		t.Error("expected series sorted by label value")
	}
}

func TestReporter_CountsAndForwards(t *testing.T) {
	p := NewProvider()
	rec := capture.NewRecorder()
	r := p.Reporter(rec)

	r.Capture(context.Background(), errors.New("boom"), capture.Context{Operation: "docquery.start"})
	r.Capture(context.Background(), errors.New("boom"), capture.Context{Operation: "docquery.start.maxRetriesReached"})
	r.Capture(context.Background(), errors.New("boom"), capture.Context{Operation: "docquery.start"})

	if got := p.CapturedErrors("docquery.start"); got != 2 {
		t.Errorf("expected 2 captures, got %d", got)
	}
	if rec.Len() != 3 {
		t.Errorf("expected 3 forwarded events, got %d", rec.Len())
	}
	if !strings.Contains(p.Render(), `errors_captured_total{operation="docquery.start.maxRetriesReached"} 1`) {
		t.Error("expected exhausted operation in output")
	}
}

func TestReporter_NilNext(t *testing.T) {
	p := NewProvider()
	p.Reporter(nil).Capture(context.Background(), errors.New("x"), capture.Context{Operation: "op"})
	if p.CapturedErrors("op") != 1 {
		t.Error("expected capture to be counted")
	}
}

func TestMetricsMiddleware(t *testing.T) {
	p := NewProvider()
	e := echo.New()
	e.Use(p.MetricsMiddleware())
	e.GET("/api/v1/patients/:id/documents", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/missing", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "nope")
	})
	e.GET("/metrics", p.PrometheusHandler())

	for _, path := range []string{"/api/v1/patients/p1/documents", "/api/v1/patients/p2/documents", "/missing"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := p.requestDuration.Count("GET", "/api/v1/patients/:id/documents", "200"); got != 2 {
		t.Errorf("expected 2 observations on the route pattern, got %d", got)
	}
	if got := p.requestDuration.Count("GET", "/missing", "404"); got != 1 {
		t.Errorf("expected the HTTPError code to be recorded, got %d", got)
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`http_server_request_duration_seconds_bucket{method="GET",route="/api/v1/patients/:id/documents",status_code="200",le="+Inf"} 2`,
		`http_server_request_duration_seconds_count{method="GET",route="/api/v1/patients/:id/documents",status_code="200"} 2`,
		"# TYPE http_server_active_requests gauge",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in:\n%s", want, body)
		}
	}
}

func TestGaugeFunc(t *testing.T) {
	p := NewProvider()
	n := 0.0
	p.GaugeFunc("docquery_active_sessions", "Running poll sessions.", func() float64 { return n })
	n = 4
	if !strings.Contains(p.Render(), "docquery_active_sessions 4\n") {
		t.Errorf("expected sampled gauge value, got:\n%s", p.Render())
	}
}
