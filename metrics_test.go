package scraper

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	return rec.Body.String()
}

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics() returned nil")
	}
	if m.Registry() == nil {
		t.Fatal("registry should not be nil")
	}
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()
	m.RecordRequest("GET", true)
	m.RecordRequest("GET", true)
	m.RecordRequest("POST", false)
	m.RecordOCSPCheck(CertRevoked)
	m.RecordUpstreamError(KindConnection)
	m.RecordCapture(ArtifactResponse, 128)
	m.RecordCapture(ArtifactResponse, 64)
	m.RecordCaptureError(ArtifactRequest)
	m.RecordSession("", time.Second)
	m.RecordSession(KindCertificate, 2*time.Second)

	body := scrape(t, m)
	for _, line := range []string{
		`scraper_requests_total{method="GET",ocsp="true"} 2`,
		`scraper_requests_total{method="POST",ocsp="false"} 1`,
		`scraper_ocsp_checks_total{status="revoked"} 1`,
		`scraper_upstream_errors_total{kind="connection"} 1`,
		`scraper_capture_writes_total{kind="response"} 2`,
		`scraper_capture_bytes_total 192`,
		`scraper_capture_errors_total{kind="request"} 1`,
		`scraper_sessions_total{outcome="success"} 1`,
		`scraper_sessions_total{outcome="certificate"} 1`,
	} {
		if !strings.Contains(body, line) {
			t.Errorf("metrics output missing %q", line)
		}
	}
}

func TestMetrics_ActiveRequests(t *testing.T) {
	m := NewMetrics()
	m.IncActiveRequests()
	m.IncActiveRequests()
	m.DecActiveRequests()
	if body := scrape(t, m); !strings.Contains(body, "scraper_active_requests 1") {
		t.Error("active requests gauge should be 1")
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.RecordRequest("GET", false)
	m.RecordRequestDuration("GET", 200, 50*time.Millisecond)
	m.RecordOCSPCheck(CertGood)
	m.RecordSession("", time.Second)

	body := scrape(t, m)
	for _, name := range []string{
		"scraper_requests_total",
		"scraper_request_duration_seconds",
		"scraper_active_requests",
		"scraper_ocsp_checks_total",
		"scraper_sessions_total",
		"scraper_session_duration_seconds",
		"go_goroutines",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %q", name)
		}
	}
}
