package opsserver

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/yangtao121/Bambu-consumables-management/internal/metrics"
)

type fakePrinterHealth map[string]bool

func (f fakePrinterHealth) Health() map[string]bool { return f }

func testSetup() http.Handler {
	log := zerolog.New(io.Discard).With().Timestamp().Logger()
	m := metrics.NewMetrics(log)
	return New(nil, fakePrinterHealth{"printer-1": true}, m, log)
}

func TestHealthzReturnsOK(t *testing.T) {
	r := testSetup()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReadyzReportsPrinterHealth(t *testing.T) {
	r := testSetup()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "printer-1") {
		t.Fatalf("expected printer-1 in readyz body, got %s", body)
	}
}

func TestMetricsEndpointServesText(t *testing.T) {
	r := testSetup()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	ct := rec.Header().Get("Content-Type")
	if ct == "" {
		t.Fatalf("expected a content-type header on /metrics")
	}
}

func TestCORSPreflightReturnsNoContent(t *testing.T) {
	r := testSetup()
	req := httptest.NewRequest(http.MethodOptions, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

