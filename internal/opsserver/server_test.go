package opsserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleHealthz_ReturnsConfiguredSnapshot(t *testing.T) {
	cfg := DefaultConfig
	cfg.Port = 0
	s := New(cfg, func() any { return map[string]string{"status": "healthy"} })

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("expected json content type, got %q", rec.Header().Get("Content-Type"))
	}
}

func TestHandleNotFound_ReturnsJSON404(t *testing.T) {
	s := New(DefaultConfig, nil)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestMetricsEndpoint_Served(t *testing.T) {
	s := New(DefaultConfig, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
}
