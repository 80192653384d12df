package net

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tickrelay/server/internal/observability"
	"tickrelay/server/internal/telemetry"
)

func serve(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	return resp
}

func TestHealthReflectsReadiness(t *testing.T) {
	ready := false
	handler := NewHTTPHandler(HTTPHandlerConfig{Ready: func() bool { return ready }})

	if resp := serve(t, handler, "/health"); resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", resp.Code)
	}
	ready = true
	resp := serve(t, handler, "/health")
	if resp.Code != http.StatusOK || resp.Body.String() != "ok" {
		t.Fatalf("expected ok once ready, got %d %q", resp.Code, resp.Body.String())
	}
}

func TestDiagnosticsIncludesDetails(t *testing.T) {
	handler := NewHTTPHandler(HTTPHandlerConfig{
		Role:        "proxy",
		Diagnostics: func() any { return map[string]int{"connections": 3} },
	})
	resp := serve(t, handler, "/diagnostics")
	if contentType := resp.Header().Get("Content-Type"); contentType != "application/json" {
		t.Fatalf("expected Content-Type application/json, got %q", contentType)
	}
	var payload struct {
		Status  string         `json:"status"`
		Role    string         `json:"role"`
		Details map[string]int `json:"details"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode diagnostics: %v", err)
	}
	if payload.Status != "ok" || payload.Role != "proxy" || payload.Details["connections"] != 3 {
		t.Fatalf("unexpected diagnostics payload %+v", payload)
	}
}

func TestMetricsEndpointServesPrometheus(t *testing.T) {
	prom := telemetry.NewPrometheus("tickrelay")
	prom.Add("router_deliveries_total", 2)
	handler := NewHTTPHandler(HTTPHandlerConfig{Metrics: prom.Handler()})

	resp := serve(t, handler, "/metrics")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `tickrelay_events_total{key="router_deliveries_total"} 2`) {
		t.Fatalf("expected keyed counter in exposition, got:\n%s", resp.Body.String())
	}
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	disabled := NewHTTPHandler(HTTPHandlerConfig{})
	if resp := serve(t, disabled, "/debug/pprof/"); resp.Code != http.StatusNotFound {
		t.Fatalf("expected pprof hidden by default, got %d", resp.Code)
	}
	enabled := NewHTTPHandler(HTTPHandlerConfig{Observability: observability.Config{EnablePprofTrace: true}})
	if resp := serve(t, enabled, "/debug/pprof/"); resp.Code != http.StatusOK {
		t.Fatalf("expected pprof index when enabled, got %d", resp.Code)
	}
}
