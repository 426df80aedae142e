package admin

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeRoutes struct{ tags []string }

func (f fakeRoutes) Tags() []string { return f.tags }

func TestHealthzReturnsOK(t *testing.T) {
	s := NewServer(RateLimit{}, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestDebugRoutesListsTags(t *testing.T) {
	s := NewServer(RateLimit{}, nil, fakeRoutes{tags: []string{"default", "secure"}})
	req := httptest.NewRequest(http.MethodGet, "/debug/routes", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "default") || !strings.Contains(body, "secure") {
		t.Errorf("expected body to list both tags, got %s", body)
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	s := NewServer(RateLimit{}, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
