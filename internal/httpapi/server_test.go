// SPDX-License-Identifier: MIT

package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHealthHandler_OKWhenCheckPasses(t *testing.T) {
	h := healthHandler(func(ctx context.Context) error { return nil })
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	h(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHealthHandler_UnavailableWhenCheckFails(t *testing.T) {
	h := healthHandler(func(ctx context.Context) error { return errors.New("store unreachable") })
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	h(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestHealthHandler_NilCheckIsAlwaysHealthy(t *testing.T) {
	h := healthHandler(nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	h(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with a nil health check, got %d", rec.Code)
	}
}

func TestNew_ServesHealthzAndMetrics(t *testing.T) {
	srv := New(DefaultConfig(":0", func(ctx context.Context) error { return nil }))
	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	client := ts.Client()
	client.Timeout = 2 * time.Second

	resp, err := client.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 from /healthz, got %d", resp.StatusCode)
	}

	resp2, err := client.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("expected 200 from /metrics, got %d", resp2.StatusCode)
	}
}
