// SPDX-License-Identifier: MIT

// Package httpapi exposes the process's health and metrics endpoints over a
// small chi router, the same canonical-middleware-stack idiom used for the
// domain's chat-platform API surfaces.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	xwlog "github.com/voicewarden/voicewarden/internal/log"
)

// HealthFunc reports whether the process's dependencies (store, cache,
// platform connection) are currently healthy.
type HealthFunc func(ctx context.Context) error

// Config bounds the server's listen address and scrape protections.
type Config struct {
	Addr           string
	HealthFunc     HealthFunc
	RateLimitRPS    int
	RateLimitWindow time.Duration
}

// DefaultConfig matches SPEC_FULL §11's ambient defaults.
func DefaultConfig(addr string, health HealthFunc) Config {
	return Config{Addr: addr, HealthFunc: health, RateLimitRPS: 20, RateLimitWindow: time.Minute}
}

// Server wraps the chi router and its net/http.Server.
type Server struct {
	httpServer *http.Server
}

// New builds the router: recoverer, request ID, rate limiting, tracing via
// otelhttp, then /healthz and /metrics.
func New(cfg Config) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(httprate.LimitByIP(cfg.RateLimitRPS, cfg.RateLimitWindow))

	r.Get("/healthz", healthHandler(cfg.HealthFunc))
	r.Handle("/metrics", promhttp.Handler())

	handler := otelhttp.NewHandler(r, "voicewarden.httpapi")

	return &Server{httpServer: &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

func healthHandler(check HealthFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				xwlog.WithComponent("httpapi").Warn().Err(err).Msg("health check failed")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

// Start runs the server, blocking until it stops. Returns http.ErrServerClosed on graceful Shutdown.
func (s *Server) Start() error {
	xwlog.WithComponent("httpapi").Info().Str("addr", s.httpServer.Addr).Msg("health/metrics server listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
