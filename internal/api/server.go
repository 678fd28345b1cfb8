// Package api provides the HTTP server exposing the Sync API.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/pos-sync/internal/api/common"
	syncv1 "github.com/stacklok/pos-sync/internal/api/sync/v1"
	"github.com/stacklok/pos-sync/internal/api/system"
	"github.com/stacklok/pos-sync/internal/service"
	"github.com/stacklok/pos-sync/internal/versions"
	"github.com/stacklok/pos-sync/internal/wire"
)

// ServerOption configures the Sync API server
type ServerOption func(*serverConfig)

// serverConfig holds the server configuration
type serverConfig struct {
	middlewares    []func(http.Handler) http.Handler
	metricsHandler http.Handler
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithMetricsHandler serves h at /metrics
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.metricsHandler = h
	}
}

// NewServer creates and configures the HTTP router with the given service and options
func NewServer(svc service.SyncService, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{
		middlewares: []func(http.Handler) http.Handler{},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Mount("/", system.Router(svc))

	if cfg.metricsHandler != nil {
		r.Handle("/metrics", cfg.metricsHandler)
	}

	r.Route("/sync", func(r chi.Router) {
		r.Use(ProtocolMiddleware)
		r.Mount("/", syncv1.Router(svc))
	})

	return r
}

// ProtocolMiddleware rejects peers speaking an incompatible protocol version.
// Requests without the header are accepted.
func ProtocolMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remote := r.Header.Get(wire.HeaderProtocolVersion)
		if err := versions.CheckProtocol(wire.ProtocolVersion, remote); err != nil {
			slog.Warn("Rejected request from incompatible peer",
				"path", r.URL.Path,
				"peer_role", r.Header.Get(wire.HeaderRole),
				"error", err)
			common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set(wire.HeaderProtocolVersion, wire.ProtocolVersion)
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
			"peer_role", r.Header.Get(wire.HeaderRole),
		)
	})
}
