package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/cs2_demo_downloader/internal/telemetry"
)

// NewRouter mounts the demo API under /api/demos next to /health and /metrics.
func NewRouter(h *DemoHandler, tel *telemetry.Telemetry) http.Handler {
	r := chi.NewRouter()

	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/health", HandleHealth)

	if tel != nil {
		r.Handle("/metrics", tel.Handler())
	}

	r.Mount("/api/demos", h.Routes())
	r.NotFound(HandleNotFound)

	return r
}
