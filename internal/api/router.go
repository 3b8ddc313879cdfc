package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/iotdash-core/internal/panel"
)

// healthCheckTimeout bounds each dependency check in GET /health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.With(s.authMiddleware).Get("/audit", s.handleListAudit)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Get("/stats", s.handleRegistryStats)
			r.With(s.authMiddleware).Post("/", s.handleRegisterDevice)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Get("/readings", s.handleGetReadings)
				r.Get("/readings/latest", s.handleLatestReading)
				r.Get("/stats", s.handleReadingStats)
				r.Get("/commands", s.handleListCommands)
				r.With(s.authMiddleware).Post("/commands", s.handleSendCommand)
			})
		})
	})

	wsPath := s.wsCfg.Path
	if wsPath == "" {
		wsPath = "/ws"
	}
	r.Get(wsPath, s.handleWebSocket)

	if s.cfg.Panel.Enabled {
		r.Handle("/*", panel.Handler(s.cfg.Panel.Dir))
	}

	return r
}

// handleHealth reports the server version and the health of each dependency.
// Any failing dependency turns the response into a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.health))
	healthy := true

	names := make([]string, 0, len(s.health))
	for name := range s.health {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := s.health[name].HealthCheck(ctx)
		cancel()
		if err != nil {
			healthy = false
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"version":    s.version,
		"checks":     checks,
		"ws_clients": s.hub.ClientCount(),
	})
}
