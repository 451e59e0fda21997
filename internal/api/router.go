package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// defaultWSPath is used when the WebSocket path is not configured.
const defaultWSPath = "/ws"

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
		r.Get("/metrics", s.handleMetrics)

		r.Route("/modules", func(r chi.Router) {
			r.Get("/", s.handleListModules)
			r.Get("/stats", s.handleModuleStats)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetModule)
				r.Get("/state", s.handleGetModuleState)
				r.Post("/commands", s.handleModuleCommand)
			})
		})

		r.Get("/commands", s.handleListCommands)

		wsPath := s.wsCfg.Path
		if wsPath == "" {
			wsPath = defaultWSPath
		}
		r.Get(wsPath, s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server health status.
// The bridge status is included when a bridge is attached; an offline bus
// reports "degraded" with HTTP 200 since the API itself is still serving.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	}

	if s.bridge != nil {
		m := s.bridge.GetMetrics()
		resp["bridge"] = map[string]any{
			"connected": m.Connected,
			"status":    m.Status,
		}
		if !m.Connected {
			resp["status"] = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
