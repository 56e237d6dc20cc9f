package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Device-facing ingestion. Deliberately outside /api/v1 and outside
	// auth: the reporting devices cannot hold credentials, and the path
	// must stay stable across API versions because reflashing firmware
	// on a fleet of sealed meters is not an option.
	r.Post("/ingest", s.handleIngest)

	// Device-facing settings poll, unauthenticated for the same reason.
	// Responds 204 unless an operator armed a delivery for the device.
	r.Post("/cfg", s.handleDeviceSettings)

	// Operator API
	r.Route("/api/v1", func(r chi.Router) {
		// Liveness probe (no auth required)
		r.Get("/health", s.handleHealth)

		// Login only exists when an operator credential is configured
		if s.operator != nil {
			r.Post("/auth/login", s.handleLogin)
		}

		// WebSocket event stream. Browsers cannot set an Authorization
		// header on the upgrade request, so this sits outside the
		// bearer middleware; with auth enabled the handler demands a
		// single-use ticket minted by an authenticated caller instead.
		r.Get("/events", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			// WS ticket requires a valid token, so it sits behind auth
			if s.operator != nil {
				r.Post("/auth/ws-ticket", s.handleWSTicket)
			}

			// Device fleet endpoints, keyed by device identifier
			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.Get("/stats", s.handleDeviceStats)

				r.Route("/{identifier}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Patch("/", s.handleUpdateDevice)
					r.Delete("/", s.handleDeleteDevice)
					r.Post("/confirm", s.handleConfirmDevice)
					r.Post("/settings/arm", s.handleArmSettings)

					r.Route("/channels/{index}", func(r chi.Router) {
						r.Patch("/", s.handleConfigureChannel)
						r.Post("/reset", s.handleResetChannel)
					})
				})
			})

			// System diagnostics
			r.Route("/system", func(r chi.Router) {
				r.Get("/health", s.handleSystemHealth)
				r.Get("/info", s.handleSystemInfo)
			})
		})
	})

	return r
}

// handleHealth returns the liveness status. Container healthchecks and
// the pulsegate health subcommand hit this endpoint, so it never sits
// behind auth and never touches the database.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
