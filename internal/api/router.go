package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter assembles the HTTP route tree.
//
// Device-facing routes under /api/v1/fleet are authenticated per request by
// device credentials carried in the body (or query for the websocket), so they
// sit outside the admin JWT middleware. Everything under /api/v1/devices and
// /api/v1/pairing-codes is operator surface and requires a bearer token.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		// Device-facing surface.
		r.Route("/fleet", func(r chi.Router) {
			r.Post("/register", s.handleRegister)
			r.Post("/check", s.handleCheck)
			r.Post("/heartbeat", s.handleHeartbeat)
			r.Post("/pair", s.handlePair)
			r.Get("/ws", s.handleWebSocket)
		})

		// Admin surface.
		r.Group(func(r chi.Router) {
			r.Use(s.adminAuthMiddleware)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.Post("/command", s.handleBulkCommand)
				r.Post("/clear-reload", s.handleClearReload)

				r.Get("/{deviceID}", s.handleGetDevice)
				r.Patch("/{deviceID}", s.handlePatchDevice)
				r.Delete("/{deviceID}", s.handleDeleteDevice)
				r.Post("/{deviceID}/merge", s.handleMergeDevices)
				r.Post("/{deviceID}/command", s.handleDeviceCommand)
				r.Post("/{deviceID}/pairing-code", s.handleGeneratePairingCode)
			})

			r.Get("/pairing-codes/active", s.handleActivePairingCodes)
			r.Delete("/pairing-codes/{code}", s.handleRevokePairingCode)
		})
	})

	return r
}

// handleHealth reports liveness and the build version. It is unauthenticated
// so orchestrators can probe it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
