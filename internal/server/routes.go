package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	// Session routes
	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.openSession) // needs an attached runtime

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.detachSession)
			r.Get("/history", s.getHistory)
			r.Get("/log", s.getLog)

			// Live session operations
			r.Post("/command", s.sendCommand)
			r.Get("/event", s.sessionEvents)
		})
	})

	// Event streaming (SSE)
	r.Get("/event", s.directoryEvents)

	// Health check
	r.Get("/health", s.health)
}
