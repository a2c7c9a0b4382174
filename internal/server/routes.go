package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes wires the illustrative external interface from the spec:
// health, the streaming turn endpoint, and the account surface.
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/health", s.health)

	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Post("/messages/stream", s.streamMessage)
		r.Get("/events", s.sessionEvents)
		r.Post("/permissions/{promptID}", s.respondPermission)
	})

	r.Route("/users/me", func(r chi.Router) {
		r.Get("/profile", s.getProfile)
		r.Put("/profile", s.updateProfile)
		r.Put("/password", s.changePassword)

		r.Route("/api-keys", func(r chi.Router) {
			r.Post("/", s.createAPIKey)
			r.Get("/", s.listAPIKeys)
			r.Delete("/{keyID}", s.revokeAPIKey)
		})
	})

	r.Route("/users/auth/magic-link", func(r chi.Router) {
		r.Post("/request", s.requestMagicLink)
		r.Get("/verify", s.verifyMagicLink)
	})
}
