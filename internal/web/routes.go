package web

import (
	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-recognizer/internal/web/handlers"
)

func (s *Server) setupRoutes() {
	facesHandler := handlers.NewFacesHandler(s.service, s.config.Identity.SimilarityThreshold)

	// Health check
	s.router.Get("/api/v1/health", handlers.HealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/ready", facesHandler.Ready)

		r.Post("/detect", facesHandler.Detect)

		// Persons
		r.Get("/persons", facesHandler.ListPersons)
		r.Post("/persons", facesHandler.CreatePerson)
		r.Post("/persons/search", facesHandler.Search)
		r.Get("/persons/{id}", facesHandler.GetPerson)
		r.Delete("/persons/{id}", facesHandler.DeletePerson)

		// Maintenance
		r.Post("/reconcile", facesHandler.Reconcile)
	})
}
