package web

import (
	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/turtle-id/internal/web/handlers"
)

func (s *Server) setupRoutes() {
	searchHandler := handlers.NewSearchHandler(s.engine)
	identitiesHandler := handlers.NewIdentitiesHandler(s.engine)
	rebuildHandler := handlers.NewRebuildHandler(s.engine, s.loadCorpus, s.jobManager)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", handlers.HealthCheck)
		r.Get("/stats", searchHandler.Stats)

		r.Post("/search", searchHandler.Search)

		// Identities
		r.Post("/identities", identitiesHandler.Insert)
		r.Post("/archive", identitiesHandler.Archive)

		// Rebuild (long-running operation)
		r.Post("/rebuild", rebuildHandler.Start)
		r.Get("/rebuild/{jobId}", rebuildHandler.Status)
		r.Get("/rebuild/{jobId}/events", rebuildHandler.Events)
		r.Delete("/rebuild/{jobId}", rebuildHandler.Cancel)
	})
}
