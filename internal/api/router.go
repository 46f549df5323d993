// Package api assembles the knowledge base server's HTTP router.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/lamb-project/lamb-kb-server/internal/api/handlers"
	"github.com/lamb-project/lamb-kb-server/internal/api/middleware"
)

// NewRouter creates the HTTP router with all knowledge base routes.
// staticRoot is served under /static/ so ingested uploads stay reachable by
// the URLs recorded in chunk metadata.
func NewRouter(h *handlers.Handlers, apiKey, staticRoot string) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.NewAPIKeyAuth(apiKey).Middleware)

	r.Get("/health", h.Health)

	r.Route("/collections", func(r chi.Router) {
		r.Get("/", h.ListCollections)
		r.Post("/", h.CreateCollection)

		r.Route("/{collectionID}", func(r chi.Router) {
			r.Get("/", h.GetCollection)
			r.Put("/", h.UpdateCollection)
			r.Delete("/", h.DeleteCollection)

			r.Post("/ingest-file", h.IngestFile)
			r.Post("/ingest-url", h.IngestURL)
			r.Post("/ingest-base", h.IngestBase)
			r.Post("/documents", h.AddDocuments)
			r.Post("/query", h.QueryCollection)

			r.Route("/files", func(r chi.Router) {
				r.Get("/", h.ListFiles)
				r.Get("/{fileID}", h.GetFile)
				r.Delete("/{fileID}", h.DeleteFile)
			})
		})
	})

	r.Route("/files/{fileID}", func(r chi.Router) {
		r.Put("/status", h.UpdateFileStatus)
		r.Get("/content", h.FileContent)
	})

	r.Get("/ingestion/plugins", h.ListPlugins)
	r.Get("/query/plugins", h.ListQueryPlugins)

	fileServer := http.StripPrefix("/static/", http.FileServer(http.Dir(staticRoot)))
	r.Get("/static/*", fileServer.ServeHTTP)

	return r
}
