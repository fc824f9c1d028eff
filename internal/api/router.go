package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	// All API routes will be under /api
	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Post("/signup", apiHandler.SignupHandler)
		r.Post("/login", apiHandler.LoginHandler)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})

		// User-authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			// Chat routes
			r.Post("/chat", apiHandler.ChatHandler)
			r.Post("/chat/stream", apiHandler.ChatStreamHandler)

			// Account, usage and settings
			r.Get("/account", apiHandler.AccountHandler)
			r.Get("/stats", apiHandler.StatsHandler)
			r.Get("/settings", apiHandler.GetSettingsHandler)
			r.Put("/settings", apiHandler.UpdateSettingsHandler)

			// Index administration
			r.Post("/admin/reindex", apiHandler.ReindexHandler)
		})
	})

	return r
}
