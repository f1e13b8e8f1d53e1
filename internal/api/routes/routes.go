// internal/api/routes/routes.go
package routes

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mbarrio/fanout/internal/api/handlers"
	"github.com/mbarrio/fanout/internal/storage/postgres"
)

// SetupRouter builds the status server's route tree over the history store.
func SetupRouter(db *postgres.Client) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			next.ServeHTTP(w, r)
		})
	})

	// Initialize handlers
	runHandler := handlers.NewRunHandler(db)

	// Routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", runHandler.ListRuns)
			r.Get("/{id}", runHandler.GetRun)
		})
	})

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	return r
}
