package routers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"codecanvas/internal/api"
	"codecanvas/internal/metrics"
)

// New mounts the service routes. The request timeout only covers the REST
// group; /ws connections are long lived.
func New(h *api.Handlers, frontendURL string) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Logger,
		middleware.Recoverer,
		cors.Handler(cors.Options{
			AllowedOrigins:   []string{frontendURL},
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}),
		metrics.Middleware("codecanvas"),
	)

	r.Get("/healthz", h.Health)
	r.Get("/readyz", h.Ready)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws", h.CollabWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Post("/rooms", h.CreateRoom)
		r.Get("/rooms/my-rooms", h.ListMyRooms)
		r.Get("/rooms/{roomId}", h.GetRoom)
		r.Put("/rooms/{roomId}", h.UpdateRoom)
		r.Delete("/rooms/{roomId}", h.DeleteRoom)
		r.Get("/stats", h.Stats)
	})

	return r
}
